// TopstepX Engine — an automated futures-trading platform for TopstepX
// evaluation and funded accounts on the ProjectX gateway.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — composition root: wires broker → hub → bots → API
//	broker/              — REST client, token lifecycle and the two SignalR streams
//	hub/hub.go           — fans stream events out to bots, websocket clients and read caches
//	account/manager.go   — one bot per managed account, persisted bindings
//	bot/bot.go           — per-account pipeline: bars → strategy → gates → risk → orders
//	risk/manager.go      — Topstep rules: daily loss, trailing drawdown, consistency
//	market/              — contract registry, trading hours, valuation, bar aggregation
//	orders/manager.go    — idempotent placement, cancel sweeps, confirmed flatten
//	api/                 — dashboard REST + websocket surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"topstepx-engine/internal/config"
	"topstepx-engine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TOPSTEPX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Broker.Paper {
		logger.Warn("PAPER MODE — orders go to the practice environment")
	}
	logger.Info("topstepx engine started",
		"dashboard", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"config", cfg.Redacted(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

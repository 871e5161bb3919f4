package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"topstepx-engine/internal/config"
	"topstepx-engine/internal/hub"
	"topstepx-engine/internal/metrics"
)

// Server runs the HTTP and websocket API for the dashboard.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	wsHub    *WSHub
	metrics  *metrics.Metrics
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires the route table and the websocket hub.
func NewServer(cfg config.ServerConfig, hubCfg config.HubConfig, handlers *Handlers, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		wsHub:    NewWSHub(m, hubCfg.SubscriberBuffer, logger),
		metrics:  m,
		logger:   logger.With("component", "api-server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins, r.Host)
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /api/cors-ok", handlers.handleCORSOK)
	mux.HandleFunc("GET /api/dashboard/state", handlers.handleDashboard)

	mux.HandleFunc("GET /api/accounts", handlers.handleAccounts)
	mux.HandleFunc("POST /api/accounts/add", handlers.handleAccountAdd)
	mux.HandleFunc("GET /api/accounts/{id}", handlers.handleAccount)
	mux.HandleFunc("GET /api/accounts/{id}/status", handlers.handleAccountStatus)
	mux.HandleFunc("POST /api/accounts/{id}/start", handlers.handleAccountStart)
	mux.HandleFunc("POST /api/accounts/{id}/stop", handlers.handleAccountStop)
	mux.HandleFunc("GET /api/accounts/{id}/activity", handlers.handleAccountActivity)

	mux.HandleFunc("GET /api/market/candles", handlers.handleCandles)
	mux.HandleFunc("GET /api/market/contracts", handlers.handleContracts)
	mux.HandleFunc("GET /api/market/search", handlers.handleContractSearch)

	mux.HandleFunc("GET /api/trading/positions/{id}", handlers.handlePositions)
	mux.HandleFunc("GET /api/trading/pending-orders/{id}", handlers.handlePendingOrders)
	mux.HandleFunc("GET /api/trading/previous-orders/{id}", handlers.handlePreviousOrders)
	mux.HandleFunc("POST /api/trading/place-order", handlers.handlePlaceOrder)
	mux.HandleFunc("POST /api/trading/accounts/{id}/flatten", handlers.handleFlatten)

	mux.HandleFunc("POST /api/strategies/{id}/activate", handlers.handleActivateStrategy)
	mux.HandleFunc("POST /api/backtest/run", handlers.handleBacktest)
	mux.HandleFunc("POST /api/config/save", handlers.handleConfigSave)

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newEnvelope(mux, cfg.AllowedOrigins, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the websocket hub and blocks serving HTTP.
func (s *Server) Start() error {
	go s.wsHub.Run()
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests with a bounded shutdown.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// BroadcastEvent forwards one fan-out event to every websocket subscriber.
// Register it as a hub event sink.
func (s *Server) BroadcastEvent(evt hub.Event) {
	if s.metrics != nil {
		s.metrics.HubEvents.WithLabelValues(evt.Type).Inc()
	}
	s.wsHub.Broadcast(messageFromHubEvent(evt))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newWSClient(s.wsHub, conn)
}

// isOriginAllowed decides websocket origin checks. Empty origins (non-browser
// clients) and same-host requests pass; otherwise the allowlist decides, with
// localhost permitted when no allowlist is configured.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

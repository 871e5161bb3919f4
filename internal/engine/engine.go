// Package engine is the composition root of the trading platform.
//
// It wires together all subsystems:
//
//  1. The broker auth/REST client and the two SignalR streams (user + market).
//  2. The hub, which fans stream events out to bots, the websocket layer and
//     the REST read caches.
//  3. The account manager, which owns one bot per managed account.
//  4. The order manager, risk managers (one per bot) and the market registry.
//  5. The HTTP/websocket API server for the dashboard.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/api"
	"topstepx-engine/internal/backtest"
	"topstepx-engine/internal/bot"
	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/config"
	"topstepx-engine/internal/hub"
	"topstepx-engine/internal/market"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/risk"
	"topstepx-engine/internal/store"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/models"
)

// Engine owns every long-running component and their shutdown order.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	auth         *broker.Auth
	client       *broker.Client
	userStream   *broker.Stream
	marketStream *broker.Stream

	registry *market.Registry
	hours    *market.Hours
	valuator *market.Valuator
	hub      *hub.Hub
	orders   *orders.Manager
	accounts *account.Manager
	metrics  *metrics.Metrics
	server   *api.Server

	// risks tracks each bot's risk manager so stream events (equity,
	// realized P&L) can feed the session accounting.
	risksMu sync.Mutex
	risks   map[int64]*risk.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. Nothing touches the network until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth := broker.NewAuth(cfg.Broker, logger)
	client := broker.NewClient(cfg.Broker, auth, logger)

	userStream := broker.NewUserStream(cfg.Broker.UserHubURL, auth, logger)
	marketStream := broker.NewMarketStream(cfg.Broker.MarketHubURL, auth, logger)

	m := metrics.New()
	client.SetRequestObserver(func(path, kind string) {
		m.BrokerRequests.WithLabelValues(path, kind).Inc()
	})

	registry := market.NewRegistry(client, cfg.Trading.ContractTTL, cfg.Trading.QuoteAliases, logger)
	hours, err := market.NewHours(cfg.Trading.Timezone, market.RealClock{}, nil)
	if err != nil {
		return nil, err
	}
	valuator := market.NewValuator(registry, logger)

	h := hub.New(userStream.UserEvents(), marketStream.Quotes(), marketStream.MarketTrades(), valuator, cfg.Hub.HeartbeatInterval, logger)
	orderMgr := orders.NewManager(client, registry, logger)

	st, err := store.Open(cfg.Bots.File)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		auth:         auth,
		client:       client,
		userStream:   userStream,
		marketStream: marketStream,
		registry:     registry,
		hours:        hours,
		valuator:     valuator,
		hub:          h,
		orders:       orderMgr,
		metrics:      m,
		risks:        make(map[int64]*risk.Manager),
	}

	accounts, err := account.NewManager(client, st, e.botFactory(), logger)
	if err != nil {
		return nil, err
	}
	e.accounts = accounts

	backtester := backtest.NewRunner(client, registry, hours, logger)
	handlers := api.NewHandlers(
		&streamBoundAccounts{Manager: accounts, engine: e},
		orderMgr,
		registry,
		client,
		client,
		h,
		valuator,
		hours,
		backtester,
		auth,
		userStream,
		marketStream,
		e.metrics,
		"data",
		logger,
	)
	e.server = api.NewServer(cfg.Server, cfg.Hub, handlers, e.metrics, logger)

	return e, nil
}

// botFactory builds one bot per account binding: its own risk manager, the
// shared order manager and the shared contract registry.
func (e *Engine) botFactory() account.BotFactory {
	return func(cfg bot.Config) (*bot.Bot, error) {
		tierName := cfg.Tier
		if tierName == "" {
			tierName = e.cfg.Trading.DefaultAccountSize
		}
		tier, ok := risk.TierFor(tierName)
		if !ok {
			return nil, fmt.Errorf("unknown account tier %q", tierName)
		}
		rm := risk.NewManager(tier, 0, e.hours, e.logger)

		agent, err := strategy.ParseAgentType(string(cfg.AgentType))
		if err != nil {
			return nil, err
		}
		b, err := bot.New(cfg, strategy.ChainFor(agent), rm, e.orders, e.registry, e.hours, e.logger)
		if err != nil {
			return nil, err
		}
		accountID := cfg.AccountID
		b.SetUnrealizedFunc(func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return e.hub.UnrealizedPnL(ctx, accountID)
		})
		b.SetStatusListener(func(st bot.Status) {
			// The factory also runs during the store restore, before the
			// server exists.
			if e.server == nil {
				return
			}
			e.server.BroadcastEvent(hub.Event{Type: hub.EventBotStatus, AccountID: accountID, Payload: st, Time: time.Now().UTC()})
		})

		e.risksMu.Lock()
		e.risks[accountID] = rm
		e.risksMu.Unlock()
		return b, nil
	}
}

// Start authenticates, launches the streams, the hub and the API server,
// and registers the fan-out sinks.
func (e *Engine) Start(ctx context.Context) error {
	if res := e.auth.Acquire(ctx); !res.IsOK() {
		return fmt.Errorf("broker authentication failed: %s", res.Err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.userStream.Run(runCtx); err != nil && runCtx.Err() == nil {
			e.logger.Error("user stream stopped", "error", err)
		}
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.marketStream.Run(runCtx); err != nil && runCtx.Err() == nil {
			e.logger.Error("market stream stopped", "error", err)
		}
	}()

	e.hub.OnQuote(e.routeQuote)
	e.hub.OnUserEvent(e.feedRisk)
	e.hub.OnEvent(e.server.BroadcastEvent)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hub.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server stopped", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"port", e.cfg.Server.Port,
		"bots", len(e.accounts.Bots()),
		"paper", e.cfg.Broker.Paper,
	)
	return nil
}

// Stop shuts down in dependency order: bots first so no new orders go out,
// then the API server, then the streams.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.accounts.StopAll()
	if err := e.server.Stop(); err != nil {
		e.logger.Error("api server shutdown", "error", err)
	}
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.userStream.Close(); err != nil {
		e.logger.Warn("user stream close", "error", err)
	}
	if err := e.marketStream.Close(); err != nil {
		e.logger.Warn("market stream close", "error", err)
	}
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// routeQuote delivers each canonical quote to the bots trading that symbol,
// translating broker quote roots (e.g. EP) to chart roots (ES, MES) via the
// configured alias table.
func (e *Engine) routeQuote(q models.Quote) {
	running := 0
	for _, b := range e.accounts.Bots() {
		st := b.Status()
		if st.Running {
			running++
		}
		if !st.Running {
			continue
		}
		if symbol := b.Symbol(); e.symbolMatches(q.Symbol, symbol) {
			routed := q
			routed.Symbol = symbol
			b.Deliver(routed)
		}
	}
	e.metrics.RunningBots.Set(float64(running))
}

func (e *Engine) symbolMatches(quoteSymbol, botSymbol string) bool {
	if quoteSymbol == botSymbol {
		return true
	}
	qBase, qSuffix := models.SplitSymbol(quoteSymbol)
	bBase, bSuffix := models.SplitSymbol(botSymbol)
	if qSuffix != bSuffix {
		return false
	}
	for _, alias := range e.cfg.Trading.QuoteAliases[qBase] {
		if alias == bBase {
			return true
		}
	}
	return false
}

// feedRisk forwards stream facts into the per-bot risk managers: account
// balance updates drive the trailing drawdown, closed-trade P&L drives the
// daily loss and consistency accounting.
func (e *Engine) feedRisk(evt broker.UserEvent) {
	e.risksMu.Lock()
	rm, ok := e.risks[evt.AccountID()]
	e.risksMu.Unlock()
	if !ok {
		return
	}

	switch evt.Kind {
	case broker.UserEventAccount:
		rm.UpdateEquity(evt.Account.Balance)
	case broker.UserEventTrade:
		if evt.Trade.PnL != nil {
			rm.RecordTrade(*evt.Trade.PnL, evt.Trade.Timestamp)
		}
	}
}

// streamBoundAccounts decorates the account manager so starting a bot also
// subscribes its account and contract on the broker streams, and stopping
// unsubscribes the account. Contract subscriptions are left in place; other
// bots and the quote cache may share them.
type streamBoundAccounts struct {
	*account.Manager
	engine *Engine
}

func (s *streamBoundAccounts) Start(ctx context.Context, accountID int64) error {
	b, ok := s.Manager.Bot(accountID)
	if !ok {
		return fmt.Errorf("account %d has no bot", accountID)
	}

	contract := s.engine.registry.GetBySymbol(ctx, b.Symbol())
	if !contract.IsOK() {
		return fmt.Errorf("resolve contract for %s: %s", b.Symbol(), contract.Err.Error())
	}
	if err := s.engine.userStream.SubscribeAccount(accountID); err != nil {
		s.engine.logger.Warn("account subscription failed", "account", accountID, "error", err)
	}
	if err := s.engine.marketStream.SubscribeContract(contract.Value.ID); err != nil {
		s.engine.logger.Warn("contract subscription failed", "contract", contract.Value.ID, "error", err)
	}
	return s.Manager.Start(ctx, accountID)
}

func (s *streamBoundAccounts) Stop(accountID int64) error {
	if err := s.Manager.Stop(accountID); err != nil {
		return err
	}
	if err := s.engine.userStream.UnsubscribeAccount(accountID); err != nil {
		s.engine.logger.Warn("account unsubscribe failed", "account", accountID, "error", err)
	}
	return nil
}

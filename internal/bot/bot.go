package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/market"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/risk"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/models"
)

// State is the bot lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// drainTimeout bounds how long Stop waits for the run loop to exit.
const drainTimeout = 10 * time.Second

// quoteBuffer sizes the bot's inbound quote channel. Quotes are
// latest-wins; a stale tick dropped under load is replaced by the next.
const quoteBuffer = 256

// cutoffCheckInterval paces the session-cutoff check in the run loop. The
// market feed goes quiet at the close, so the cutoff cannot ride on the
// quote path.
const cutoffCheckInterval = 30 * time.Second

// OrderSink is the slice of the order manager the bot uses.
type OrderSink interface {
	Place(ctx context.Context, intent models.OrderIntent) broker.Result[int64]
	Flatten(ctx context.Context, accountID int64) ([]orders.FlattenResult, *broker.Error)
}

// ContractResolver resolves the traded symbol's contract metadata once at
// startup, for tick-value based sizing.
type ContractResolver interface {
	GetBySymbol(ctx context.Context, symbol string) broker.Result[models.Contract]
}

// SessionHours reports whether the trading session is open at a given
// instant. Used by the run loop to unwind positions at the daily cutoff.
type SessionHours interface {
	IsOpen(t time.Time) bool
}

// Config binds one bot to an account, a symbol and its strategies. All
// strategies trade the same symbol; their signals share one gate chain and
// one risk manager.
type Config struct {
	AccountID    int64              `json:"account_id" yaml:"account_id"`
	Name         string             `json:"name,omitempty" yaml:"name,omitempty"`
	Tier         string             `json:"tier" yaml:"tier"`
	AgentType    strategy.AgentType `json:"ai_agent_type" yaml:"ai_agent_type"`
	Stage        string             `json:"stage,omitempty" yaml:"stage,omitempty"`
	PaperTrading bool               `json:"paper_trading" yaml:"paper_trading"`
	Enabled      bool               `json:"enabled" yaml:"enabled"`
	Strategies   []strategy.Config  `json:"strategies" yaml:"strategies"`
	StopTicks    int                `json:"stop_ticks" yaml:"stop_ticks"`
	TargetTicks  int                `json:"target_ticks" yaml:"target_ticks"`
	BarInterval  time.Duration      `json:"bar_interval" yaml:"bar_interval"`
}

func (c Config) withDefaults() Config {
	if c.StopTicks <= 0 {
		c.StopTicks = 40
	}
	if c.TargetTicks <= 0 {
		c.TargetTicks = c.StopTicks * 2
	}
	if c.BarInterval <= 0 {
		c.BarInterval = time.Minute
	}
	return c
}

// Bot trades one account. All pipeline steps for the account run on the
// bot's single goroutine; there is no concurrent order submission per
// account.
type Bot struct {
	cfg       Config
	symbol    string
	strats    []strategy.Strategy
	gates     strategy.Chain
	risk      *risk.Manager
	orders    OrderSink
	contracts ContractResolver
	hours     SessionHours
	logger    *slog.Logger
	activity  *ActivityLog

	// unrealized, when set, reports the account's current open P&L for the
	// daily-loss check. Nil means unknown, treated as zero.
	unrealized func() float64

	quotes      chan models.Quote
	nowFn       func() time.Time // test seam
	cutoffEvery time.Duration    // test seam

	mu         sync.Mutex
	state      State
	failReason string
	contract   models.Contract
	cancel     context.CancelFunc
	done       chan struct{}
	onStatus   func(Status)
}

// New creates a bot in the STOPPED state. Strategies are built eagerly so
// a bad config fails at add time, not start time.
func New(cfg Config, gates strategy.Chain, rm *risk.Manager, sink OrderSink, contracts ContractResolver, hours SessionHours, logger *slog.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	agent, err := strategy.ParseAgentType(string(cfg.AgentType))
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", cfg.AccountID, err)
	}
	cfg.AgentType = agent

	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("account %d: at least one strategy is required", cfg.AccountID)
	}
	symbol := cfg.Strategies[0].Symbol
	if symbol == "" {
		return nil, fmt.Errorf("account %d: strategy symbol is required", cfg.AccountID)
	}
	strats := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for i, sc := range cfg.Strategies {
		if sc.Symbol == "" {
			sc.Symbol = symbol
			cfg.Strategies[i] = sc
		}
		if sc.Symbol != symbol {
			return nil, fmt.Errorf("account %d: all strategies must trade one symbol, got %s and %s", cfg.AccountID, symbol, sc.Symbol)
		}
		s, err := strategy.Build(sc)
		if err != nil {
			return nil, err
		}
		strats = append(strats, s)
	}

	return &Bot{
		cfg:         cfg,
		symbol:      symbol,
		strats:      strats,
		gates:       gates,
		risk:        rm,
		orders:      sink,
		contracts:   contracts,
		hours:       hours,
		logger:      logger.With("component", "bot", "account", cfg.AccountID, "symbol", symbol),
		activity:    NewActivityLog(),
		quotes:      make(chan models.Quote, quoteBuffer),
		nowFn:       time.Now,
		cutoffEvery: cutoffCheckInterval,
		state:       StateStopped,
	}, nil
}

// SetUnrealizedFunc wires a live open-P&L source into the risk checks.
func (b *Bot) SetUnrealizedFunc(f func() float64) {
	b.mu.Lock()
	b.unrealized = f
	b.mu.Unlock()
}

// SetStatusListener registers an observer for lifecycle transitions
// (start, stop, fail). Called outside the bot mutex.
func (b *Bot) SetStatusListener(f func(Status)) {
	b.mu.Lock()
	b.onStatus = f
	b.mu.Unlock()
}

func (b *Bot) notifyStatus() {
	b.mu.Lock()
	f := b.onStatus
	b.mu.Unlock()
	if f != nil {
		f(b.Status())
	}
}

// Start transitions STOPPED/FAILED → RUNNING. Starting a running bot is a
// no-op, not an error. Disabled bots refuse to start.
func (b *Bot) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		return fmt.Errorf("bot for account %d is disabled in its configuration", b.cfg.AccountID)
	}
	b.mu.Lock()
	switch b.state {
	case StateRunning, StateStarting:
		b.mu.Unlock()
		return nil
	case StateStopping:
		b.mu.Unlock()
		return fmt.Errorf("bot is stopping, wait for it to settle")
	}
	b.state = StateStarting
	b.mu.Unlock()

	res := b.contracts.GetBySymbol(ctx, b.symbol)
	if !res.IsOK() {
		b.fail(fmt.Sprintf("contract lookup failed: %s", res.Err.Message))
		return res.Err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.contract = res.Value
	b.cancel = cancel
	b.done = done
	b.state = StateRunning
	b.failReason = ""
	b.mu.Unlock()

	go b.run(runCtx, done)

	b.activity.Record(ActivityStarted, "bot started", map[string]any{
		"strategies": b.strategyNames(),
		"gates":      b.gates.Name(),
	})
	b.logger.Info("bot started", "strategies", b.strategyNames(), "agent", string(b.cfg.AgentType))
	b.notifyStatus()
	return nil
}

// Stop transitions RUNNING → STOPPED, draining the run loop with a bound.
// Stopping a stopped bot is a no-op.
func (b *Bot) Stop() {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateStopping
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		b.logger.Warn("run loop did not drain in time")
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	b.activity.Record(ActivityStopped, "bot stopped", nil)
	b.logger.Info("bot stopped")
	b.notifyStatus()
}

func (b *Bot) fail(reason string) {
	b.mu.Lock()
	b.state = StateFailed
	b.failReason = reason
	b.mu.Unlock()
	b.activity.Record(ActivityError, reason, nil)
	b.logger.Error("bot failed", "reason", reason)
	b.notifyStatus()
}

// Deliver feeds one quote into the bot. Non-blocking: when the buffer is
// full the oldest quote is dropped in favor of the new one.
func (b *Bot) Deliver(q models.Quote) {
	select {
	case b.quotes <- q:
	default:
		select {
		case <-b.quotes:
		default:
		}
		select {
		case b.quotes <- q:
		default:
		}
	}
}

// run is the bot's single goroutine: quotes in, bars built, signals
// through the pipeline.
func (b *Bot) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	agg := market.NewBarAggregator(b.cfg.BarInterval)
	cutoff := time.NewTicker(b.cutoffEvery)
	defer cutoff.Stop()
	flattened := false

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-b.quotes:
			for _, s := range b.strats {
				if sig := s.OnQuote(q); sig != nil {
					b.handleSignal(ctx, sig)
				}
			}
			if completed := agg.ApplyQuote(q); completed != nil {
				for _, s := range b.strats {
					if sig := s.OnBar(*completed); sig != nil {
						b.handleSignal(ctx, sig)
					}
				}
			}
		case <-cutoff.C:
			if b.hours == nil {
				continue
			}
			if b.hours.IsOpen(b.nowFn()) {
				flattened = false
				continue
			}
			if !flattened {
				b.flatten(ctx, "session cutoff")
				flattened = true
			}
		}
	}
}

// handleSignal walks one signal through gates → risk → order placement.
func (b *Bot) handleSignal(ctx context.Context, sig *models.Signal) {
	b.activity.Record(ActivitySignal, fmt.Sprintf("%s %s", sig.Side, sig.Symbol), map[string]any{
		"strategy":   sig.Strategy,
		"confidence": sig.Confidence,
		"reason":     sig.Reason,
	})

	out, ok, reason := b.gates.Apply(*sig)
	if !ok {
		b.activity.Record(ActivityGateReject, reason, map[string]any{"gate_chain": b.gates.Name()})
		b.logger.Info("signal gated", "reason", reason)
		return
	}

	size := out.Size
	if sized := b.risk.ContractsFor(b.cfg.StopTicks, b.contract.TickValue); sized < size {
		size = sized
	}
	if size < 1 {
		b.activity.Record(ActivityRiskReject, "position sizing chose zero contracts", nil)
		return
	}

	var open float64
	b.mu.Lock()
	if b.unrealized != nil {
		open = b.unrealized()
	}
	b.mu.Unlock()

	verdict := b.risk.CheckEntry(b.nowFn(), size, open)
	if !verdict.Allowed {
		b.activity.Record(ActivityRiskReject, verdict.Reason, nil)
		b.logger.Warn("entry rejected", "reason", verdict.Reason)
		if verdict.FlattenAll {
			b.flatten(ctx, verdict.Reason)
		}
		if verdict.StopBot {
			// Terminal: the risk manager has pulled the plug for the run.
			// The run loop exits via its own context; state goes FAILED so
			// the operator sees why.
			b.mu.Lock()
			cancel := b.cancel
			b.mu.Unlock()
			b.fail(verdict.Reason)
			cancel()
		}
		return
	}

	intent := models.OrderIntent{
		AccountID:  b.cfg.AccountID,
		Symbol:     out.Symbol,
		Side:       out.Side,
		Type:       models.OrderTypeMarket,
		Quantity:   size,
		StopLoss:   &models.Bracket{Ticks: b.cfg.StopTicks},
		TakeProfit: &models.Bracket{Ticks: b.cfg.TargetTicks},
	}
	res := b.orders.Place(ctx, intent)
	if !res.IsOK() {
		b.activity.Record(ActivityOrderError, res.Err.Message, map[string]any{"kind": string(res.Err.Kind)})
		b.logger.Error("order failed", "error", res.Err)
		return
	}
	b.activity.Record(ActivityOrder, fmt.Sprintf("%s %d %s", out.Side, size, out.Symbol), map[string]any{
		"order_id": res.Value,
		"strategy": out.Strategy,
	})
	b.logger.Info("order placed", "order_id", res.Value, "side", out.Side, "size", size)
}

func (b *Bot) flatten(ctx context.Context, reason string) {
	results, err := b.orders.Flatten(ctx, b.cfg.AccountID)
	if err != nil {
		b.activity.Record(ActivityError, "flatten failed: "+err.Message, nil)
		b.logger.Error("flatten failed", "error", err)
		return
	}
	b.activity.Record(ActivityFlatten, reason, map[string]any{"positions": len(results)})
}

// ————————————————————————————————————————————————————————————————————————
// Status
// ————————————————————————————————————————————————————————————————————————

// Health summarizes whether the bot's moving parts are wired.
type Health struct {
	Verified            bool              `json:"verified"`
	Components          map[string]string `json:"components"`
	RecentActivityCount int               `json:"recent_activity_count"`
}

// Status is the external view of one bot.
type Status struct {
	AccountID      int64              `json:"account_id"`
	Running        bool               `json:"running"`
	Enabled        bool               `json:"enabled"`
	State          State              `json:"state"`
	FailReason     string             `json:"fail_reason,omitempty"`
	AgentType      strategy.AgentType `json:"ai_agent_type"`
	ActiveStrategy string             `json:"active_strategy"`
	Symbol         string             `json:"symbol"`
	Health         Health             `json:"bot_health"`
	Risk           risk.Snapshot      `json:"risk"`
}

// Status reports the bot's current state, strategies and health.
func (b *Bot) Status() Status {
	b.mu.Lock()
	state, failReason := b.state, b.failReason
	b.mu.Unlock()

	components := map[string]string{
		"strategy": b.strategyNames(),
		"gates":    b.gates.Name(),
		"risk":     "ok",
		"orders":   "ok",
	}
	return Status{
		AccountID:      b.cfg.AccountID,
		Running:        state == StateRunning,
		Enabled:        b.cfg.Enabled,
		State:          state,
		FailReason:     failReason,
		AgentType:      b.cfg.AgentType,
		ActiveStrategy: b.strategyNames(),
		Symbol:         b.symbol,
		Health: Health{
			Verified:            state == StateRunning,
			Components:          components,
			RecentActivityCount: b.activity.Len(),
		},
		Risk: b.risk.Snapshot(),
	}
}

func (b *Bot) strategyNames() string {
	names := make([]string, len(b.strats))
	for i, s := range b.strats {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

// Activity returns up to n recent activity entries, newest first.
func (b *Bot) Activity(n int) []Activity {
	return b.activity.Recent(n)
}

// AccountID returns the account this bot trades.
func (b *Bot) AccountID() int64 { return b.cfg.AccountID }

// Symbol returns the traded symbol.
func (b *Bot) Symbol() string { return b.symbol }

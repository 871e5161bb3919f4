package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"topstepx-engine/internal/market"
)

// Tier is one Topstep combine size with its published limits.
type Tier struct {
	Name            string
	AccountSize     decimal.Decimal
	DailyLossLimit  decimal.Decimal // loss from the session start, positive dollars
	TrailingMaxDD   decimal.Decimal // trailing drawdown from peak equity
	ProfitTarget    decimal.Decimal // combine pass threshold
	MaxContracts    int             // scaling-plan cap
}

var tiers = map[string]Tier{
	"50k": {
		Name:           "50k",
		AccountSize:    decimal.NewFromInt(50000),
		DailyLossLimit: decimal.NewFromInt(1000),
		TrailingMaxDD:  decimal.NewFromInt(2000),
		ProfitTarget:   decimal.NewFromInt(3000),
		MaxContracts:   5,
	},
	"100k": {
		Name:           "100k",
		AccountSize:    decimal.NewFromInt(100000),
		DailyLossLimit: decimal.NewFromInt(2000),
		TrailingMaxDD:  decimal.NewFromInt(3000),
		ProfitTarget:   decimal.NewFromInt(6000),
		MaxContracts:   10,
	},
	"150k": {
		Name:           "150k",
		AccountSize:    decimal.NewFromInt(150000),
		DailyLossLimit: decimal.NewFromInt(3000),
		TrailingMaxDD:  decimal.NewFromInt(4500),
		ProfitTarget:   decimal.NewFromInt(9000),
		MaxContracts:   15,
	},
}

// TierFor looks up a tier by its config name ("50k", "100k", "150k").
func TierFor(name string) (Tier, bool) {
	t, ok := tiers[name]
	return t, ok
}

// riskPerTrade is the fraction of account size risked on one entry.
var riskPerTrade = decimal.RequireFromString("0.015")

// dllBufferFrac pads the daily loss check: entries stop this fraction of
// the limit before the hard breach, leaving room for slippage on the
// flatten.
var dllBufferFrac = decimal.RequireFromString("0.10")

// consistencyCap is the maximum share of cumulative profit one session may
// contribute once the profit target is reached.
var consistencyCap = decimal.RequireFromString("0.50")

// Verdict is the outcome of an entry check. FlattenAll and StopBot tell
// the bot what to do beyond rejecting the one signal.
type Verdict struct {
	Allowed    bool
	Reason     string
	FlattenAll bool
	StopBot    bool
}

func allow() Verdict { return Verdict{Allowed: true} }

func reject(reason string) Verdict { return Verdict{Reason: reason} }

// Manager enforces the tier rules for a single account. All time math is
// in America/Chicago via the hours gate; the trading session rolls at the
// 17:00 open.
type Manager struct {
	tier   Tier
	hours  *market.Hours
	logger *slog.Logger

	mu                sync.Mutex
	hwm               *HighWaterTracker
	equity            decimal.Decimal
	realizedToday     decimal.Decimal
	sessionPnL        map[string]decimal.Decimal // session date -> realized
	session           string
	consecutiveLosses int
	openRisk          decimal.Decimal

	dllBlocked bool   // cleared at session reset
	stopped    bool   // trailing MDD breach, permanent for the run
	blockNote  string // reason surfaced in status
}

// NewManager creates a per-account risk manager starting at the tier's
// account size unless a live balance is supplied.
func NewManager(tier Tier, startEquity float64, hours *market.Hours, logger *slog.Logger) *Manager {
	eq := decimal.NewFromFloat(startEquity)
	if eq.IsZero() {
		eq = tier.AccountSize
	}
	m := &Manager{
		tier:       tier,
		hours:      hours,
		logger:     logger.With("component", "risk", "tier", tier.Name),
		hwm:        NewHighWaterTracker(eq),
		equity:     eq,
		sessionPnL: make(map[string]decimal.Decimal),
	}
	m.session = hours.SessionDate(time.Now())
	return m
}

// CheckEntry gates one prospective entry of size contracts with the given
// unrealized P&L across the account's open positions. Rejections are hard:
// the caller must not submit.
func (m *Manager) CheckEntry(now time.Time, size int, unrealized float64) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollSessionLocked(now)

	if m.stopped {
		return Verdict{Reason: m.blockNote, StopBot: true}
	}
	if m.dllBlocked {
		return reject(m.blockNote)
	}

	if !m.hours.IsOpen(now) {
		return Verdict{
			Reason:     "session cutoff: market closed, no new entries",
			FlattenAll: true,
		}
	}

	if size < 1 {
		return reject("size must be at least 1 contract")
	}
	if size > m.tier.MaxContracts {
		return reject("size exceeds scaling plan cap")
	}

	unreal := decimal.NewFromFloat(unrealized)
	dayPnL := m.realizedToday.Add(unreal)
	threshold := m.tier.DailyLossLimit.Sub(m.tier.DailyLossLimit.Mul(dllBufferFrac)).Neg()
	if dayPnL.LessThanOrEqual(threshold) {
		m.dllBlocked = true
		m.blockNote = "daily loss limit reached, blocked until session reset"
		m.logger.Error("daily loss limit breached",
			"realized", m.realizedToday, "unrealized", unrealized)
		return Verdict{Reason: m.blockNote, FlattenAll: true}
	}

	markEquity := m.equity.Add(unreal)
	if m.hwm.Peak().Sub(markEquity).GreaterThanOrEqual(m.tier.TrailingMaxDD) {
		m.stopped = true
		m.blockNote = "trailing max drawdown breached, bot stopped"
		m.logger.Error("trailing max drawdown breached",
			"equity", markEquity, "peak", m.hwm.Peak())
		return Verdict{Reason: m.blockNote, FlattenAll: true, StopBot: true}
	}

	if m.consistencyViolatedLocked() {
		return reject("consistency rule: best session exceeds 50% of cumulative profit")
	}

	return allow()
}

// RecordTrade applies one realized P&L figure (closing fills only; opening
// fills carry none).
func (m *Manager) RecordTrade(pnl float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollSessionLocked(at)

	d := decimal.NewFromFloat(pnl)
	m.realizedToday = m.realizedToday.Add(d)
	key := m.hours.SessionDate(at)
	m.sessionPnL[key] = m.sessionPnL[key].Add(d)

	m.equity = m.equity.Add(d)
	m.hwm.Update(m.equity)

	if d.IsNegative() {
		m.consecutiveLosses++
	} else if d.IsPositive() {
		m.consecutiveLosses = 0
	}
}

// UpdateEquity syncs the manager to a broker-reported balance, keeping the
// high-water mark honest across restarts.
func (m *Manager) UpdateEquity(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = decimal.NewFromFloat(balance)
	m.hwm.Update(m.equity)
}

// SetOpenRisk records the dollar risk of currently working brackets, shown
// in status.
func (m *Manager) SetOpenRisk(dollars float64) {
	m.mu.Lock()
	m.openRisk = decimal.NewFromFloat(dollars)
	m.mu.Unlock()
}

// ContractsFor sizes an entry: 1.5% of account size at risk, divided by
// the per-contract dollar risk of the stop, floored, and capped by the
// scaling plan. Zero means the stop is too wide to take the trade.
func (m *Manager) ContractsFor(stopTicks int, tickValue float64) int {
	if stopTicks <= 0 || tickValue <= 0 {
		return 1
	}
	budget := m.tier.AccountSize.Mul(riskPerTrade)
	perContract := decimal.NewFromFloat(tickValue).Mul(decimal.NewFromInt(int64(stopTicks)))
	n := int(budget.Div(perContract).IntPart())
	if n > m.tier.MaxContracts {
		n = m.tier.MaxContracts
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Snapshot is the status view of the manager.
type Snapshot struct {
	Tier              string  `json:"tier"`
	Session           string  `json:"session"`
	Equity            float64 `json:"equity"`
	PeakEquity        float64 `json:"peak_equity"`
	RealizedToday     float64 `json:"realized_today"`
	Drawdown          float64 `json:"drawdown"`
	OpenRisk          float64 `json:"open_risk"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	Blocked           bool    `json:"blocked"`
	BlockReason       string  `json:"block_reason,omitempty"`
}

// Snapshot returns the current risk state for the status endpoint.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Tier:              m.tier.Name,
		Session:           m.session,
		Equity:            m.equity.InexactFloat64(),
		PeakEquity:        m.hwm.Peak().InexactFloat64(),
		RealizedToday:     m.realizedToday.InexactFloat64(),
		Drawdown:          m.hwm.Drawdown().InexactFloat64(),
		OpenRisk:          m.openRisk.InexactFloat64(),
		ConsecutiveLosses: m.consecutiveLosses,
		Blocked:           m.dllBlocked || m.stopped,
		BlockReason:       m.blockNote,
	}
}

// rollSessionLocked resets per-session state when now crosses the 17:00
// open into a new trading date. The DLL block clears; a trailing-MDD stop
// does not.
func (m *Manager) rollSessionLocked(now time.Time) {
	key := m.hours.SessionDate(now)
	if key == m.session {
		return
	}
	m.logger.Info("session reset", "from", m.session, "to", key)
	m.session = key
	m.realizedToday = decimal.Zero
	if m.dllBlocked && !m.stopped {
		m.dllBlocked = false
		m.blockNote = ""
	}
}

// consistencyViolatedLocked applies the post-pass consistency rule: once
// cumulative profit reaches the target, no single session may account for
// more than half of it.
func (m *Manager) consistencyViolatedLocked() bool {
	var total, best decimal.Decimal
	for _, p := range m.sessionPnL {
		total = total.Add(p)
		if p.GreaterThan(best) {
			best = p
		}
	}
	if total.LessThan(m.tier.ProfitTarget) {
		return false
	}
	return best.GreaterThan(total.Mul(consistencyCap))
}

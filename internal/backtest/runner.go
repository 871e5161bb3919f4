// Package backtest replays history bars through the live strategy
// interface. Every run gets its own risk manager; backtests never touch
// live risk state.
package backtest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/market"
	"topstepx-engine/internal/risk"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/models"
)

const (
	defaultBars = 500
	maxBars     = 5000
)

// Request describes one backtest job.
type Request struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Bars      int             `json:"bars"`
	Strategy  strategy.Config `json:"strategy"`
	Tier      string          `json:"tier"`
}

// Report is the synchronous result of a run.
type Report struct {
	JobID      string    `json:"job_id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	BarsUsed   int       `json:"bars_used"`
	Trades     int       `json:"trades"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	WinRate    float64   `json:"win_rate"`
	NetReturn  float64   `json:"net_return"` // dollars, 1 contract per entry
	FinishedAt time.Time `json:"finished_at"`
}

// HistorySource fetches candles.
type HistorySource interface {
	RetrieveBars(ctx context.Context, req broker.BarRequest) broker.Result[[]models.Bar]
}

// ContractResolver resolves the traded contract for its multiplier.
type ContractResolver interface {
	GetBySymbol(ctx context.Context, symbol string) broker.Result[models.Contract]
}

// Runner executes backtests against broker history.
type Runner struct {
	history   HistorySource
	contracts ContractResolver
	hours     *market.Hours
	logger    *slog.Logger
}

// NewRunner creates a backtest runner.
func NewRunner(history HistorySource, contracts ContractResolver, hours *market.Hours, logger *slog.Logger) *Runner {
	return &Runner{
		history:   history,
		contracts: contracts,
		hours:     hours,
		logger:    logger.With("component", "backtest"),
	}
}

// Run replays history through the strategy and returns the report. The
// fill model is deliberately simple: entries and exits at bar close, one
// contract, opposite signals flip the position.
func (r *Runner) Run(ctx context.Context, req Request) broker.Result[Report] {
	if req.Bars <= 0 {
		req.Bars = defaultBars
	}
	if req.Bars > maxBars {
		req.Bars = maxBars
	}
	if req.Strategy.Symbol == "" {
		req.Strategy.Symbol = req.Symbol
	}

	unit, unitNumber, interval, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return broker.Failf[Report](broker.KindBadRequest, "%s", err.Error())
	}
	strat, err := strategy.Build(req.Strategy)
	if err != nil {
		return broker.Failf[Report](broker.KindBadRequest, "%s", err.Error())
	}

	contract := r.contracts.GetBySymbol(ctx, req.Symbol)
	if !contract.IsOK() {
		return broker.Fail[Report](contract.Err)
	}
	pointValue, haveMultiplier := contract.Value.ResolvedPointValue()

	end := time.Now().UTC()
	bars := r.history.RetrieveBars(ctx, broker.BarRequest{
		ContractID: contract.Value.ID,
		StartTime:  end.Add(-time.Duration(req.Bars) * interval),
		EndTime:    end,
		Unit:       unit,
		UnitNumber: unitNumber,
		Limit:      req.Bars,
	})
	if !bars.IsOK() {
		return broker.Fail[Report](bars.Err)
	}

	tier, ok := risk.TierFor(req.Tier)
	if !ok {
		tier, _ = risk.TierFor("50k")
	}
	rm := risk.NewManager(tier, 0, r.hours, r.logger)

	report := Report{
		JobID:    uuid.NewString(),
		Symbol:   req.Symbol,
		Strategy: strat.Name(),
		BarsUsed: len(bars.Value),
	}

	var posSide models.Side
	var entryPrice float64
	inPosition := false

	closeAt := func(price float64, at time.Time) {
		pnl := price - entryPrice
		if posSide == models.SELL {
			pnl = -pnl
		}
		if haveMultiplier {
			pnl *= pointValue
		}
		report.Trades++
		if pnl > 0 {
			report.Wins++
		} else {
			report.Losses++
		}
		report.NetReturn += pnl
		rm.RecordTrade(pnl, at)
		inPosition = false
	}

	for _, bar := range bars.Value {
		sig := strat.OnBar(bar)
		if sig == nil {
			continue
		}
		if inPosition && sig.Side != posSide {
			closeAt(bar.Close, bar.Start)
		}
		if !inPosition {
			if v := rm.CheckEntry(bar.Start, 1, 0); !v.Allowed {
				continue
			}
			posSide = sig.Side
			entryPrice = bar.Close
			inPosition = true
		}
	}
	if inPosition && len(bars.Value) > 0 {
		last := bars.Value[len(bars.Value)-1]
		closeAt(last.Close, last.Start)
	}

	if report.Trades > 0 {
		report.WinRate = float64(report.Wins) / float64(report.Trades)
	}
	report.FinishedAt = time.Now().UTC()

	r.logger.Info("backtest finished",
		"job", report.JobID, "symbol", report.Symbol,
		"trades", report.Trades, "net", report.NetReturn)
	return broker.OK(report)
}

// valuation.go enriches raw broker positions with live P&L.
//
// The invariant that matters: when no point-value multiplier can be
// resolved for a contract, the derived fields stay nil. A UI that renders
// null shows "—"; a UI that renders 0 shows a lie.
package market

import (
	"context"
	"log/slog"
	"math"

	"topstepx-engine/pkg/models"
)

// Valuate fills the derived fields of pos from a quote and its contract
// metadata. reported is the broker's own unrealized P&L when the event
// carried one; it wins over the local computation when finite.
func Valuate(pos models.Position, quote *models.Quote, contract models.Contract, reported *float64) models.Position {
	current := currentPrice(quote)
	if current != nil {
		pos.CurrentPrice = current
	}

	pv, ok := contract.ResolvedPointValue()
	if !ok {
		// No multiplier: P&L is unknown, never zero. A broker-reported
		// figure is still trustworthy.
		if reported != nil && isFinite(*reported) {
			pos.UnrealizedPnL = models.Float64Ptr(*reported)
		}
		return pos
	}

	qty := float64(pos.Quantity)
	pos.EntryValue = models.Float64Ptr(pos.EntryPrice * qty * pv)
	if current != nil {
		pos.CurrentValue = models.Float64Ptr(*current * qty * pv)
	}

	switch {
	case reported != nil && isFinite(*reported):
		pos.UnrealizedPnL = models.Float64Ptr(*reported)
	case current != nil:
		pnl := (*current - pos.EntryPrice) * pos.Side.Direction() * pv * qty
		pos.UnrealizedPnL = models.Float64Ptr(pnl)
	}

	if pos.UnrealizedPnL != nil && *pos.EntryValue != 0 {
		pos.PnLPercent = models.Float64Ptr(*pos.UnrealizedPnL / *pos.EntryValue * 100)
	}
	return pos
}

// currentPrice extracts a usable mark from a quote: last trade price first,
// then the bid/ask midpoint.
func currentPrice(q *models.Quote) *float64 {
	if q == nil {
		return nil
	}
	if q.LastPrice > 0 {
		return models.Float64Ptr(q.LastPrice)
	}
	if q.Bid > 0 && q.Ask > 0 {
		return models.Float64Ptr((q.Bid + q.Ask) / 2)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Valuator binds valuation to the registry so callers hand in only the
// position and the latest quote for its symbol.
type Valuator struct {
	reg    *Registry
	logger *slog.Logger
}

// NewValuator creates a registry-backed valuator.
func NewValuator(reg *Registry, logger *slog.Logger) *Valuator {
	return &Valuator{reg: reg, logger: logger.With("component", "valuator")}
}

// Enrich values one position. Contract resolution failures degrade to the
// no-multiplier behavior instead of failing the caller.
func (v *Valuator) Enrich(ctx context.Context, pos models.Position, quote *models.Quote) models.Position {
	res := v.reg.GetByID(ctx, pos.ContractID)
	if !res.IsOK() {
		v.logger.Warn("contract unresolved for valuation",
			"contract", pos.ContractID, "error", res.Err)
		return Valuate(pos, quote, models.Contract{}, nil)
	}
	return Valuate(pos, quote, res.Value, nil)
}

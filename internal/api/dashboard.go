package api

import (
	"context"
	"net/http"
	"time"

	"topstepx-engine/pkg/models"
)

// dashboardState is the single-poll payload the dashboard renders from.
// Sections degrade independently: a broker failure in one section fills its
// error string and leaves the rest intact.
type dashboardState struct {
	Accounts []models.Account  `json:"accounts"`
	ProjectX projectXState     `json:"projectx"`
	Metrics  dashboardMetrics  `json:"metrics"`
	Errors   map[string]string `json:"errors,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

type projectXState struct {
	Accounts  []models.Account           `json:"accounts"`
	Positions map[int64][]models.Position `json:"positions"`
	Orders    orderSections              `json:"orders"`
	Trades    map[int64][]models.Trade   `json:"trades"`
}

type orderSections struct {
	Open   map[int64][]models.Order `json:"open"`
	Recent map[int64][]models.Order `json:"recent"`
}

// dashboardMetrics is the headline strip at the top of the dashboard.
type dashboardMetrics struct {
	DailyPnL        float64 `json:"daily_pnl"`
	WinRate         float64 `json:"win_rate"`
	Drawdown        float64 `json:"drawdown"`
	TradesToday     int     `json:"trades_today"`
	OpenPositions   int     `json:"open_positions"`
	PendingOrders   int     `json:"pending_orders"`
	RunningAccounts int     `json:"running_accounts"`
}

func (h *Handlers) handleDashboard(w http.ResponseWriter, r *http.Request) {
	state, ok := h.buildDashboard(r.Context())
	if !ok {
		writeJSON(w, http.StatusBadGateway, state)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// buildDashboard aggregates every section. The bool is false only when no
// section succeeded at all.
func (h *Handlers) buildDashboard(ctx context.Context) (dashboardState, bool) {
	state := dashboardState{
		ProjectX: projectXState{
			Positions: make(map[int64][]models.Position),
			Orders: orderSections{
				Open:   make(map[int64][]models.Order),
				Recent: make(map[int64][]models.Order),
			},
			Trades: make(map[int64][]models.Trade),
		},
		Errors:    make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
	anyOK := false

	accountsRes := h.accounts.Accounts(ctx, true)
	if accountsRes.IsOK() {
		anyOK = true
		state.Accounts = accountsRes.Value
		state.ProjectX.Accounts = accountsRes.Value
	} else {
		state.Errors["accounts"] = accountsRes.Err.Error()
		h.logger.Warn("dashboard: accounts section failed", "error", accountsRes.Err)
	}

	dayStart := time.Now().UTC().Add(-24 * time.Hour)
	for _, acct := range state.Accounts {
		if positions := h.trading.SearchOpenPositions(ctx, acct.ID); positions.IsOK() {
			anyOK = true
			enriched := make([]models.Position, len(positions.Value))
			for i, p := range positions.Value {
				var quote *models.Quote
				if q, ok := h.quotes.LastQuote(models.SymbolFromContractID(p.ContractID)); ok {
					quote = &q
				}
				if h.valuator != nil {
					enriched[i] = h.valuator.Enrich(ctx, p, quote)
				} else {
					enriched[i] = p
				}
			}
			state.ProjectX.Positions[acct.ID] = enriched
			state.Metrics.OpenPositions += len(enriched)
		} else {
			state.Errors["positions"] = positions.Err.Error()
		}

		if open := h.trading.SearchOpenOrders(ctx, acct.ID); open.IsOK() {
			anyOK = true
			state.ProjectX.Orders.Open[acct.ID] = open.Value
			state.Metrics.PendingOrders += len(open.Value)
		} else {
			state.Errors["orders"] = open.Err.Error()
		}

		if recent := h.trading.SearchOrders(ctx, acct.ID, dayStart, nil); recent.IsOK() {
			anyOK = true
			done := make([]models.Order, 0, len(recent.Value))
			for _, o := range recent.Value {
				if o.Status.Terminal() {
					done = append(done, o)
				}
			}
			state.ProjectX.Orders.Recent[acct.ID] = done
		} else {
			state.Errors["orders"] = recent.Err.Error()
		}

		if trades := h.trading.SearchTrades(ctx, acct.ID, dayStart); trades.IsOK() {
			anyOK = true
			state.ProjectX.Trades[acct.ID] = trades.Value
		} else {
			state.Errors["trades"] = trades.Err.Error()
		}
	}

	h.fillTradeMetrics(&state)
	h.fillBotMetrics(&state)

	if len(state.Errors) == 0 {
		state.Errors = nil
	}
	return state, anyOK
}

// fillTradeMetrics derives P&L and win rate from today's fills. Opening
// fills carry no P&L and are excluded from the win-rate denominator.
func (h *Handlers) fillTradeMetrics(state *dashboardState) {
	var wins, closed int
	for _, trades := range state.ProjectX.Trades {
		state.Metrics.TradesToday += len(trades)
		for _, t := range trades {
			if t.PnL == nil {
				continue
			}
			closed++
			state.Metrics.DailyPnL += *t.PnL
			if *t.PnL > 0 {
				wins++
			}
		}
	}
	if closed > 0 {
		state.Metrics.WinRate = float64(wins) / float64(closed)
	}
}

// fillBotMetrics pulls running counts and the worst drawdown from the bots.
func (h *Handlers) fillBotMetrics(state *dashboardState) {
	for _, b := range h.accounts.Bots() {
		st := b.Status()
		if st.Running {
			state.Metrics.RunningAccounts++
		}
		if st.Risk.Drawdown > state.Metrics.Drawdown {
			state.Metrics.Drawdown = st.Risk.Drawdown
		}
	}
}

// Package orders turns normalized order intents into broker submissions.
//
// The manager resolves symbols through the contract registry, enforces
// nonce idempotency on placement (a duplicate intent within the window
// returns the original result instead of double-submitting), and
// implements flatten: offsetting market orders per open position with a
// bounded wait for confirmation. It never retries a placement on its own;
// whether re-submitting is safe is the caller's call.
package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/broker"
	"topstepx-engine/pkg/models"
)

const (
	nonceWindow      = 2 * time.Second
	flattenTimeout   = 30 * time.Second
	flattenPollEvery = 500 * time.Millisecond
)

// BrokerAPI is the slice of the REST client the order manager uses.
type BrokerAPI interface {
	PlaceOrder(ctx context.Context, p broker.PlaceOrderParams) broker.Result[int64]
	CancelOrder(ctx context.Context, accountID, orderID int64) broker.Result[bool]
	ModifyOrder(ctx context.Context, accountID, orderID int64, p broker.ModifyOrderParams) broker.Result[bool]
	SearchOpenOrders(ctx context.Context, accountID int64) broker.Result[[]models.Order]
	SearchOpenPositions(ctx context.Context, accountID int64) broker.Result[[]models.Position]
}

// ContractResolver resolves chart symbols to contracts.
type ContractResolver interface {
	GetBySymbol(ctx context.Context, symbol string) broker.Result[models.Contract]
}

type nonceEntry struct {
	result broker.Result[int64]
	at     time.Time
}

// Manager submits, amends and unwinds orders for any account.
type Manager struct {
	api       BrokerAPI
	contracts ContractResolver
	logger    *slog.Logger

	mu     sync.Mutex
	recent map[string]nonceEntry

	// test seams
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// NewManager creates an order manager.
func NewManager(api BrokerAPI, contracts ContractResolver, logger *slog.Logger) *Manager {
	return &Manager{
		api:            api,
		contracts:      contracts,
		logger:         logger.With("component", "orders"),
		recent:         make(map[string]nonceEntry),
		confirmTimeout: flattenTimeout,
		pollInterval:   flattenPollEvery,
	}
}

// Place submits one order intent. An intent without a nonce gets one;
// a duplicate nonce inside the idempotency window short-circuits to the
// original result.
func (m *Manager) Place(ctx context.Context, intent models.OrderIntent) broker.Result[int64] {
	if intent.Quantity < 1 {
		return broker.Failf[int64](broker.KindBadRequest, "quantity must be >= 1, got %d", intent.Quantity)
	}
	if intent.Side != models.BUY && intent.Side != models.SELL {
		return broker.Failf[int64](broker.KindBadRequest, "side must be BUY or SELL, got %q", intent.Side)
	}

	nonce := intent.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	m.mu.Lock()
	if prev, ok := m.recent[nonce]; ok && time.Since(prev.at) < nonceWindow {
		m.mu.Unlock()
		m.logger.Warn("duplicate order suppressed", "nonce", nonce)
		return prev.result
	}
	m.mu.Unlock()

	contract := m.contracts.GetBySymbol(ctx, intent.Symbol)
	if !contract.IsOK() {
		return broker.Fail[int64](contract.Err)
	}

	params := broker.PlaceOrderParams{
		AccountID:  intent.AccountID,
		ContractID: contract.Value.ID,
		Side:       intent.Side,
		Type:       intent.Type,
		Size:       intent.Quantity,
		LimitPrice: intent.LimitPrice,
		StopPrice:  intent.StopPrice,
		TrailPrice: intent.TrailPrice,
	}
	if intent.StopLoss != nil {
		params.StopLossTicks = intent.StopLoss.Ticks
	}
	if intent.TakeProfit != nil {
		params.TakeProfitTicks = intent.TakeProfit.Ticks
	}

	res := m.api.PlaceOrder(ctx, params)

	m.mu.Lock()
	m.recent[nonce] = nonceEntry{result: res, at: time.Now()}
	m.pruneLocked()
	m.mu.Unlock()
	return res
}

func (m *Manager) pruneLocked() {
	cutoff := time.Now().Add(-nonceWindow)
	for k, e := range m.recent {
		if e.at.Before(cutoff) {
			delete(m.recent, k)
		}
	}
}

// Cancel cancels one resting order.
func (m *Manager) Cancel(ctx context.Context, accountID, orderID int64) broker.Result[bool] {
	return m.api.CancelOrder(ctx, accountID, orderID)
}

// Modify adjusts a resting order's mutable fields.
func (m *Manager) Modify(ctx context.Context, accountID, orderID int64, p broker.ModifyOrderParams) broker.Result[bool] {
	return m.api.ModifyOrder(ctx, accountID, orderID, p)
}

// CancelAll cancels every working order on the account, returning the
// count cancelled and the first error encountered.
func (m *Manager) CancelAll(ctx context.Context, accountID int64) (int, *broker.Error) {
	open := m.api.SearchOpenOrders(ctx, accountID)
	if !open.IsOK() {
		return 0, open.Err
	}
	cancelled := 0
	var firstErr *broker.Error
	for _, o := range open.Value {
		if res := m.api.CancelOrder(ctx, accountID, o.OrderID); res.IsOK() {
			cancelled++
		} else if firstErr == nil {
			firstErr = res.Err
		}
	}
	return cancelled, firstErr
}

// FlattenResult is the per-contract outcome of a flatten.
type FlattenResult struct {
	ContractID string      `json:"contract_id"`
	Symbol     string      `json:"symbol"`
	Side       models.Side `json:"side"` // the offsetting order's side
	Size       int         `json:"size"`
	OrderID    *int64      `json:"order_id,omitempty"`
	Submitted  bool        `json:"submitted"`
	Confirmed  bool        `json:"confirmed"` // position gone before the wait expired
	Error      string      `json:"error,omitempty"`
}

// Flatten closes every open position on the account with offsetting
// market orders: a LONG 2 becomes SELL 2, a SHORT 1 becomes BUY 1. It then
// waits, bounded, for the positions to disappear and reports per-contract
// outcomes. Resting orders are cancelled first so brackets cannot re-open
// positions mid-flatten.
func (m *Manager) Flatten(ctx context.Context, accountID int64) ([]FlattenResult, *broker.Error) {
	if n, err := m.CancelAll(ctx, accountID); err != nil {
		m.logger.Warn("flatten: cancel sweep incomplete", "cancelled", n, "error", err)
	}

	open := m.api.SearchOpenPositions(ctx, accountID)
	if !open.IsOK() {
		return nil, open.Err
	}
	if len(open.Value) == 0 {
		return []FlattenResult{}, nil
	}

	results := make([]FlattenResult, 0, len(open.Value))
	for _, pos := range open.Value {
		side := models.SELL
		if pos.Side == models.SHORT {
			side = models.BUY
		}
		r := FlattenResult{
			ContractID: pos.ContractID,
			Symbol:     pos.Symbol,
			Side:       side,
			Size:       pos.Quantity,
		}
		res := m.api.PlaceOrder(ctx, broker.PlaceOrderParams{
			AccountID:  accountID,
			ContractID: pos.ContractID,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Size:       pos.Quantity,
		})
		if res.IsOK() {
			r.Submitted = true
			r.OrderID = &res.Value
		} else {
			r.Error = res.Err.Error()
		}
		results = append(results, r)
	}

	m.awaitFlat(ctx, accountID, results)

	m.logger.Info("flatten complete", "account", accountID, "positions", len(results))
	return results, nil
}

// awaitFlat polls open positions until every submitted close is confirmed
// or the bound expires.
func (m *Manager) awaitFlat(ctx context.Context, accountID int64, results []FlattenResult) {
	deadline := time.Now().Add(m.confirmTimeout)
	for time.Now().Before(deadline) {
		open := m.api.SearchOpenPositions(ctx, accountID)
		if !open.IsOK() {
			return
		}
		remaining := make(map[string]bool, len(open.Value))
		for _, p := range open.Value {
			remaining[p.ContractID] = true
		}
		allDone := true
		for i := range results {
			if !results[i].Submitted {
				continue
			}
			results[i].Confirmed = !remaining[results[i].ContractID]
			if !results[i].Confirmed {
				allDone = false
			}
		}
		if allDone {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

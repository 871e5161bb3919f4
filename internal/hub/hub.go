// Package hub fans broker stream events out to every consumer: bots,
// websocket clients and the REST read paths.
//
// The hub owns the read caches. Quotes are canonicalized to chart symbols
// (never dotted contract IDs) and kept as a last-price cache; user events
// update per-account position, order, account and trade caches in arrival
// order. Position reads are enriched with live valuation on the way out.
//
// Delivery rules differ by stream. Quote sinks must be non-blocking; a
// dropped quote is replaced by the next tick. User-event sinks are invoked
// synchronously on the hub goroutine so per-account ordering is preserved
// end to end.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/market"
	"topstepx-engine/pkg/models"
)

// heartbeatInterval is the keepalive pace when the config leaves it unset.
const heartbeatInterval = 30 * time.Second

// tradeCacheSize bounds the per-account recent-fills cache.
const tradeCacheSize = 200

// Event is one fan-out payload for websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	AccountID int64     `json:"account_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// Event types emitted to subscribers.
const (
	EventQuote     = "quote"
	EventAccount   = "account"
	EventPosition  = "position"
	EventOrder     = "order"
	EventTrade     = "trade"
	EventBotStatus = "bot_status"
	EventHeartbeat = "heartbeat"
)

// QuoteSink receives canonicalized quotes on the hub goroutine. It must
// not block.
type QuoteSink func(models.Quote)

// UserSink receives user events on the hub goroutine, in broker order. It
// must not block.
type UserSink func(broker.UserEvent)

// EventSink receives every fan-out event, including heartbeats.
type EventSink func(Event)

// Hub consumes the two broker streams and maintains the engine's read
// state.
type Hub struct {
	userCh   <-chan broker.UserEvent
	quoteCh  <-chan broker.QuoteEvent
	tradeCh  <-chan broker.MarketTradeEvent
	valuator *market.Valuator
	logger   *slog.Logger

	heartbeat time.Duration

	mu         sync.RWMutex
	lastQuotes map[string]models.Quote              // canonical symbol → latest quote
	accounts   map[int64]models.Account             // account ID → latest snapshot
	positions  map[int64]map[string]models.Position // account ID → contract ID → position
	orders     map[int64]map[int64]models.Order     // account ID → order ID → order
	trades     map[int64][]models.Trade             // account ID → recent fills, newest last

	sinkMu     sync.RWMutex
	quoteSinks []QuoteSink
	userSinks  []UserSink
	eventSinks []EventSink
}

// New creates a hub reading from the given stream channels. heartbeat paces
// keepalive events; zero or negative selects the default.
func New(userCh <-chan broker.UserEvent, quoteCh <-chan broker.QuoteEvent, tradeCh <-chan broker.MarketTradeEvent, valuator *market.Valuator, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = heartbeatInterval
	}
	return &Hub{
		userCh:     userCh,
		quoteCh:    quoteCh,
		tradeCh:    tradeCh,
		valuator:   valuator,
		logger:     logger.With("component", "hub"),
		heartbeat:  heartbeat,
		lastQuotes: make(map[string]models.Quote),
		accounts:   make(map[int64]models.Account),
		positions:  make(map[int64]map[string]models.Position),
		orders:     make(map[int64]map[int64]models.Order),
		trades:     make(map[int64][]models.Trade),
	}
}

// OnQuote registers a non-blocking quote sink.
func (h *Hub) OnQuote(sink QuoteSink) {
	h.sinkMu.Lock()
	h.quoteSinks = append(h.quoteSinks, sink)
	h.sinkMu.Unlock()
}

// OnUserEvent registers a user-event sink. Sinks see every event in broker
// order.
func (h *Hub) OnUserEvent(sink UserSink) {
	h.sinkMu.Lock()
	h.userSinks = append(h.userSinks, sink)
	h.sinkMu.Unlock()
}

// OnEvent registers a fan-out event sink (quotes, user events and
// heartbeats).
func (h *Hub) OnEvent(sink EventSink) {
	h.sinkMu.Lock()
	h.eventSinks = append(h.eventSinks, sink)
	h.sinkMu.Unlock()
}

// Run consumes stream events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.quoteCh:
			h.handleQuote(evt)
		case evt := <-h.userCh:
			h.handleUserEvent(evt)
		case evt := <-h.tradeCh:
			h.handleMarketTrade(evt)
		case <-ticker.C:
			h.emit(Event{Type: EventHeartbeat, Time: time.Now().UTC()})
		}
	}
}

func (h *Hub) handleQuote(evt broker.QuoteEvent) {
	q := evt.Quote
	// Broadcasts always carry the chart symbol, never the dotted ID.
	q.Symbol = models.SymbolFromContractID(evt.ContractID)
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	h.lastQuotes[q.Symbol] = q
	h.mu.Unlock()

	h.sinkMu.RLock()
	for _, sink := range h.quoteSinks {
		sink(q)
	}
	h.sinkMu.RUnlock()
	h.emit(Event{Type: EventQuote, Payload: q, Time: q.Timestamp})
}

func (h *Hub) handleUserEvent(evt broker.UserEvent) {
	switch evt.Kind {
	case broker.UserEventAccount:
		h.mu.Lock()
		h.accounts[evt.Account.ID] = *evt.Account
		h.mu.Unlock()
		h.emit(Event{Type: EventAccount, AccountID: evt.Account.ID, Payload: *evt.Account, Time: time.Now().UTC()})

	case broker.UserEventPosition:
		p := *evt.Position
		h.mu.Lock()
		byContract, ok := h.positions[p.AccountID]
		if !ok {
			byContract = make(map[string]models.Position)
			h.positions[p.AccountID] = byContract
		}
		if p.Quantity == 0 {
			delete(byContract, p.ContractID)
		} else {
			byContract[p.ContractID] = p
		}
		h.mu.Unlock()
		h.emit(Event{Type: EventPosition, AccountID: p.AccountID, Payload: p, Time: time.Now().UTC()})

	case broker.UserEventOrder:
		o := *evt.Order
		h.mu.Lock()
		byID, ok := h.orders[o.AccountID]
		if !ok {
			byID = make(map[int64]models.Order)
			h.orders[o.AccountID] = byID
		}
		byID[o.OrderID] = o
		h.mu.Unlock()
		h.emit(Event{Type: EventOrder, AccountID: o.AccountID, Payload: o, Time: time.Now().UTC()})

	case broker.UserEventTrade:
		t := *evt.Trade
		h.mu.Lock()
		ts := append(h.trades[t.AccountID], t)
		if len(ts) > tradeCacheSize {
			ts = ts[len(ts)-tradeCacheSize:]
		}
		h.trades[t.AccountID] = ts
		h.mu.Unlock()
		h.emit(Event{Type: EventTrade, AccountID: t.AccountID, Payload: t, Time: t.Timestamp})
	}

	h.sinkMu.RLock()
	for _, sink := range h.userSinks {
		sink(evt)
	}
	h.sinkMu.RUnlock()
}

func (h *Hub) handleMarketTrade(evt broker.MarketTradeEvent) {
	symbol := models.SymbolFromContractID(evt.ContractID)
	h.mu.Lock()
	if q, ok := h.lastQuotes[symbol]; ok && evt.Price > 0 {
		q.LastPrice = evt.Price
		q.Timestamp = evt.Timestamp
		h.lastQuotes[symbol] = q
	}
	h.mu.Unlock()
}

func (h *Hub) emit(evt Event) {
	h.sinkMu.RLock()
	for _, sink := range h.eventSinks {
		sink(evt)
	}
	h.sinkMu.RUnlock()
}

// ————————————————————————————————————————————————————————————————————————
// Read paths
// ————————————————————————————————————————————————————————————————————————

// LastQuote returns the latest quote for a canonical symbol.
func (h *Hub) LastQuote(symbol string) (models.Quote, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.lastQuotes[symbol]
	return q, ok
}

// Account returns the latest streamed account snapshot.
func (h *Hub) Account(accountID int64) (models.Account, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.accounts[accountID]
	return a, ok
}

// Positions returns the account's open positions enriched with live
// valuation against the last-price cache.
func (h *Hub) Positions(ctx context.Context, accountID int64) []models.Position {
	h.mu.RLock()
	raw := make([]models.Position, 0, len(h.positions[accountID]))
	for _, p := range h.positions[accountID] {
		raw = append(raw, p)
	}
	quotes := make([]*models.Quote, len(raw))
	for i, p := range raw {
		symbol := models.SymbolFromContractID(p.ContractID)
		if q, ok := h.lastQuotes[symbol]; ok {
			quote := q
			quotes[i] = &quote
		}
	}
	h.mu.RUnlock()

	out := make([]models.Position, len(raw))
	for i, p := range raw {
		if h.valuator != nil {
			out[i] = h.valuator.Enrich(ctx, p, quotes[i])
		} else {
			out[i] = p
		}
	}
	return out
}

// OpenOrders returns the account's non-terminal orders.
func (h *Hub) OpenOrders(accountID int64) []models.Order {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Order, 0)
	for _, o := range h.orders[accountID] {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// RecentTrades returns up to n recent fills, newest first.
func (h *Hub) RecentTrades(accountID int64, n int) []models.Trade {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ts := h.trades[accountID]
	if n > len(ts) {
		n = len(ts)
	}
	out := make([]models.Trade, 0, n)
	for i := len(ts) - 1; i >= len(ts)-n; i-- {
		out = append(out, ts[i])
	}
	return out
}

// UnrealizedPnL sums the open P&L of an account's enriched positions.
// Positions with unresolved multipliers contribute nothing.
func (h *Hub) UnrealizedPnL(ctx context.Context, accountID int64) float64 {
	var total float64
	for _, p := range h.Positions(ctx, accountID) {
		if p.UnrealizedPnL != nil {
			total += *p.UnrealizedPnL
		}
	}
	return total
}

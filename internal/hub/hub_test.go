package hub

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/market"
	"topstepx-engine/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type contractFake struct{ contracts []models.Contract }

func (f contractFake) AvailableContracts(context.Context, bool) broker.Result[[]models.Contract] {
	return broker.OK(f.contracts)
}

func (f contractFake) SearchContracts(context.Context, string, bool) broker.Result[[]models.Contract] {
	return broker.OK(f.contracts)
}

func (f contractFake) SearchContractByID(_ context.Context, id string) broker.Result[models.Contract] {
	for _, c := range f.contracts {
		if c.ID == id {
			return broker.OK(c)
		}
	}
	return broker.Failf[models.Contract](broker.KindNotFound, "no contract %q", id)
}

type testHub struct {
	h       *Hub
	userCh  chan broker.UserEvent
	quoteCh chan broker.QuoteEvent
	tradeCh chan broker.MarketTradeEvent
	cancel  context.CancelFunc
}

func newTestHub(t *testing.T, valuator *market.Valuator) *testHub {
	t.Helper()
	userCh := make(chan broker.UserEvent, 16)
	quoteCh := make(chan broker.QuoteEvent, 16)
	tradeCh := make(chan broker.MarketTradeEvent, 16)
	h := New(userCh, quoteCh, tradeCh, valuator, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return &testHub{h: h, userCh: userCh, quoteCh: quoteCh, tradeCh: tradeCh, cancel: cancel}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQuotesCanonicalized(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	var mu sync.Mutex
	var got []models.Quote
	th.h.OnQuote(func(q models.Quote) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	})

	th.quoteCh <- broker.QuoteEvent{
		ContractID: "F.US.MES.Z25",
		Quote:      models.Quote{LastPrice: 5001.25, Bid: 5001, Ask: 5001.5},
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "quote fan-out")

	mu.Lock()
	q := got[0]
	mu.Unlock()
	if q.Symbol != "MESZ25" {
		t.Errorf("broadcast symbol = %q, want the chart symbol", q.Symbol)
	}

	cached, ok := th.h.LastQuote("MESZ25")
	if !ok || cached.LastPrice != 5001.25 {
		t.Errorf("last quote cache = %+v, %v", cached, ok)
	}
	if _, ok := th.h.LastQuote("F.US.MES.Z25"); ok {
		t.Error("cache must not be keyed by dotted IDs")
	}
}

func TestUserEventsPreserveOrder(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	var mu sync.Mutex
	var kinds []models.OrderStatus
	th.h.OnUserEvent(func(evt broker.UserEvent) {
		if evt.Kind == broker.UserEventOrder {
			mu.Lock()
			kinds = append(kinds, evt.Order.Status)
			mu.Unlock()
		}
	})

	order := models.Order{OrderID: 41, AccountID: 7, Status: models.OrderWorking}
	th.userCh <- broker.UserEvent{Kind: broker.UserEventOrder, Order: &order}
	filled := order
	filled.Status = models.OrderFilled
	th.userCh <- broker.UserEvent{Kind: broker.UserEventOrder, Order: &filled}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2
	}, "order events")

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != models.OrderWorking || kinds[1] != models.OrderFilled {
		t.Errorf("order = %v, want WORKING then FILLED", kinds)
	}
	if open := th.h.OpenOrders(7); len(open) != 0 {
		t.Errorf("filled order still open: %+v", open)
	}
}

func TestPositionCacheAndRemoval(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	pos := models.Position{PositionID: 1, AccountID: 7, ContractID: "F.US.MES.Z25", Symbol: "MESZ25", Side: models.LONG, Quantity: 2, EntryPrice: 5000}
	th.userCh <- broker.UserEvent{Kind: broker.UserEventPosition, Position: &pos}
	waitFor(t, func() bool { return len(th.h.Positions(context.Background(), 7)) == 1 }, "position cached")

	closed := pos
	closed.Quantity = 0
	th.userCh <- broker.UserEvent{Kind: broker.UserEventPosition, Position: &closed}
	waitFor(t, func() bool { return len(th.h.Positions(context.Background(), 7)) == 0 }, "position removed")
}

func TestPositionsEnrichedWithValuation(t *testing.T) {
	t.Parallel()
	src := contractFake{contracts: []models.Contract{
		{ID: "F.US.MES.Z25", Symbol: "MESZ25", BaseSymbol: "MES", TickSize: 0.25, TickValue: 1.25, Live: true},
	}}
	reg := market.NewRegistry(src, time.Minute, nil, testLogger())
	th := newTestHub(t, market.NewValuator(reg, testLogger()))

	th.quoteCh <- broker.QuoteEvent{ContractID: "F.US.MES.Z25", Quote: models.Quote{LastPrice: 5010}}
	waitFor(t, func() bool {
		_, ok := th.h.LastQuote("MESZ25")
		return ok
	}, "quote cached")

	pos := models.Position{PositionID: 1, AccountID: 7, ContractID: "F.US.MES.Z25", Symbol: "MESZ25", Side: models.LONG, Quantity: 2, EntryPrice: 5000}
	th.userCh <- broker.UserEvent{Kind: broker.UserEventPosition, Position: &pos}
	waitFor(t, func() bool { return len(th.h.Positions(context.Background(), 7)) == 1 }, "position cached")

	got := th.h.Positions(context.Background(), 7)[0]
	if got.UnrealizedPnL == nil {
		t.Fatal("enriched position missing unrealized P&L")
	}
	// (5010 - 5000) * 5 $/pt * 2 contracts = 100.
	if *got.UnrealizedPnL != 100 {
		t.Errorf("unrealized = %v, want 100", *got.UnrealizedPnL)
	}
	if pnl := th.h.UnrealizedPnL(context.Background(), 7); pnl != 100 {
		t.Errorf("account unrealized = %v", pnl)
	}
}

func TestRecentTradesNewestFirst(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	for i := 1; i <= 3; i++ {
		tr := models.Trade{TradeID: int64(i), AccountID: 7, Symbol: "MESZ25", Timestamp: time.Now()}
		th.userCh <- broker.UserEvent{Kind: broker.UserEventTrade, Trade: &tr}
	}
	waitFor(t, func() bool { return len(th.h.RecentTrades(7, 10)) == 3 }, "trades cached")

	got := th.h.RecentTrades(7, 2)
	if len(got) != 2 || got[0].TradeID != 3 || got[1].TradeID != 2 {
		t.Errorf("recent trades = %+v, want newest first", got)
	}
}

func TestAccountSnapshotCached(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	acct := models.Account{ID: 7, Name: "PRAC-1", Balance: 50000}
	th.userCh <- broker.UserEvent{Kind: broker.UserEventAccount, Account: &acct}
	waitFor(t, func() bool {
		_, ok := th.h.Account(7)
		return ok
	}, "account cached")

	got, _ := th.h.Account(7)
	if got.Balance != 50000 {
		t.Errorf("balance = %v", got.Balance)
	}
}

func TestMarketTradeUpdatesLastPrice(t *testing.T) {
	t.Parallel()
	th := newTestHub(t, nil)

	th.quoteCh <- broker.QuoteEvent{ContractID: "F.US.MES.Z25", Quote: models.Quote{LastPrice: 5000, Bid: 4999.75, Ask: 5000.25}}
	waitFor(t, func() bool {
		_, ok := th.h.LastQuote("MESZ25")
		return ok
	}, "quote cached")

	th.tradeCh <- broker.MarketTradeEvent{ContractID: "F.US.MES.Z25", Price: 5002.5, Volume: 3, Timestamp: time.Now()}
	waitFor(t, func() bool {
		q, _ := th.h.LastQuote("MESZ25")
		return q.LastPrice == 5002.5
	}, "trade print applied")
}

func TestHeartbeatEmitted(t *testing.T) {
	t.Parallel()
	userCh := make(chan broker.UserEvent)
	quoteCh := make(chan broker.QuoteEvent)
	tradeCh := make(chan broker.MarketTradeEvent)
	h := New(userCh, quoteCh, tradeCh, nil, 10*time.Millisecond, testLogger())

	var mu sync.Mutex
	beats := 0
	h.OnEvent(func(evt Event) {
		if evt.Type == EventHeartbeat {
			mu.Lock()
			beats++
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return beats >= 2
	}, "heartbeats")
}

func TestHeartbeatDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	h := New(nil, nil, nil, nil, 0, testLogger())
	if h.heartbeat != heartbeatInterval {
		t.Errorf("heartbeat = %v, want %v", h.heartbeat, heartbeatInterval)
	}
	h = New(nil, nil, nil, nil, 5*time.Second, testLogger())
	if h.heartbeat != 5*time.Second {
		t.Errorf("heartbeat = %v, want 5s", h.heartbeat)
	}
}

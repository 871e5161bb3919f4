package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"topstepx-engine/pkg/models"
)

type staticTokens struct{}

func (staticTokens) EnsureValid(ctx context.Context) Result[string] { return OK("tok") }

func userOrderFrame(t *testing.T, w wireOrder) []byte {
	t.Helper()
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	return []byte(fmt.Sprintf(`{"type":1,"target":"GatewayUserOrder","arguments":[%s]}`, raw))
}

func TestDispatchUserEventsInOrder(t *testing.T) {
	t.Parallel()
	s := NewUserStream("", staticTokens{}, testLogger())

	first := userOrderFrame(t, wireOrder{ID: 1, AccountID: 7, ContractID: "F.US.MES.Z25", Status: 1, Side: 0, Size: 2})
	second := userOrderFrame(t, wireOrder{ID: 1, AccountID: 7, ContractID: "F.US.MES.Z25", Status: 2, Side: 0, Size: 2})
	if err := s.dispatchFrame(first); err != nil {
		t.Fatal(err)
	}
	if err := s.dispatchFrame(second); err != nil {
		t.Fatal(err)
	}

	e1 := <-s.UserEvents()
	e2 := <-s.UserEvents()
	if e1.Kind != UserEventOrder || e1.Order.Status != models.OrderWorking {
		t.Errorf("first event = %+v, want WORKING order", e1)
	}
	if e2.Order.Status != models.OrderFilled {
		t.Errorf("second event = %+v, want FILLED order", e2)
	}
	if e1.AccountID() != 7 {
		t.Errorf("AccountID() = %d, want 7", e1.AccountID())
	}
	if e1.Order.Symbol != "MESZ25" {
		t.Errorf("symbol = %s, want MESZ25", e1.Order.Symbol)
	}
}

func TestDispatchPositionAndTradeEvents(t *testing.T) {
	t.Parallel()
	s := NewUserStream("", staticTokens{}, testLogger())

	pos := []byte(`{"type":1,"target":"GatewayUserPosition","arguments":[{"id":9,"accountId":7,"contractId":"F.US.MNQ.Z25","type":2,"size":1,"averagePrice":18000.5}]}`)
	if err := s.dispatchFrame(pos); err != nil {
		t.Fatal(err)
	}
	e := <-s.UserEvents()
	if e.Kind != UserEventPosition || e.Position.Side != models.SHORT || e.Position.Symbol != "MNQZ25" {
		t.Errorf("position event = %+v", e.Position)
	}

	// Opening fill: profitAndLoss absent on the wire must stay nil.
	trade := []byte(`{"type":1,"target":"GatewayUserTrade","arguments":[{"id":3,"accountId":7,"contractId":"F.US.MNQ.Z25","price":18000.5,"side":1,"size":1}]}`)
	if err := s.dispatchFrame(trade); err != nil {
		t.Fatal(err)
	}
	e = <-s.UserEvents()
	if e.Kind != UserEventTrade || e.Trade.PnL != nil {
		t.Errorf("trade event = %+v, want nil PnL", e.Trade)
	}
}

func TestDispatchIgnoresPingAndUnknown(t *testing.T) {
	t.Parallel()
	s := NewUserStream("", staticTokens{}, testLogger())
	if err := s.dispatchFrame([]byte(`{"type":6}`)); err != nil {
		t.Errorf("ping should be ignored: %v", err)
	}
	if err := s.dispatchFrame([]byte(`{"type":1,"target":"GatewaySomethingNew","arguments":[]}`)); err != nil {
		t.Errorf("unknown target should be ignored: %v", err)
	}
	if err := s.dispatchFrame([]byte(`garbage`)); err != nil {
		t.Errorf("undecodable frame should be ignored: %v", err)
	}
	if err := s.dispatchFrame([]byte(`{"type":7,"error":"going away"}`)); err == nil {
		t.Error("server close must tear the connection down")
	}
}

func TestQuoteLatestWins(t *testing.T) {
	t.Parallel()
	s := &Stream{kind: hubMarket, quoteCh: make(chan QuoteEvent, 1)}

	for i := 1; i <= 3; i++ {
		s.emitQuote(QuoteEvent{ContractID: "F.US.MES.Z25", Quote: models.Quote{LastPrice: float64(5000 + i)}})
	}
	got := <-s.quoteCh
	if got.Quote.LastPrice != 5003 {
		t.Errorf("last price = %v, want 5003 (older quotes discarded)", got.Quote.LastPrice)
	}
	select {
	case extra := <-s.quoteCh:
		t.Errorf("unexpected extra quote: %+v", extra)
	default:
	}
}

func TestUserEventDeliveredToSlowConsumer(t *testing.T) {
	t.Parallel()
	s := &Stream{kind: hubUser, userCh: make(chan UserEvent, 1)}
	s.userCh <- UserEvent{Kind: UserEventAccount, Account: &models.Account{ID: 1}}

	// Consumer drains after a delay shorter than the stall timeout: the
	// event must be delivered, never dropped.
	go func() {
		time.Sleep(100 * time.Millisecond)
		<-s.userCh
	}()
	if err := s.emitUser(UserEvent{Kind: UserEventAccount, Account: &models.Account{ID: 2}}); err != nil {
		t.Errorf("emitUser should wait for the consumer: %v", err)
	}
	got := <-s.userCh
	if got.Account.ID != 2 {
		t.Errorf("delivered event = %+v, want account 2", got.Account)
	}
}

func TestUserEventStallDisconnects(t *testing.T) {
	t.Parallel()
	s := &Stream{kind: hubUser, userCh: make(chan UserEvent, 1)}
	s.userCh <- UserEvent{Kind: UserEventAccount, Account: &models.Account{ID: 1}}

	start := time.Now()
	err := s.emitUser(UserEvent{Kind: UserEventAccount, Account: &models.Account{ID: 2}})
	if err == nil {
		t.Fatal("expected stall error when the consumer never drains")
	}
	if elapsed := time.Since(start); elapsed < sendStallTimeout {
		t.Errorf("gave up after %v, want at least %v", elapsed, sendStallTimeout)
	}
}

// hubServer is a minimal SignalR hub: it accepts the handshake, records
// invocation targets per connection, and can push frames to the client.
type hubServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   int
	targets [][]string

	// closeFirstAfter closes the first connection once it has received
	// this many invocations, forcing a client reconnect.
	closeFirstAfter int

	// pushOnConnect frames are written to every connection right after
	// the handshake completes.
	pushOnConnect [][]byte
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	h := &hubServer{}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("access_token"); got != "tok" {
			t.Errorf("access_token = %q, want tok", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil { // handshake request
			return
		}
		conn.WriteMessage(websocket.TextMessage, append([]byte(`{}`), recordSeparator))

		h.mu.Lock()
		idx := h.conns
		h.conns++
		h.targets = append(h.targets, nil)
		h.mu.Unlock()

		for _, frame := range h.pushOnConnect {
			conn.WriteMessage(websocket.TextMessage, append(frame, recordSeparator))
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, frame := range splitFrames(msg) {
				var inv invocation
				if json.Unmarshal(frame, &inv) == nil && inv.Target != "" {
					h.mu.Lock()
					h.targets[idx] = append(h.targets[idx], inv.Target)
					n := len(h.targets[idx])
					h.mu.Unlock()
					if idx == 0 && h.closeFirstAfter > 0 && n >= h.closeFirstAfter {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hubServer) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *hubServer) connTargets(idx int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx >= len(h.targets) {
		return nil
	}
	return append([]string(nil), h.targets[idx]...)
}

func TestStreamReceivesQuotesOverWire(t *testing.T) {
	t.Parallel()
	h := newHubServer(t)
	h.pushOnConnect = [][]byte{
		[]byte(`{"type":1,"target":"GatewayQuote","arguments":["F.US.MES.Z25",{"bestBid":5000.25,"bestAsk":5000.5,"lastPrice":5000.25}]}`),
	}

	s := NewMarketStream(h.wsURL(), staticTokens{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case q := <-s.Quotes():
		if q.ContractID != "F.US.MES.Z25" {
			t.Errorf("contract = %s", q.ContractID)
		}
		if q.Quote.Symbol != "MESZ25" || q.Quote.Bid != 5000.25 || q.Quote.Ask != 5000.5 {
			t.Errorf("quote = %+v", q.Quote)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no quote received")
	}

	if s.State() != HubOpen {
		t.Errorf("state = %s, want OPEN", s.State())
	}
}

func TestStreamResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()
	h := newHubServer(t)
	h.closeFirstAfter = 2 // drop the first connection once the replay lands

	s := NewMarketStream(h.wsURL(), staticTokens{}, testLogger())
	if err := s.SubscribeContract("F.US.MES.Z25"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.connTargets(1)) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, idx := range []int{0, 1} {
		got := h.connTargets(idx)
		if len(got) < 2 || got[0] != "SubscribeContractQuotes" || got[1] != "SubscribeContractTrades" {
			t.Errorf("connection %d targets = %v, want quote+trade subscriptions replayed", idx, got)
		}
	}
}

func TestSubscriptionsTracked(t *testing.T) {
	t.Parallel()
	s := NewMarketStream("", staticTokens{}, testLogger())
	s.SubscribeContract("F.US.MES.Z25")
	s.SubscribeContract("F.US.MNQ.Z25")
	s.UnsubscribeContract("F.US.MES.Z25")

	subs := s.Subscriptions()
	if len(subs) != 1 || subs[0] != "F.US.MNQ.Z25" {
		t.Errorf("subscriptions = %v", subs)
	}
}

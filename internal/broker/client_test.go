package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"topstepx-engine/internal/config"
	"topstepx-engine/pkg/models"
)

// gatewayFake routes loginKey to a stock handler and everything else to fn,
// capturing the raw request body for wire-format assertions.
type gatewayFake struct {
	srv      *httptest.Server
	calls    int32
	lastBody atomic.Value // string
}

func newGatewayFake(t *testing.T, fn http.HandlerFunc) *gatewayFake {
	t.Helper()
	g := &gatewayFake{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/Auth/loginKey" {
			json.NewEncoder(w).Encode(authResponse{Success: true, Token: "tok"})
			return
		}
		atomic.AddInt32(&g.calls, 1)
		raw, _ := io.ReadAll(r.Body)
		g.lastBody.Store(string(raw))
		r.Body = io.NopCloser(strings.NewReader(string(raw)))
		fn(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gatewayFake) body() string {
	s, _ := g.lastBody.Load().(string)
	return s
}

func newTestClient(url string, paper bool) *Client {
	cfg := config.BrokerConfig{Username: "alice", APIKey: "key", BaseURL: url, Paper: paper}
	logger := testLogger()
	return NewClient(cfg, NewAuth(cfg, logger), logger)
}

func TestPlaceOrderWireFormat(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(placeOrderResponse{wireStatus: wireStatus{Success: true}, OrderID: 42})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.PlaceOrder(context.Background(), PlaceOrderParams{
		AccountID:  7,
		ContractID: "F.US.MES.Z25",
		Side:       models.BUY,
		Type:       models.OrderTypeMarket,
		Size:       1,
	})
	if !res.IsOK() {
		t.Fatalf("PlaceOrder: %v", res.Err)
	}
	if res.Value != 42 {
		t.Errorf("order id = %d, want 42", res.Value)
	}

	body := g.body()
	for _, want := range []string{`"side":0`, `"type":2`, `"size":1`, `"contractId":"F.US.MES.Z25"`} {
		if !strings.Contains(body, want) {
			t.Errorf("wire body missing %s: %s", want, body)
		}
	}
	// The gateway rejects any order carrying a customTag.
	if strings.Contains(body, "customTag") {
		t.Errorf("wire body must not contain customTag: %s", body)
	}
	// Unset optional prices are omitted, not sent as null.
	for _, absent := range []string{"limitPrice", "stopPrice", "trailPrice", "null"} {
		if strings.Contains(body, absent) {
			t.Errorf("wire body should omit %s: %s", absent, body)
		}
	}
}

func TestPlaceOrderBrackets(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(placeOrderResponse{wireStatus: wireStatus{Success: true}, OrderID: 1})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.PlaceOrder(context.Background(), PlaceOrderParams{
		AccountID:       7,
		ContractID:      "F.US.MNQ.Z25",
		Side:            models.SELL,
		Type:            models.OrderTypeMarket,
		Size:            2,
		StopLossTicks:   40,
		TakeProfitTicks: 80,
	})
	if !res.IsOK() {
		t.Fatal(res.Err)
	}

	var req placeOrderRequest
	if err := json.Unmarshal([]byte(g.body()), &req); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if req.Side != 1 {
		t.Errorf("side = %d, want 1 (SELL)", req.Side)
	}
	if req.StopLossBracket == nil || req.StopLossBracket.Ticks != 40 || req.StopLossBracket.Type != 4 {
		t.Errorf("stop-loss bracket = %+v, want ticks 40 type 4", req.StopLossBracket)
	}
	if req.TakeProfitBracket == nil || req.TakeProfitBracket.Ticks != 80 || req.TakeProfitBracket.Type != 1 {
		t.Errorf("take-profit bracket = %+v, want ticks 80 type 1", req.TakeProfitBracket)
	}
}

func TestPlaceOrderRejectsZeroSize(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected for invalid size")
	})
	c := newTestClient(g.srv.URL, false)

	res := c.PlaceOrder(context.Background(), PlaceOrderParams{AccountID: 7, ContractID: "F.US.MES.Z25", Size: 0})
	if res.IsOK() || res.Err.Kind != KindBadRequest {
		t.Errorf("expected BAD_REQUEST, got %v", res.Err)
	}
}

func TestPlaceOrderPaperMode(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("paper mode must not reach the gateway")
	})
	c := newTestClient(g.srv.URL, true)

	first := c.PlaceOrder(context.Background(), PlaceOrderParams{AccountID: 7, ContractID: "F.US.MES.Z25", Side: models.BUY, Type: models.OrderTypeMarket, Size: 1})
	second := c.PlaceOrder(context.Background(), PlaceOrderParams{AccountID: 7, ContractID: "F.US.MES.Z25", Side: models.BUY, Type: models.OrderTypeMarket, Size: 1})
	if !first.IsOK() || !second.IsOK() {
		t.Fatalf("paper orders failed: %v %v", first.Err, second.Err)
	}
	if first.Value == second.Value {
		t.Error("paper order IDs must be unique")
	}
}

func TestRetryOn429(t *testing.T) {
	t.Parallel()
	var n int32
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(accountSearchResponse{
			wireStatus: wireStatus{Success: true},
			Accounts:   []wireAccount{{ID: 1, Name: "PRAC-1", Balance: 50000, CanTrade: true}},
		})
	})
	c := newTestClient(g.srv.URL, false)

	start := time.Now()
	res := c.SearchAccounts(context.Background(), true)
	if !res.IsOK() {
		t.Fatalf("SearchAccounts after retry: %v", res.Err)
	}
	if len(res.Value) != 1 || res.Value[0].Name != "PRAC-1" {
		t.Errorf("accounts = %+v", res.Value)
	}
	if got := atomic.LoadInt32(&n); got != 2 {
		t.Errorf("gateway calls = %d, want 2", got)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After not honored: retried after %v", elapsed)
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchAccounts(context.Background(), true)
	if res.IsOK() {
		t.Fatal("expected failure after exhausting retries")
	}
	if res.Err.Kind != KindRateLimited {
		t.Errorf("kind = %s, want RATE_LIMITED", res.Err.Kind)
	}
	if got := atomic.LoadInt32(&g.calls); got != maxAttempts {
		t.Errorf("gateway calls = %d, want %d", got, maxAttempts)
	}
}

func TestServerErrorNotRetried(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchAccounts(context.Background(), true)
	if res.IsOK() || res.Err.Kind != KindBroker {
		t.Fatalf("expected BROKER_ERROR, got %v", res.Err)
	}
	if got := atomic.LoadInt32(&g.calls); got != 1 {
		t.Errorf("gateway calls = %d, want 1 (5xx is not retriable)", got)
	}
}

func TestSingle401RefreshCycle(t *testing.T) {
	t.Parallel()
	var logins, searches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			n := atomic.AddInt32(&logins, 1)
			json.NewEncoder(w).Encode(authResponse{Success: true, Token: "tok-" + string(rune('0'+n))})
		case "/api/Account/search":
			// Reject the first session token, accept the refreshed one.
			if atomic.AddInt32(&searches, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(accountSearchResponse{wireStatus: wireStatus{Success: true}})
		}
	}))
	defer srv.Close()
	c := newTestClient(srv.URL, false)

	res := c.SearchAccounts(context.Background(), true)
	if !res.IsOK() {
		t.Fatalf("expected success after refresh, got %v", res.Err)
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Errorf("logins = %d, want 2 (initial + one refresh)", n)
	}
}

func TestSecond401IsAuthFailed(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchAccounts(context.Background(), true)
	if res.IsOK() || res.Err.Kind != KindAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %v", res.Err)
	}
	if got := atomic.LoadInt32(&g.calls); got != 2 {
		t.Errorf("gateway calls = %d, want 2 (exactly one refresh cycle)", got)
	}
}

func TestEnvelopeFailureIsBrokerError(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireStatus{Success: false, ErrorCode: 8, ErrorMessage: "insufficient margin"})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.PlaceOrder(context.Background(), PlaceOrderParams{
		AccountID: 7, ContractID: "F.US.MES.Z25", Side: models.BUY, Type: models.OrderTypeMarket, Size: 1,
	})
	if res.IsOK() || res.Err.Kind != KindBroker {
		t.Fatalf("expected BROKER_ERROR, got %v", res.Err)
	}
	if !strings.Contains(res.Err.Message, "insufficient margin") {
		t.Errorf("message should carry the gateway detail: %q", res.Err.Message)
	}
}

func TestSearchContractByIDNotFound(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(contractByIDResponse{wireStatus: wireStatus{Success: true}})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchContractByID(context.Background(), "F.US.XXX.Z99")
	if res.IsOK() || res.Err.Kind != KindNotFound {
		t.Errorf("expected NOT_FOUND, got %v", res.Err)
	}
}

func TestSearchContractDerivesPointValue(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(contractListResponse{
			wireStatus: wireStatus{Success: true},
			Contracts: []wireContract{{
				ID: "F.US.MES.Z25", Description: "Micro E-mini S&P 500",
				TickSize: 0.25, TickValue: 1.25, ActiveContract: true,
			}},
		})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchContracts(context.Background(), "MES", true)
	if !res.IsOK() || len(res.Value) != 1 {
		t.Fatalf("SearchContracts: %v", res.Err)
	}
	got := res.Value[0]
	if got.Symbol != "MESZ25" {
		t.Errorf("symbol = %s, want MESZ25", got.Symbol)
	}
	if got.BaseSymbol != "MES" {
		t.Errorf("base = %s, want MES", got.BaseSymbol)
	}
	if got.PointValue != 5.0 {
		t.Errorf("point value = %v, want 5.0 (tickValue/tickSize)", got.PointValue)
	}
}

func TestSearchOrdersEnumMapping(t *testing.T) {
	t.Parallel()
	fill := 5001.25
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderListResponse{
			wireStatus: wireStatus{Success: true},
			Orders: []wireOrder{
				{ID: 1, ContractID: "F.US.MES.Z25", Status: 1, Type: 1, Side: 0, Size: 2},
				{ID: 2, ContractID: "F.US.MES.Z25", Status: 2, Type: 2, Side: 1, Size: 1, FilledPrice: &fill},
				{ID: 3, ContractID: "F.US.MES.Z25", Status: 4, Type: 4, Side: 0, Size: 1},
			},
		})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchOrders(context.Background(), 7, time.Now().Add(-time.Hour), nil)
	if !res.IsOK() || len(res.Value) != 3 {
		t.Fatalf("SearchOrders: %v", res.Err)
	}
	o := res.Value
	if o[0].Status != models.OrderWorking || o[0].Side != models.BUY || o[0].Type != models.OrderTypeLimit {
		t.Errorf("order 1 mapped wrong: %+v", o[0])
	}
	if o[1].Status != models.OrderFilled || o[1].Side != models.SELL || o[1].FilledPrice == nil || *o[1].FilledPrice != fill {
		t.Errorf("order 2 mapped wrong: %+v", o[1])
	}
	if o[2].Status != models.OrderCancelled || o[2].Type != models.OrderTypeStop {
		t.Errorf("order 3 mapped wrong: %+v", o[2])
	}
	if o[0].Symbol != "MESZ25" {
		t.Errorf("symbol = %s, want MESZ25", o[0].Symbol)
	}
}

func TestSearchTradesDropsVoided(t *testing.T) {
	t.Parallel()
	pnl := 12.5
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tradeListResponse{
			wireStatus: wireStatus{Success: true},
			Trades: []wireTrade{
				{ID: 1, ContractID: "F.US.MES.Z25", Side: 0, Size: 1},                             // opening fill, nil pnl
				{ID: 2, ContractID: "F.US.MES.Z25", Side: 1, Size: 1, ProfitAndLoss: &pnl},        // closing fill
				{ID: 3, ContractID: "F.US.MES.Z25", Side: 1, Size: 1, Voided: true},               // must be dropped
			},
		})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.SearchTrades(context.Background(), 7, time.Now().Add(-time.Hour))
	if !res.IsOK() {
		t.Fatal(res.Err)
	}
	if len(res.Value) != 2 {
		t.Fatalf("trades = %d, want 2 (voided dropped)", len(res.Value))
	}
	if res.Value[0].PnL != nil {
		t.Error("opening fill PnL must stay nil, not zero")
	}
	if res.Value[1].PnL == nil || *res.Value[1].PnL != pnl {
		t.Errorf("closing fill PnL = %v, want %v", res.Value[1].PnL, pnl)
	}
}

func TestRetrieveBars(t *testing.T) {
	t.Parallel()
	g := newGatewayFake(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/History/retrieveBars" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(retrieveBarsResponse{
			wireStatus: wireStatus{Success: true},
			Bars: []wireBar{
				{T: time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC), O: 5000, H: 5002, L: 4999, C: 5001, V: 120},
			},
		})
	})
	c := newTestClient(g.srv.URL, false)

	res := c.RetrieveBars(context.Background(), BarRequest{
		ContractID: "F.US.MES.Z25",
		StartTime:  time.Now().Add(-time.Hour),
		EndTime:    time.Now(),
		Unit:       UnitMinute,
		UnitNumber: 5,
		Limit:      100,
	})
	if !res.IsOK() || len(res.Value) != 1 {
		t.Fatalf("RetrieveBars: %v", res.Err)
	}
	b := res.Value[0]
	if b.Symbol != "MESZ25" || b.Close != 5001 || b.Volume != 120 {
		t.Errorf("bar = %+v", b)
	}

	var req retrieveBarsRequest
	if err := json.Unmarshal([]byte(g.body()), &req); err != nil {
		t.Fatal(err)
	}
	if req.Unit != 2 || req.UnitNumber != 5 {
		t.Errorf("unit/unitNumber = %d/%d, want 2/5", req.Unit, req.UnitNumber)
	}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/backtest"
	"topstepx-engine/internal/bot"
	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/market"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/models"
)

// ————————————————————————————————————————————————————————————————————————
// Service interfaces — consumer-side slices of the engine
// ————————————————————————————————————————————————————————————————————————

// AccountService is the slice of the account manager the API uses.
type AccountService interface {
	Accounts(ctx context.Context, onlyActive bool) broker.Result[[]models.Account]
	StatusFor(ctx context.Context, accountID int64) broker.Result[account.AccountStatus]
	Add(cfg bot.Config) error
	Remove(accountID int64) error
	Start(ctx context.Context, accountID int64) error
	Stop(accountID int64) error
	Bot(accountID int64) (*bot.Bot, bool)
	Bots() []*bot.Bot
	Config(accountID int64) (bot.Config, bool)
}

// OrderService places and unwinds orders.
type OrderService interface {
	Place(ctx context.Context, intent models.OrderIntent) broker.Result[int64]
	Flatten(ctx context.Context, accountID int64) ([]orders.FlattenResult, *broker.Error)
}

// MarketCatalog is the contract registry read surface.
type MarketCatalog interface {
	List(ctx context.Context, liveOnly bool) broker.Result[[]models.Contract]
	Search(ctx context.Context, query string) broker.Result[[]models.Contract]
	GetBySymbol(ctx context.Context, symbol string) broker.Result[models.Contract]
}

// HistorySource fetches candles from the broker.
type HistorySource interface {
	RetrieveBars(ctx context.Context, req broker.BarRequest) broker.Result[[]models.Bar]
}

// TradeReads is the broker read surface for positions, orders and fills.
type TradeReads interface {
	SearchOpenOrders(ctx context.Context, accountID int64) broker.Result[[]models.Order]
	SearchOrders(ctx context.Context, accountID int64, start time.Time, end *time.Time) broker.Result[[]models.Order]
	SearchOpenPositions(ctx context.Context, accountID int64) broker.Result[[]models.Position]
	SearchTrades(ctx context.Context, accountID int64, start time.Time) broker.Result[[]models.Trade]
}

// QuoteReads serves last-price lookups from the stream cache.
type QuoteReads interface {
	LastQuote(symbol string) (models.Quote, bool)
}

// Backtester runs synchronous history replays.
type Backtester interface {
	Run(ctx context.Context, req backtest.Request) broker.Result[backtest.Report]
}

// AuthStatus reports whether the broker session holds a valid token.
type AuthStatus interface {
	Authenticated() bool
}

// StreamStatus exposes a hub connection's lifecycle state.
type StreamStatus interface {
	State() broker.HubState
}

// Handlers carries every HTTP endpoint's dependencies.
type Handlers struct {
	accounts  AccountService
	orders    OrderService
	catalog   MarketCatalog
	history   HistorySource
	trading   TradeReads
	quotes    QuoteReads
	valuator  *market.Valuator
	hours     *market.Hours
	backtests Backtester
	auth      AuthStatus
	userHub   StreamStatus
	marketHub StreamStatus
	metrics   *metrics.Metrics
	saveDir   string
	logger    *slog.Logger
}

// NewHandlers wires the endpoint set.
func NewHandlers(
	accounts AccountService,
	orderSvc OrderService,
	catalog MarketCatalog,
	history HistorySource,
	trading TradeReads,
	quotes QuoteReads,
	valuator *market.Valuator,
	hours *market.Hours,
	backtests Backtester,
	auth AuthStatus,
	userHub, marketHub StreamStatus,
	m *metrics.Metrics,
	saveDir string,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		accounts:  accounts,
		orders:    orderSvc,
		catalog:   catalog,
		history:   history,
		trading:   trading,
		quotes:    quotes,
		valuator:  valuator,
		hours:     hours,
		backtests: backtests,
		auth:      auth,
		userHub:   userHub,
		marketHub: marketHub,
		metrics:   m,
		saveDir:   saveDir,
		logger:    logger.With("component", "api"),
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// ————————————————————————————————————————————————————————————————————————
// Health and CORS canary
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	authed := h.auth != nil && h.auth.Authenticated()
	userState, marketState := broker.HubIdle, broker.HubIdle
	if h.userHub != nil {
		userState = h.userHub.State()
	}
	if h.marketHub != nil {
		marketState = h.marketHub.State()
	}
	status := "ok"
	if !authed {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"authenticated": authed,
		"user_hub":      userState,
		"market_hub":    marketState,
		"timestamp":     time.Now().UTC(),
	})
}

// handleCORSOK exists so browsers can verify the CORS envelope before the
// dashboard starts polling real endpoints.
func (h *Handlers) handleCORSOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and bots
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleAccounts(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("only_active") != "false"
	res := h.accounts.Accounts(r.Context(), onlyActive)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": res.Value})
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	res := h.accounts.Accounts(r.Context(), false)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	for _, a := range res.Value {
		if a.ID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("account %d not found", id), "NOT_FOUND")
}

func (h *Handlers) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	res := h.accounts.StatusFor(r.Context(), id)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

func (h *Handlers) handleAccountStart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	if _, ok := h.accounts.Bot(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("account %d has no bot", id), "NOT_FOUND")
		return
	}
	if err := h.accounts.Start(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "account_id": id})
}

func (h *Handlers) handleAccountStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	if _, ok := h.accounts.Bot(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("account %d has no bot", id), "NOT_FOUND")
		return
	}
	if err := h.accounts.Stop(id); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "account_id": id})
}

func (h *Handlers) handleAccountActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	b, ok := h.accounts.Bot(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("account %d has no bot", id), "NOT_FOUND")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"activity":   b.Activity(limit),
	})
}

// addBotRequest is the POST /api/accounts/add body. Durations are Go
// duration strings so the JSON matches the bots file on disk. Enabled
// defaults to true when omitted.
type addBotRequest struct {
	AccountID    int64             `json:"account_id"`
	Name         string            `json:"name"`
	Tier         string            `json:"tier"`
	AgentType    string            `json:"ai_agent_type"`
	Stage        string            `json:"stage"`
	PaperTrading bool              `json:"paper_trading"`
	Enabled      *bool             `json:"enabled"`
	Strategies   []strategy.Config `json:"strategies"`
	StopTicks    int               `json:"stop_ticks"`
	TargetTicks  int               `json:"target_ticks"`
	BarInterval  string            `json:"bar_interval"`
}

func (h *Handlers) handleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var req addBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "account_id is required", "BAD_REQUEST")
		return
	}
	agent, err := strategy.ParseAgentType(req.AgentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	cfg := bot.Config{
		AccountID:    req.AccountID,
		Name:         req.Name,
		Tier:         req.Tier,
		AgentType:    agent,
		Stage:        req.Stage,
		PaperTrading: req.PaperTrading,
		Enabled:      req.Enabled == nil || *req.Enabled,
		Strategies:   req.Strategies,
		StopTicks:    req.StopTicks,
		TargetTicks:  req.TargetTicks,
	}
	if req.BarInterval != "" {
		d, err := time.ParseDuration(req.BarInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bar_interval: "+err.Error(), "BAD_REQUEST")
			return
		}
		cfg.BarInterval = d
	}
	if err := h.accounts.Add(cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "added", "account_id": req.AccountID})
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required", "BAD_REQUEST")
		return
	}
	timeframe := q.Get("timeframe")
	unit, unitNumber, interval, err := market.ParseTimeframe(timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	limit := 100
	if raw := q.Get("bars"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}

	contract := h.catalog.GetBySymbol(r.Context(), symbol)
	if !contract.IsOK() {
		writeBrokerError(w, contract.Err)
		return
	}
	end := time.Now().UTC()
	bars := h.history.RetrieveBars(r.Context(), broker.BarRequest{
		ContractID: contract.Value.ID,
		StartTime:  end.Add(-time.Duration(limit) * interval),
		EndTime:    end,
		Unit:       unit,
		UnitNumber: unitNumber,
		Limit:      limit,
	})
	if !bars.IsOK() {
		writeBrokerError(w, bars.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    contract.Value.Symbol,
		"timeframe": timeframe,
		"candles":   bars.Value,
	})
}

func (h *Handlers) handleContracts(w http.ResponseWriter, r *http.Request) {
	liveOnly := r.URL.Query().Get("live") == "true"
	res := h.catalog.List(r.Context(), liveOnly)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": res.Value})
}

func (h *Handlers) handleContractSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}
	res := h.catalog.Search(r.Context(), query)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": res.Value})
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	res := h.trading.SearchOpenPositions(r.Context(), id)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	out := make([]models.Position, len(res.Value))
	for i, p := range res.Value {
		var quote *models.Quote
		if q, ok := h.quotes.LastQuote(models.SymbolFromContractID(p.ContractID)); ok {
			quote = &q
		}
		if h.valuator != nil {
			out[i] = h.valuator.Enrich(r.Context(), p, quote)
		} else {
			out[i] = p
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "positions": out})
}

func (h *Handlers) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	res := h.trading.SearchOpenOrders(r.Context(), id)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "orders": res.Value})
}

func (h *Handlers) handlePreviousOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	start := time.Now().UTC().Add(-24 * time.Hour)
	res := h.trading.SearchOrders(r.Context(), id, start, nil)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	done := make([]models.Order, 0, len(res.Value))
	for _, o := range res.Value {
		if o.Status.Terminal() {
			done = append(done, o)
		}
	}
	// Newest first for the dashboard's history table.
	for i := 1; i < len(done); i++ {
		for j := i; j > 0 && done[j].UpdatedAt.After(done[j-1].UpdatedAt); j-- {
			done[j], done[j-1] = done[j-1], done[j]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "orders": done})
}

// placeOrderRequest is the manual-trading body from the dashboard.
// Stop-loss and take-profit are in ticks from entry.
type placeOrderRequest struct {
	AccountID   int64    `json:"account_id"`
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side"`
	OrderType   string   `json:"order_type"`
	Quantity    int      `json:"quantity"`
	TimeInForce string   `json:"time_in_force"`
	Price       *float64 `json:"price,omitempty"`
	StopLoss    *int     `json:"stop_loss,omitempty"`
	TakeProfit  *int     `json:"take_profit,omitempty"`
	Nonce       string   `json:"nonce,omitempty"`
}

// placeOrderResponse always reports the trading-hours advisory, success or
// failure. The advisory never blocks the order.
type placeOrderResponse struct {
	OrderID       *int64 `json:"order_id,omitempty"`
	MarketOpen    bool   `json:"market_open"`
	MarketWarning string `json:"market_warning,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}

	intent := models.OrderIntent{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      models.Side(req.Side),
		Quantity:  req.Quantity,
		TIF:       models.TimeInForce(req.TimeInForce),
		Nonce:     req.Nonce,
	}
	switch req.OrderType {
	case "", "MARKET":
		intent.Type = models.OrderTypeMarket
	case "LIMIT":
		intent.Type = models.OrderTypeLimit
		intent.LimitPrice = req.Price
	case "STOP":
		intent.Type = models.OrderTypeStop
		intent.StopPrice = req.Price
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported order_type %q", req.OrderType), "BAD_REQUEST")
		return
	}
	if req.StopLoss != nil {
		intent.StopLoss = &models.Bracket{Ticks: *req.StopLoss}
	}
	if req.TakeProfit != nil {
		intent.TakeProfit = &models.Bracket{Ticks: *req.TakeProfit}
	}

	open, warning := h.hours.Advisory()
	resp := placeOrderResponse{MarketOpen: open, MarketWarning: warning}

	res := h.orders.Place(r.Context(), intent)
	if !res.IsOK() {
		if h.metrics != nil {
			h.metrics.OrdersRejected.Inc()
		}
		resp.Error = res.Err.Error()
		writeJSON(w, res.Err.Kind.HTTPStatus(), resp)
		return
	}
	if h.metrics != nil {
		h.metrics.OrdersPlaced.Inc()
	}
	resp.OrderID = &res.Value
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleFlatten(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	results, ferr := h.orders.Flatten(r.Context(), id)
	if ferr != nil {
		writeBrokerError(w, ferr)
		return
	}
	confirmed := 0
	for _, res := range results {
		if res.Confirmed {
			confirmed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"positions":  len(results),
		"confirmed":  confirmed,
		"results":    results,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Strategies, backtests, config
// ————————————————————————————————————————————————————————————————————————

type activateStrategyRequest struct {
	Name   string             `json:"name"`
	Symbol string             `json:"symbol,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
}

// handleActivateStrategy replaces an account bot's strategy set with the
// one named in the request. The bot must be stopped; Add rejects replacing
// a running one.
func (h *Handlers) handleActivateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id", "BAD_REQUEST")
		return
	}
	var req activateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "BAD_REQUEST")
		return
	}
	cfg, ok := h.accounts.Config(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("account %d has no bot", id), "NOT_FOUND")
		return
	}
	next := strategy.Config{Name: req.Name, Symbol: req.Symbol, Params: req.Params}
	if next.Symbol == "" && len(cfg.Strategies) > 0 {
		next.Symbol = cfg.Strategies[0].Symbol
	}
	cfg.Strategies = []strategy.Config{next}
	if err := h.accounts.Add(cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "activated",
		"account_id": id,
		"strategy":   req.Name,
	})
}

func (h *Handlers) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required", "BAD_REQUEST")
		return
	}
	res := h.backtests.Run(r.Context(), req)
	if !res.IsOK() {
		writeBrokerError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

// handleConfigSave persists a dashboard layout snapshot. The payload is
// opaque to the engine; it is validated as JSON and written atomically.
func (h *Handlers) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if err := os.MkdirAll(h.saveDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "save failed: "+err.Error(), "INTERNAL")
		return
	}
	path := filepath.Join(h.saveDir, "dashboard.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "save failed: "+err.Error(), "INTERNAL")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		writeError(w, http.StatusInternalServerError, "save failed: "+err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

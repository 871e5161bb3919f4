// Package broker implements the TopstepX/ProjectX gateway clients.
//
// The REST client (Client) covers the gateway's POST-JSON endpoint set:
//
//   - Auth/loginKey, Auth/validate          — session token lifecycle (auth.go)
//   - Account/search                        — broker account listing
//   - Contract/available, search, searchById — contract metadata
//   - Order/place, cancel, modify, search, searchOpen
//   - Position/searchOpen, closeContract, partialCloseContract
//   - Trade/search
//   - History/retrieveBars
//
// Every call is rate-limited per endpoint class, retried on transient
// failures (max 3 attempts, 500ms exponential backoff with ±20% jitter,
// Retry-After honored), refreshed exactly once on a 401, and returns a
// Result instead of raising: the error taxonomy is closed and the HTTP
// surface maps it to statuses without ever losing the JSON envelope.
package broker

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"topstepx-engine/internal/config"
	"topstepx-engine/pkg/models"
)

const (
	maxAttempts    = 3
	retryBase      = 500 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

// Client is the gateway REST API client.
type Client struct {
	http    *resty.Client
	auth    *Auth
	rl      *RateLimiter
	paper   bool  // when true, mutating calls return synthetic success without HTTP
	nextID  int64 // synthetic order IDs for paper mode
	observe func(path, kind string)
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.BrokerConfig, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		paper:  cfg.Paper,
		nextID: time.Now().Unix(),
		logger: logger.With("component", "broker"),
	}
}

// Auth exposes the auth manager for health reporting.
func (c *Client) Auth() *Auth { return c.auth }

// SetRequestObserver installs an instrumentation hook called once per
// gateway call with the path and the outcome kind ("ok" or the error kind).
func (c *Client) SetRequestObserver(fn func(path, kind string)) {
	c.observe = fn
}

// post runs one gateway call and reports the outcome to the observer.
func (c *Client) post(ctx context.Context, class *rate.Limiter, path string, body, out any) *Error {
	err := c.doPost(ctx, class, path, body, out)
	if c.observe != nil {
		kind := "ok"
		if err != nil {
			kind = string(err.Kind)
		}
		c.observe(path, kind)
	}
	return err
}

// doPost runs one gateway call with the full retry/refresh policy. out must
// be a pointer to the response struct; a nil return means the body was
// decoded from a 200.
func (c *Client) doPost(ctx context.Context, class *rate.Limiter, path string, body, out any) *Error {
	refreshed := false
	var lastErr *Error
	var retryAfter time.Duration

	for attempt := 1; attempt <= maxAttempts; {
		if e := waitClass(ctx, class); e != nil {
			return e
		}

		tok := c.auth.EnsureValid(ctx)
		if !tok.IsOK() {
			return tok.Err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(tok.Value).
			SetBody(body).
			SetResult(out).
			Post(path)
		if err != nil {
			if ctx.Err() != nil {
				return errFromContext(ctx.Err())
			}
			lastErr = &Error{Kind: KindNetwork, Message: err.Error(), Retriable: true}
		} else if resp.StatusCode() == 200 {
			return nil
		} else if resp.StatusCode() == 401 && !refreshed {
			// One refresh+retry cycle; a second 401 surfaces as AUTH_FAILED.
			refreshed = true
			c.auth.Invalidate()
			continue
		} else {
			e := errFromStatus(resp.StatusCode(), truncate(resp.String(), 512))
			if !e.Retriable {
				return e
			}
			if e.Kind == KindRateLimited {
				retryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
			}
			lastErr = e
		}

		attempt++
		if attempt > maxAttempts {
			break
		}
		wait := backoff(attempt, retryAfter)
		retryAfter = 0
		c.logger.Warn("retrying gateway call",
			"path", path,
			"attempt", attempt,
			"wait", wait,
			"error", lastErr.Message,
		)
		select {
		case <-ctx.Done():
			return errFromContext(ctx.Err())
		case <-time.After(wait):
		}
	}
	return lastErr
}

// backoff computes the pre-attempt delay: exponential from retryBase with
// ±20% jitter, overridden by a server-provided Retry-After.
func backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := retryBase << (attempt - 2) // attempt 2 → 500ms, attempt 3 → 1s
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// checkStatus converts a decoded-but-unsuccessful gateway envelope into a
// BROKER_ERROR.
func checkStatus(ws wireStatus) *Error {
	if ws.Success {
		return nil
	}
	return Errf(KindBroker, "gateway error %d: %s", ws.ErrorCode, ws.ErrorMessage)
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// SearchAccounts lists broker accounts visible to the session.
func (c *Client) SearchAccounts(ctx context.Context, onlyActive bool) Result[[]models.Account] {
	var resp accountSearchResponse
	if e := c.post(ctx, c.rl.General, "/api/Account/search", accountSearchRequest{OnlyActiveAccounts: onlyActive}, &resp); e != nil {
		return Fail[[]models.Account](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Account](e)
	}
	out := make([]models.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, a.toModel())
	}
	return OK(out)
}

// ————————————————————————————————————————————————————————————————————————
// Contracts
// ————————————————————————————————————————————————————————————————————————

// AvailableContracts lists tradeable contracts, optionally live-data only.
func (c *Client) AvailableContracts(ctx context.Context, live bool) Result[[]models.Contract] {
	var resp contractListResponse
	if e := c.post(ctx, c.rl.General, "/api/Contract/available", contractAvailableRequest{Live: live}, &resp); e != nil {
		return Fail[[]models.Contract](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Contract](e)
	}
	return OK(contractsToModel(resp.Contracts))
}

// SearchContracts runs a free-text contract search.
func (c *Client) SearchContracts(ctx context.Context, query string, live bool) Result[[]models.Contract] {
	var resp contractListResponse
	if e := c.post(ctx, c.rl.General, "/api/Contract/search", contractSearchRequest{SearchText: query, Live: live}, &resp); e != nil {
		return Fail[[]models.Contract](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Contract](e)
	}
	return OK(contractsToModel(resp.Contracts))
}

// SearchContractByID fetches one contract by its dotted gateway ID.
func (c *Client) SearchContractByID(ctx context.Context, contractID string) Result[models.Contract] {
	var resp contractByIDResponse
	if e := c.post(ctx, c.rl.General, "/api/Contract/searchById", contractByIDRequest{ContractID: contractID}, &resp); e != nil {
		return Fail[models.Contract](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[models.Contract](e)
	}
	if resp.Contract.ID == "" {
		return Failf[models.Contract](KindNotFound, "contract %q not found", contractID)
	}
	return OK(resp.Contract.toModel())
}

func contractsToModel(in []wireContract) []models.Contract {
	out := make([]models.Contract, 0, len(in))
	for _, w := range in {
		out = append(out, w.toModel())
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderParams is the broker-facing order description after contract
// resolution. Brackets are in ticks from the entry fill.
type PlaceOrderParams struct {
	AccountID       int64
	ContractID      string
	Side            models.Side
	Type            models.OrderType
	Size            int
	LimitPrice      *float64
	StopPrice       *float64
	TrailPrice      *float64
	StopLossTicks   int // 0 = no stop-loss bracket
	TakeProfitTicks int // 0 = no take-profit bracket
}

// PlaceOrder submits one order and returns the broker order ID.
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) Result[int64] {
	if p.Size < 1 {
		return Failf[int64](KindBadRequest, "order size must be >= 1, got %d", p.Size)
	}
	if c.paper {
		id := atomic.AddInt64(&c.nextID, 1)
		c.logger.Info("PAPER: would place order",
			"contract", p.ContractID, "side", p.Side, "type", p.Type, "size", p.Size)
		return OK(id)
	}

	req := placeOrderRequest{
		AccountID:  p.AccountID,
		ContractID: p.ContractID,
		Type:       p.Type.Wire(),
		Side:       p.Side.Wire(),
		Size:       p.Size,
		LimitPrice: p.LimitPrice,
		StopPrice:  p.StopPrice,
		TrailPrice: p.TrailPrice,
	}
	if p.StopLossTicks > 0 {
		req.StopLossBracket = &wireBracket{Ticks: p.StopLossTicks, Type: models.OrderTypeStop.Wire()}
	}
	if p.TakeProfitTicks > 0 {
		req.TakeProfitBracket = &wireBracket{Ticks: p.TakeProfitTicks, Type: models.OrderTypeLimit.Wire()}
	}

	var resp placeOrderResponse
	if e := c.post(ctx, c.rl.General, "/api/Order/place", req, &resp); e != nil {
		return Fail[int64](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[int64](e)
	}
	c.logger.Info("order placed", "order_id", resp.OrderID, "contract", p.ContractID,
		"side", p.Side, "size", p.Size)
	return OK(resp.OrderID)
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) Result[bool] {
	if c.paper {
		c.logger.Info("PAPER: would cancel order", "order_id", orderID)
		return OK(true)
	}
	var resp wireStatus
	if e := c.post(ctx, c.rl.General, "/api/Order/cancel", cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &resp); e != nil {
		return Fail[bool](e)
	}
	if e := checkStatus(resp); e != nil {
		return Fail[bool](e)
	}
	return OK(true)
}

// ModifyOrderParams carries the mutable order fields; nil means unchanged.
type ModifyOrderParams struct {
	Size       *int
	LimitPrice *float64
	StopPrice  *float64
	TrailPrice *float64
}

// ModifyOrder adjusts a resting order in place.
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID int64, p ModifyOrderParams) Result[bool] {
	if c.paper {
		c.logger.Info("PAPER: would modify order", "order_id", orderID)
		return OK(true)
	}
	req := modifyOrderRequest{
		AccountID:  accountID,
		OrderID:    orderID,
		Size:       p.Size,
		LimitPrice: p.LimitPrice,
		StopPrice:  p.StopPrice,
		TrailPrice: p.TrailPrice,
	}
	var resp wireStatus
	if e := c.post(ctx, c.rl.General, "/api/Order/modify", req, &resp); e != nil {
		return Fail[bool](e)
	}
	if e := checkStatus(resp); e != nil {
		return Fail[bool](e)
	}
	return OK(true)
}

// SearchOrders lists orders for an account since start (terminal included).
func (c *Client) SearchOrders(ctx context.Context, accountID int64, start time.Time, end *time.Time) Result[[]models.Order] {
	var resp orderListResponse
	req := orderSearchRequest{AccountID: accountID, StartTimestamp: start, EndTimestamp: end}
	if e := c.post(ctx, c.rl.General, "/api/Order/search", req, &resp); e != nil {
		return Fail[[]models.Order](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Order](e)
	}
	return OK(ordersToModel(resp.Orders))
}

// SearchOpenOrders lists the account's working orders.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID int64) Result[[]models.Order] {
	var resp orderListResponse
	if e := c.post(ctx, c.rl.General, "/api/Order/searchOpen", orderSearchOpenRequest{AccountID: accountID}, &resp); e != nil {
		return Fail[[]models.Order](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Order](e)
	}
	return OK(ordersToModel(resp.Orders))
}

func ordersToModel(in []wireOrder) []models.Order {
	out := make([]models.Order, 0, len(in))
	for _, w := range in {
		out = append(out, w.toModel())
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// SearchOpenPositions lists the account's open positions (no valuation).
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) Result[[]models.Position] {
	var resp positionListResponse
	if e := c.post(ctx, c.rl.General, "/api/Position/searchOpen", positionSearchOpenRequest{AccountID: accountID}, &resp); e != nil {
		return Fail[[]models.Position](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Position](e)
	}
	out := make([]models.Position, 0, len(resp.Positions))
	for _, w := range resp.Positions {
		out = append(out, w.toModel())
	}
	return OK(out)
}

// ClosePosition closes the full position for a contract at market.
func (c *Client) ClosePosition(ctx context.Context, accountID int64, contractID string) Result[bool] {
	if c.paper {
		c.logger.Info("PAPER: would close position", "contract", contractID)
		return OK(true)
	}
	var resp wireStatus
	if e := c.post(ctx, c.rl.General, "/api/Position/closeContract", closeContractRequest{AccountID: accountID, ContractID: contractID}, &resp); e != nil {
		return Fail[bool](e)
	}
	if e := checkStatus(resp); e != nil {
		return Fail[bool](e)
	}
	return OK(true)
}

// PartialClosePosition closes size contracts of a position at market.
func (c *Client) PartialClosePosition(ctx context.Context, accountID int64, contractID string, size int) Result[bool] {
	if c.paper {
		c.logger.Info("PAPER: would partially close position", "contract", contractID, "size", size)
		return OK(true)
	}
	var resp wireStatus
	req := partialCloseContractRequest{AccountID: accountID, ContractID: contractID, Size: size}
	if e := c.post(ctx, c.rl.General, "/api/Position/partialCloseContract", req, &resp); e != nil {
		return Fail[bool](e)
	}
	if e := checkStatus(resp); e != nil {
		return Fail[bool](e)
	}
	return OK(true)
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// SearchTrades lists executed fills since start. Voided fills are dropped.
func (c *Client) SearchTrades(ctx context.Context, accountID int64, start time.Time) Result[[]models.Trade] {
	var resp tradeListResponse
	if e := c.post(ctx, c.rl.General, "/api/Trade/search", tradeSearchRequest{AccountID: accountID, StartTimestamp: start}, &resp); e != nil {
		return Fail[[]models.Trade](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Trade](e)
	}
	out := make([]models.Trade, 0, len(resp.Trades))
	for _, w := range resp.Trades {
		if w.Voided {
			continue
		}
		out = append(out, w.toModel())
	}
	return OK(out)
}

// ————————————————————————————————————————————————————————————————————————
// History
// ————————————————————————————————————————————————————————————————————————

// RetrieveBars fetches historical OHLCV bars. This is the only endpoint on
// the tighter history rate class.
func (c *Client) RetrieveBars(ctx context.Context, req BarRequest) Result[[]models.Bar] {
	wireReq := retrieveBarsRequest{
		ContractID:        req.ContractID,
		Live:              req.Live,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
		Unit:              int(req.Unit),
		UnitNumber:        req.UnitNumber,
		Limit:             req.Limit,
		IncludePartialBar: req.IncludePartialBar,
	}
	var resp retrieveBarsResponse
	if e := c.post(ctx, c.rl.History, "/api/History/retrieveBars", wireReq, &resp); e != nil {
		return Fail[[]models.Bar](e)
	}
	if e := checkStatus(resp.wireStatus); e != nil {
		return Fail[[]models.Bar](e)
	}
	symbol := models.SymbolFromContractID(req.ContractID)
	out := make([]models.Bar, 0, len(resp.Bars))
	for _, w := range resp.Bars {
		out = append(out, w.toModel(symbol))
	}
	return OK(out)
}

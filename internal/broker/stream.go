// stream.go maintains the gateway's two SignalR hubs over WebSocket.
//
// The user hub carries account/position/order/trade events for subscribed
// accounts; the market hub carries quotes/trades/depth for subscribed
// contracts. Each Stream runs a state machine
//
//	IDLE → CONNECTING → OPEN → RECONNECTING → … → CLOSED
//
// with exponential backoff (1s → 30s, jittered) and full re-subscription
// after every reconnect. Delivery policy differs by event class: quotes
// are latest-wins and may be dropped under saturation; user events are
// never dropped — if the consumer stalls longer than sendStallTimeout the
// stream disconnects and replays from a fresh connection instead.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"topstepx-engine/pkg/models"
)

// HubState is the connection state of one stream.
type HubState string

const (
	HubIdle         HubState = "IDLE"
	HubConnecting   HubState = "CONNECTING"
	HubOpen         HubState = "OPEN"
	HubReconnecting HubState = "RECONNECTING"
	HubClosed       HubState = "CLOSED"
)

const (
	streamPingInterval  = 15 * time.Second
	streamReadTimeout   = 45 * time.Second
	streamWriteTimeout  = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second
	sendStallTimeout    = 5 * time.Second
	quoteBufferSize     = 256
	userBufferSize      = 256
)

// UserEventKind tags entries on the user hub's single ordered event channel.
type UserEventKind string

const (
	UserEventAccount  UserEventKind = "account"
	UserEventPosition UserEventKind = "position"
	UserEventOrder    UserEventKind = "order"
	UserEventTrade    UserEventKind = "trade"
)

// UserEvent is one user-hub notification. Exactly one payload pointer is
// set, matching Kind. Events for one account arrive on this channel in
// broker-emitted order.
type UserEvent struct {
	Kind     UserEventKind
	Account  *models.Account
	Position *models.Position
	Order    *models.Order
	Trade    *models.Trade
}

// AccountID returns the account the event belongs to.
func (e UserEvent) AccountID() int64 {
	switch e.Kind {
	case UserEventAccount:
		return e.Account.ID
	case UserEventPosition:
		return e.Position.AccountID
	case UserEventOrder:
		return e.Order.AccountID
	case UserEventTrade:
		return e.Trade.AccountID
	}
	return 0
}

// QuoteEvent is one market-hub quote, keyed by the raw dotted contract ID.
// Symbol canonicalization happens downstream in the fan-out hub.
type QuoteEvent struct {
	ContractID string
	Quote      models.Quote
}

// MarketTradeEvent is an exchange trade print from the market hub.
type MarketTradeEvent struct {
	ContractID string
	TradeID    int64
	Price      float64
	Volume     float64
	Timestamp  time.Time
}

// wireQuote is the market hub's quote payload.
type wireQuote struct {
	BestBid   float64   `json:"bestBid"`
	BestAsk   float64   `json:"bestAsk"`
	LastPrice float64   `json:"lastPrice"`
	Timestamp time.Time `json:"timestamp"`
}

// wireMarketTrade is the market hub's trade payload.
type wireMarketTrade struct {
	ID        int64     `json:"id"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type hubKind string

const (
	hubUser   hubKind = "user"
	hubMarket hubKind = "market"
)

// TokenSource supplies a fresh session token for the hub URL. Implemented
// by *Auth.
type TokenSource interface {
	EnsureValid(ctx context.Context) Result[string]
}

// Stream is one long-lived hub connection with auto-reconnect and
// subscription replay.
type Stream struct {
	url    string
	kind   hubKind
	tokens TokenSource
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu sync.RWMutex
	state   HubState

	// subscribed accounts (user hub) or contract IDs (market hub),
	// replayed after every reconnect.
	subMu      sync.RWMutex
	subscribed map[string]bool

	userCh  chan UserEvent        // user hub only; never dropped
	quoteCh chan QuoteEvent       // market hub only; latest-wins
	tradeCh chan MarketTradeEvent // market hub only; latest-wins
}

// NewUserStream creates the user-hub stream (account/position/order/trade).
func NewUserStream(url string, tokens TokenSource, logger *slog.Logger) *Stream {
	return &Stream{
		url:        url,
		kind:       hubUser,
		tokens:     tokens,
		logger:     logger.With("component", "stream_user"),
		state:      HubIdle,
		subscribed: make(map[string]bool),
		userCh:     make(chan UserEvent, userBufferSize),
	}
}

// NewMarketStream creates the market-hub stream (quotes/trades/depth).
func NewMarketStream(url string, tokens TokenSource, logger *slog.Logger) *Stream {
	return &Stream{
		url:        url,
		kind:       hubMarket,
		tokens:     tokens,
		logger:     logger.With("component", "stream_market"),
		state:      HubIdle,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan QuoteEvent, quoteBufferSize),
		tradeCh:    make(chan MarketTradeEvent, quoteBufferSize),
	}
}

// UserEvents returns the ordered user-hub event channel.
func (s *Stream) UserEvents() <-chan UserEvent { return s.userCh }

// Quotes returns the market-hub quote channel.
func (s *Stream) Quotes() <-chan QuoteEvent { return s.quoteCh }

// MarketTrades returns the market-hub trade-print channel.
func (s *Stream) MarketTrades() <-chan MarketTradeEvent { return s.tradeCh }

// State returns the current connection state.
func (s *Stream) State() HubState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Stream) setState(st HubState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Run connects and maintains the hub connection until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	first := true

	for {
		if first {
			s.setState(HubConnecting)
			first = false
		} else {
			s.setState(HubReconnecting)
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.setState(HubClosed)
			return ctx.Err()
		}

		s.logger.Warn("hub disconnected, reconnecting",
			"hub", s.kind,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			s.setState(HubClosed)
			return ctx.Err()
		case <-time.After(jittered(backoff)):
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// jittered spreads reconnect attempts ±20% to avoid thundering herds when
// several engines share a gateway.
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// SubscribeAccount registers a user-hub subscription for one account's
// orders, positions and trades. Replayed on reconnect.
func (s *Stream) SubscribeAccount(accountID int64) error {
	key := fmt.Sprintf("%d", accountID)
	s.subMu.Lock()
	s.subscribed[key] = true
	s.subMu.Unlock()
	return s.sendAccountSubscription(accountID)
}

// UnsubscribeAccount removes a user-hub account subscription.
func (s *Stream) UnsubscribeAccount(accountID int64) error {
	key := fmt.Sprintf("%d", accountID)
	s.subMu.Lock()
	delete(s.subscribed, key)
	s.subMu.Unlock()
	for _, target := range []string{"UnsubscribeOrders", "UnsubscribePositions", "UnsubscribeTrades"} {
		if err := s.invoke(target, accountID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeContract registers a market-hub subscription for one contract's
// quotes and trades. Replayed on reconnect.
func (s *Stream) SubscribeContract(contractID string) error {
	s.subMu.Lock()
	s.subscribed[contractID] = true
	s.subMu.Unlock()
	if err := s.invoke("SubscribeContractQuotes", contractID); err != nil {
		return err
	}
	return s.invoke("SubscribeContractTrades", contractID)
}

// UnsubscribeContract removes a market-hub contract subscription.
func (s *Stream) UnsubscribeContract(contractID string) error {
	s.subMu.Lock()
	delete(s.subscribed, contractID)
	s.subMu.Unlock()
	if err := s.invoke("UnsubscribeContractQuotes", contractID); err != nil {
		return err
	}
	return s.invoke("UnsubscribeContractTrades", contractID)
}

// Subscriptions returns a snapshot of the tracked subscription keys.
func (s *Stream) Subscriptions() []string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		out = append(out, k)
	}
	return out
}

// Close tears down the current connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.setState(HubClosed)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	tok := s.tokens.EnsureValid(ctx)
	if !tok.IsOK() {
		return tok.Err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url+"?access_token="+tok.Value, nil)
	if err != nil {
		return fmt.Errorf("dial %s hub: %w", s.kind, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.handshake(conn); err != nil {
		return err
	}

	s.setState(HubOpen)
	s.logger.Info("hub connected", "hub", s.kind)

	if err := s.replaySubscriptions(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, frame := range splitFrames(msg) {
			if err := s.dispatchFrame(frame); err != nil {
				return err
			}
		}
	}
}

// handshake performs the SignalR JSON protocol negotiation.
func (s *Stream) handshake(conn *websocket.Conn) error {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(streamWriteTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	frames := splitFrames(msg)
	if len(frames) == 0 {
		return fmt.Errorf("handshake: empty response")
	}
	return decodeHandshake(frames[0])
}

// replaySubscriptions re-issues every tracked subscription after a
// reconnect.
func (s *Stream) replaySubscriptions() error {
	s.subMu.RLock()
	keys := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	s.subMu.RUnlock()

	for _, key := range keys {
		if s.kind == hubUser {
			var accountID int64
			if _, err := fmt.Sscanf(key, "%d", &accountID); err != nil {
				continue
			}
			if err := s.sendAccountSubscription(accountID); err != nil {
				return err
			}
		} else {
			if err := s.invoke("SubscribeContractQuotes", key); err != nil {
				return err
			}
			if err := s.invoke("SubscribeContractTrades", key); err != nil {
				return err
			}
		}
	}
	if s.kind == hubUser {
		return s.invoke("SubscribeAccounts")
	}
	return nil
}

func (s *Stream) sendAccountSubscription(accountID int64) error {
	for _, target := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if err := s.invoke(target, accountID); err != nil {
			return err
		}
	}
	return nil
}

// invoke sends one hub invocation. Writes before the connection is up are
// not errors: the subscription set is replayed on connect.
func (s *Stream) invoke(target string, args ...any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	if args == nil {
		args = []any{}
	}
	frame, err := encodeFrame(invocation{Type: msgInvocation, Target: target, Arguments: args})
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	frame, err := encodeFrame(map[string]int{"type": msgPing})
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				err = conn.WriteMessage(websocket.TextMessage, frame)
			}
			s.connMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// dispatchFrame routes one decoded hub frame. Returning an error tears the
// connection down (used when a user-event consumer stalls).
func (s *Stream) dispatchFrame(frame []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Debug("ignoring undecodable frame", "data", string(frame))
		return nil
	}

	switch msg.Type {
	case msgPing:
		return nil
	case msgClose:
		return fmt.Errorf("server close: %s", msg.Error)
	case msgInvocation:
		return s.dispatchInvocation(msg)
	default:
		return nil
	}
}

func (s *Stream) dispatchInvocation(msg hubMessage) error {
	switch msg.Target {
	case "GatewayUserAccount":
		var w wireAccount
		if err := decodeLastArg(msg.Arguments, &w); err != nil {
			s.logger.Error("decode account event", "error", err)
			return nil
		}
		a := w.toModel()
		return s.emitUser(UserEvent{Kind: UserEventAccount, Account: &a})

	case "GatewayUserPosition":
		var w wirePosition
		if err := decodeLastArg(msg.Arguments, &w); err != nil {
			s.logger.Error("decode position event", "error", err)
			return nil
		}
		p := w.toModel()
		return s.emitUser(UserEvent{Kind: UserEventPosition, Position: &p})

	case "GatewayUserOrder":
		var w wireOrder
		if err := decodeLastArg(msg.Arguments, &w); err != nil {
			s.logger.Error("decode order event", "error", err)
			return nil
		}
		o := w.toModel()
		return s.emitUser(UserEvent{Kind: UserEventOrder, Order: &o})

	case "GatewayUserTrade":
		var w wireTrade
		if err := decodeLastArg(msg.Arguments, &w); err != nil {
			s.logger.Error("decode trade event", "error", err)
			return nil
		}
		t := w.toModel()
		return s.emitUser(UserEvent{Kind: UserEventTrade, Trade: &t})

	case "GatewayQuote":
		contractID, raw, ok := contractArgs(msg.Arguments)
		if !ok {
			return nil
		}
		var w wireQuote
		if err := json.Unmarshal(raw, &w); err != nil {
			s.logger.Error("decode quote event", "error", err)
			return nil
		}
		s.emitQuote(QuoteEvent{
			ContractID: contractID,
			Quote: models.Quote{
				Symbol:    models.SymbolFromContractID(contractID),
				LastPrice: w.LastPrice,
				Bid:       w.BestBid,
				Ask:       w.BestAsk,
				Timestamp: w.Timestamp,
			},
		})
		return nil

	case "GatewayTrade":
		contractID, raw, ok := contractArgs(msg.Arguments)
		if !ok {
			return nil
		}
		var w wireMarketTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			s.logger.Error("decode market trade event", "error", err)
			return nil
		}
		s.emitMarketTrade(MarketTradeEvent{
			ContractID: contractID,
			TradeID:    w.ID,
			Price:      w.Price,
			Volume:     w.Volume,
			Timestamp:  w.Timestamp,
		})
		return nil

	case "GatewayDepth":
		// Depth is not consumed by any component yet.
		return nil

	default:
		s.logger.Debug("unknown hub target", "target", msg.Target)
		return nil
	}
}

// decodeLastArg unmarshals the final invocation argument, which is where
// the gateway puts the entity payload.
func decodeLastArg(args []json.RawMessage, out any) error {
	if len(args) == 0 {
		return fmt.Errorf("no arguments")
	}
	return json.Unmarshal(args[len(args)-1], out)
}

// contractArgs extracts (contractID, payload) from a market-hub invocation.
func contractArgs(args []json.RawMessage) (string, json.RawMessage, bool) {
	if len(args) < 2 {
		return "", nil, false
	}
	var contractID string
	if err := json.Unmarshal(args[0], &contractID); err != nil {
		return "", nil, false
	}
	return contractID, args[len(args)-1], true
}

// emitUser delivers a user event without dropping it. If the consumer is
// saturated past sendStallTimeout the connection is torn down so the event
// is replayed from a fresh connection rather than silently lost.
func (s *Stream) emitUser(evt UserEvent) error {
	select {
	case s.userCh <- evt:
		return nil
	default:
	}
	timer := time.NewTimer(sendStallTimeout)
	defer timer.Stop()
	select {
	case s.userCh <- evt:
		return nil
	case <-timer.C:
		return fmt.Errorf("user event consumer stalled for %s", sendStallTimeout)
	}
}

// emitQuote delivers a quote with latest-wins semantics: under saturation
// the oldest queued quote is discarded to make room.
func (s *Stream) emitQuote(evt QuoteEvent) {
	select {
	case s.quoteCh <- evt:
	default:
		select {
		case <-s.quoteCh:
		default:
		}
		select {
		case s.quoteCh <- evt:
		default:
		}
	}
}

func (s *Stream) emitMarketTrade(evt MarketTradeEvent) {
	select {
	case s.tradeCh <- evt:
	default:
		select {
		case <-s.tradeCh:
		default:
		}
		select {
		case s.tradeCh <- evt:
		default:
		}
	}
}

// Package models defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — contracts, accounts,
// positions, orders, quotes, bars, and the enum translations for the broker's
// numeric wire format. It has no dependencies on internal packages, so it can
// be imported by any layer.
package models

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Wire returns the broker's integer encoding (BUY=0, SELL=1).
func (s Side) Wire() int {
	if s == SELL {
		return 1
	}
	return 0
}

// SideFromWire decodes the broker's integer side.
func SideFromWire(v int) Side {
	if v == 1 {
		return SELL
	}
	return BUY
}

// Opposite returns the offsetting side, used when flattening positions.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
	OrderTypeTrail  OrderType = "TRAIL"
)

// Wire returns the broker's integer encoding (LIMIT=1, MARKET=2, STOP=4, TRAIL=5).
func (t OrderType) Wire() int {
	switch t {
	case OrderTypeLimit:
		return 1
	case OrderTypeMarket:
		return 2
	case OrderTypeStop:
		return 4
	case OrderTypeTrail:
		return 5
	default:
		return 2
	}
}

// OrderTypeFromWire decodes the broker's integer order type.
// Unknown values decode to MARKET, which is the safest read-side default
// because it never carries a price the UI could misrender.
func OrderTypeFromWire(v int) OrderType {
	switch v {
	case 1:
		return OrderTypeLimit
	case 2:
		return OrderTypeMarket
	case 4:
		return OrderTypeStop
	case 5:
		return OrderTypeTrail
	default:
		return OrderTypeMarket
	}
}

// OrderStatus is the lifecycle state of an order. Terminal states are
// observed from the broker, never inferred locally.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWorking   OrderStatus = "WORKING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// OrderStatusFromWire decodes the broker's integer order status.
// The gateway reports: 1=Open, 2=Filled, 3=Cancelled, 4=Expired,
// 5=Rejected, 6=Pending. Expired collapses to CANCELLED.
func OrderStatusFromWire(v int) OrderStatus {
	switch v {
	case 1:
		return OrderWorking
	case 2:
		return OrderFilled
	case 3, 4:
		return OrderCancelled
	case 5:
		return OrderRejected
	case 6:
		return OrderPending
	default:
		return OrderPending
	}
}

// Terminal reports whether the status is a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// PositionSideFromWire decodes the broker's integer position type
// (1=Long, 2=Short).
func PositionSideFromWire(v int) PositionSide {
	if v == 2 {
		return SHORT
	}
	return LONG
}

// Direction returns +1 for LONG and -1 for SHORT, the sign used in
// unrealized P&L math.
func (p PositionSide) Direction() float64 {
	if p == SHORT {
		return -1
	}
	return 1
}

// TimeInForce for order intents coming from the UI.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// ————————————————————————————————————————————————————————————————————————
// Contract metadata
// ————————————————————————————————————————————————————————————————————————

// Contract is the internal representation of a tradeable futures contract.
// Populated from the broker's contract endpoints and cached by the registry.
type Contract struct {
	ID          string  `json:"id"`          // broker contract ID, e.g. "F.US.MES.Z25"
	Symbol      string  `json:"symbol"`      // contract-month form, e.g. "MESZ25"
	BaseSymbol  string  `json:"base_symbol"` // product root, e.g. "MES"
	Description string  `json:"description"`
	TickSize    float64 `json:"tick_size"`
	TickValue   float64 `json:"tick_value"`
	PointValue  float64 `json:"point_value"` // derived as TickValue/TickSize when absent
	Live        bool    `json:"live"`
}

// ResolvedPointValue returns the dollar value of one full point, deriving
// it from tick size and tick value when not set directly. The second return
// is false when no positive multiplier can be resolved; callers must then
// report P&L as unknown rather than zero.
func (c Contract) ResolvedPointValue() (float64, bool) {
	if c.PointValue > 0 {
		return c.PointValue, true
	}
	if c.TickSize > 0 && c.TickValue > 0 {
		return c.TickValue / c.TickSize, true
	}
	return 0, false
}

// SymbolFromContractID derives the contract-month symbol from a dotted
// broker contract ID: "F.US.MES.Z25" → "MESZ25". IDs with fewer than three
// segments pass through uppercased with dots stripped.
func SymbolFromContractID(id string) string {
	parts := strings.Split(id, ".")
	if len(parts) >= 3 {
		return strings.ToUpper(strings.Join(parts[2:], ""))
	}
	return strings.ToUpper(strings.ReplaceAll(id, ".", ""))
}

// BaseFromContractID derives the product root from a dotted contract ID:
// "F.US.MES.Z25" → "MES".
func BaseFromContractID(id string) string {
	parts := strings.Split(id, ".")
	if len(parts) >= 3 {
		return strings.ToUpper(parts[2])
	}
	return strings.ToUpper(id)
}

// monthCodes encodes futures delivery months (F=Jan … Z=Dec).
const monthCodes = "FGHJKMNQUVXZ"

// SplitSymbol separates a contract-month symbol into its alphabetic base
// and the month/year suffix: "MESZ25" → ("MES", "Z25"). Symbols without a
// recognizable suffix return the whole symbol as base.
func SplitSymbol(symbol string) (base, suffix string) {
	s := strings.ToUpper(symbol)
	// A month suffix is one month code followed by one or two digits.
	for i := len(s) - 1; i >= 1; i-- {
		if s[i] >= '0' && s[i] <= '9' {
			continue
		}
		if strings.ContainsRune(monthCodes, rune(s[i])) && i < len(s)-1 && i >= 1 {
			return s[:i], s[i:]
		}
		break
	}
	return s, ""
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// Account is a broker trading account.
type Account struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Balance    float64 `json:"balance"`
	CanTrade   bool    `json:"can_trade"`
	Simulated  bool    `json:"simulated"`
	BotManaged bool    `json:"bot_managed"` // true when an operator bound it to a bot
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is an open position, optionally enriched with live valuation.
// The derived pointer fields are nil when no point-value multiplier could
// be resolved — never zero.
type Position struct {
	PositionID int64        `json:"position_id"`
	AccountID  int64        `json:"account_id"`
	ContractID string       `json:"contract_id"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   int          `json:"quantity"`
	EntryPrice float64      `json:"entry_price"`
	EntryTime  time.Time    `json:"entry_time"`

	CurrentPrice  *float64 `json:"current_price"`
	UnrealizedPnL *float64 `json:"unrealized_pnl"`
	EntryValue    *float64 `json:"entry_value"`
	CurrentValue  *float64 `json:"current_value"`
	PnLPercent    *float64 `json:"pnl_percent"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the internal representation of a broker order.
type Order struct {
	OrderID     int64       `json:"order_id"`
	AccountID   int64       `json:"account_id"`
	ContractID  string      `json:"contract_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Size        int         `json:"size"`
	LimitPrice  *float64    `json:"limit_price,omitempty"`
	StopPrice   *float64    `json:"stop_price,omitempty"`
	TrailPrice  *float64    `json:"trail_price,omitempty"`
	FilledPrice *float64    `json:"filled_price,omitempty"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Bracket describes an attached child order in ticks from the entry price.
type Bracket struct {
	Ticks int `json:"ticks"`
}

// OrderIntent is the normalized order request produced by strategies or the
// UI before broker translation. Prices are optional; unset means omit on
// the wire, not send null.
type OrderIntent struct {
	AccountID  int64       `json:"account_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	Quantity   int         `json:"quantity"`
	TIF        TimeInForce `json:"time_in_force"`
	LimitPrice *float64    `json:"limit_price,omitempty"`
	StopPrice  *float64    `json:"stop_price,omitempty"`
	TrailPrice *float64    `json:"trail_price,omitempty"`
	StopLoss   *Bracket    `json:"stop_loss,omitempty"`
	TakeProfit *Bracket    `json:"take_profit,omitempty"`
	Nonce      string      `json:"nonce,omitempty"` // client idempotency key
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a normalized top-of-book update from the market stream.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Trade is an executed fill reported by the broker.
type Trade struct {
	TradeID    int64     `json:"trade_id"`
	AccountID  int64     `json:"account_id"`
	ContractID string    `json:"contract_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Size       int       `json:"size"`
	Price      float64   `json:"price"`
	PnL        *float64  `json:"pnl,omitempty"` // nil on half-turn (opening) fills
	Fees       float64   `json:"fees"`
	Timestamp  time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is emitted by a strategy and flows through the gate → risk →
// order pipeline. Confidence is in [0,1]; Size is in contracts and may be
// rewritten by an RL sizing gate.
type Signal struct {
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	Confidence float64        `json:"confidence"`
	Size       int            `json:"size"`
	Strategy   string         `json:"strategy"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Time       time.Time      `json:"time"`
}

// Float64Ptr returns a pointer to v. Helper for the optional valuation and
// price fields above.
func Float64Ptr(v float64) *float64 { return &v }

// wire.go holds the gateway's request/response DTOs and their translation
// into the internal model. The gateway speaks numeric enums (side BUY=0,
// SELL=1; type LIMIT=1, MARKET=2, STOP=4, TRAIL=5), dotted contract IDs,
// and nullable floats; all of that is converted here so nothing outside
// this package ever sees a wire integer.
package broker

import (
	"time"

	"topstepx-engine/pkg/models"
)

// wireStatus is the envelope every gateway response carries.
type wireStatus struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type wireAccount struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	Simulated bool    `json:"simulated"`
}

type accountSearchResponse struct {
	wireStatus
	Accounts []wireAccount `json:"accounts"`
}

func (w wireAccount) toModel() models.Account {
	return models.Account{
		ID:        w.ID,
		Name:      w.Name,
		Balance:   w.Balance,
		CanTrade:  w.CanTrade,
		Simulated: w.Simulated,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Contracts
// ————————————————————————————————————————————————————————————————————————

type contractAvailableRequest struct {
	Live bool `json:"live"`
}

type contractSearchRequest struct {
	SearchText string `json:"searchText"`
	Live       bool   `json:"live"`
}

type contractByIDRequest struct {
	ContractID string `json:"contractId"`
}

type wireContract struct {
	ID             string  `json:"id"`   // dotted form, e.g. "F.US.MES.Z25"
	Name           string  `json:"name"` // contract-month symbol when present
	Description    string  `json:"description"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	PointValue     float64 `json:"pointValue"` // often absent; derived locally
	ActiveContract bool    `json:"activeContract"`
}

type contractListResponse struct {
	wireStatus
	Contracts []wireContract `json:"contracts"`
}

type contractByIDResponse struct {
	wireStatus
	Contract wireContract `json:"contract"`
}

func (w wireContract) toModel() models.Contract {
	symbol := w.Name
	if symbol == "" {
		symbol = models.SymbolFromContractID(w.ID)
	}
	c := models.Contract{
		ID:          w.ID,
		Symbol:      symbol,
		BaseSymbol:  models.BaseFromContractID(w.ID),
		Description: w.Description,
		TickSize:    w.TickSize,
		TickValue:   w.TickValue,
		PointValue:  w.PointValue,
		Live:        w.ActiveContract,
	}
	if pv, ok := c.ResolvedPointValue(); ok {
		c.PointValue = pv
	}
	return c
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// wireBracket attaches a child order in ticks from the fill price.
type wireBracket struct {
	Ticks int `json:"ticks"`
	Type  int `json:"type"`
}

// placeOrderRequest is the Order/place body. Optional prices are pointers
// with omitempty: unset fields are omitted from the JSON entirely rather
// than sent as null. There is deliberately no customTag field — the
// gateway rejects orders that include one.
type placeOrderRequest struct {
	AccountID         int64        `json:"accountId"`
	ContractID        string       `json:"contractId"`
	Type              int          `json:"type"`
	Side              int          `json:"side"`
	Size              int          `json:"size"`
	LimitPrice        *float64     `json:"limitPrice,omitempty"`
	StopPrice         *float64     `json:"stopPrice,omitempty"`
	TrailPrice        *float64     `json:"trailPrice,omitempty"`
	StopLossBracket   *wireBracket `json:"stopLossBracket,omitempty"`
	TakeProfitBracket *wireBracket `json:"takeProfitBracket,omitempty"`
	LinkedOrderID     *int64       `json:"linkedOrderId,omitempty"`
}

type placeOrderResponse struct {
	wireStatus
	OrderID int64 `json:"orderId"`
}

type cancelOrderRequest struct {
	AccountID int64 `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

type modifyOrderRequest struct {
	AccountID  int64    `json:"accountId"`
	OrderID    int64    `json:"orderId"`
	Size       *int     `json:"size,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	TrailPrice *float64 `json:"trailPrice,omitempty"`
}

type orderSearchRequest struct {
	AccountID      int64      `json:"accountId"`
	StartTimestamp time.Time  `json:"startTimestamp"`
	EndTimestamp   *time.Time `json:"endTimestamp,omitempty"`
}

type orderSearchOpenRequest struct {
	AccountID int64 `json:"accountId"`
}

type wireOrder struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	UpdateTimestamp   time.Time `json:"updateTimestamp"`
	Status            int       `json:"status"`
	Type              int       `json:"type"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	LimitPrice        *float64  `json:"limitPrice"`
	StopPrice         *float64  `json:"stopPrice"`
	TrailPrice        *float64  `json:"trailPrice"`
	FilledPrice       *float64  `json:"filledPrice"`
}

type orderListResponse struct {
	wireStatus
	Orders []wireOrder `json:"orders"`
}

func (w wireOrder) toModel() models.Order {
	return models.Order{
		OrderID:     w.ID,
		AccountID:   w.AccountID,
		ContractID:  w.ContractID,
		Symbol:      models.SymbolFromContractID(w.ContractID),
		Side:        models.SideFromWire(w.Side),
		Type:        models.OrderTypeFromWire(w.Type),
		Size:        w.Size,
		LimitPrice:  w.LimitPrice,
		StopPrice:   w.StopPrice,
		TrailPrice:  w.TrailPrice,
		FilledPrice: w.FilledPrice,
		Status:      models.OrderStatusFromWire(w.Status),
		CreatedAt:   w.CreationTimestamp,
		UpdatedAt:   w.UpdateTimestamp,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

type positionSearchOpenRequest struct {
	AccountID int64 `json:"accountId"`
}

type wirePosition struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	Type              int       `json:"type"` // 1=Long, 2=Short
	Size              int       `json:"size"`
	AveragePrice      float64   `json:"averagePrice"`
}

type positionListResponse struct {
	wireStatus
	Positions []wirePosition `json:"positions"`
}

type closeContractRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
}

type partialCloseContractRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
	Size       int    `json:"size"`
}

func (w wirePosition) toModel() models.Position {
	return models.Position{
		PositionID: w.ID,
		AccountID:  w.AccountID,
		ContractID: w.ContractID,
		Symbol:     models.SymbolFromContractID(w.ContractID),
		Side:       models.PositionSideFromWire(w.Type),
		Quantity:   w.Size,
		EntryPrice: w.AveragePrice,
		EntryTime:  w.CreationTimestamp,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

type tradeSearchRequest struct {
	AccountID      int64     `json:"accountId"`
	StartTimestamp time.Time `json:"startTimestamp"`
}

type wireTrade struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	Price             float64   `json:"price"`
	ProfitAndLoss     *float64  `json:"profitAndLoss"` // null on opening fills
	Fees              float64   `json:"fees"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	Voided            bool      `json:"voided"`
	OrderID           int64     `json:"orderId"`
}

type tradeListResponse struct {
	wireStatus
	Trades []wireTrade `json:"trades"`
}

func (w wireTrade) toModel() models.Trade {
	return models.Trade{
		TradeID:    w.ID,
		AccountID:  w.AccountID,
		ContractID: w.ContractID,
		Symbol:     models.SymbolFromContractID(w.ContractID),
		Side:       models.SideFromWire(w.Side),
		Size:       w.Size,
		Price:      w.Price,
		PnL:        w.ProfitAndLoss,
		Fees:       w.Fees,
		Timestamp:  w.CreationTimestamp,
	}
}

// ————————————————————————————————————————————————————————————————————————
// History
// ————————————————————————————————————————————————————————————————————————

// BarUnit is the gateway's aggregation unit enum for History/retrieveBars.
type BarUnit int

const (
	UnitSecond BarUnit = 1
	UnitMinute BarUnit = 2
	UnitHour   BarUnit = 3
	UnitDay    BarUnit = 4
)

// BarRequest describes a history retrieval. Unit/UnitNumber follow the
// gateway enum (2/5 = five-minute bars).
type BarRequest struct {
	ContractID        string
	Live              bool
	StartTime         time.Time
	EndTime           time.Time
	Unit              BarUnit
	UnitNumber        int
	Limit             int
	IncludePartialBar bool
}

type retrieveBarsRequest struct {
	ContractID        string    `json:"contractId"`
	Live              bool      `json:"live"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	Unit              int       `json:"unit"`
	UnitNumber        int       `json:"unitNumber"`
	Limit             int       `json:"limit"`
	IncludePartialBar bool      `json:"includePartialBar"`
}

type wireBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

type retrieveBarsResponse struct {
	wireStatus
	Bars []wireBar `json:"bars"`
}

func (w wireBar) toModel(symbol string) models.Bar {
	return models.Bar{
		Symbol: symbol,
		Start:  w.T,
		Open:   w.O,
		High:   w.H,
		Low:    w.L,
		Close:  w.C,
		Volume: w.V,
	}
}

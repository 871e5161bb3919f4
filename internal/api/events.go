package api

import (
	"time"

	"topstepx-engine/internal/hub"
)

// Message is the envelope for every websocket broadcast.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Outbound message types.
const (
	MsgHeartbeat = "heartbeat"
	MsgQuote     = "quote_update"
	MsgPosition  = "position_update"
	MsgOrder     = "order_update"
	MsgTrade     = "trade_update"
	MsgAccount   = "account_update"
	MsgBotStatus = "bot_status"
	MsgError     = "error"
)

// messageFromHubEvent maps a fan-out event onto the websocket wire names.
func messageFromHubEvent(evt hub.Event) Message {
	typ := MsgError
	switch evt.Type {
	case hub.EventHeartbeat:
		typ = MsgHeartbeat
	case hub.EventQuote:
		typ = MsgQuote
	case hub.EventPosition:
		typ = MsgPosition
	case hub.EventOrder:
		typ = MsgOrder
	case hub.EventTrade:
		typ = MsgTrade
	case hub.EventAccount:
		typ = MsgAccount
	case hub.EventBotStatus:
		typ = MsgBotStatus
	}
	return Message{Type: typ, Timestamp: evt.Time, Payload: evt.Payload}
}

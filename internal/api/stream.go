package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"topstepx-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// clientBuffer bounds each subscriber's send queue when the config
	// leaves it unset. A subscriber that falls this far behind is
	// disconnected with a backpressure close code instead of silently
	// losing order events.
	clientBuffer = 1024
)

// WSHub manages websocket subscribers and broadcasts messages to them.
type WSHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	buffer     int
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	logger     *slog.Logger
}

// wsClient is one connected subscriber.
type wsClient struct {
	hub      *WSHub
	conn     *websocket.Conn
	send     chan []byte
	overflow bool // set by the hub before closing a too-slow subscriber
}

// NewWSHub creates the subscriber hub. subscriberBuffer sizes each client's
// send queue; zero or negative selects the default.
func NewWSHub(m *metrics.Metrics, subscriberBuffer int, logger *slog.Logger) *WSHub {
	if subscriberBuffer <= 0 {
		subscriberBuffer = clientBuffer
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		buffer:     subscriberBuffer,
		metrics:    m,
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop; call in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.Subscribers.Set(float64(count))
			}
			h.logger.Info("subscriber connected", "count", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.Subscribers.Set(float64(count))
			}
			h.logger.Info("subscriber disconnected", "count", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					client.overflow = true
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("subscriber too slow, disconnecting")
				}
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSBroadcasts.Inc()
			}
		}
	}
}

// Broadcast fans one message out to all subscribers. Non-blocking; if the
// hub itself is saturated the message is dropped and logged.
func (h *WSHub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// Subscribers returns the current subscriber count.
func (h *WSHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump moves messages from the hub to the connection and paces pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if c.overflow {
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				} else {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the read side alive for pong handling. The stream is
// outbound-only; client payloads are ignored.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}

// newWSClient registers a connection and starts its pumps.
func newWSClient(hub *WSHub, conn *websocket.Conn) *wsClient {
	client := &wsClient{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.buffer),
	}
	hub.register <- client
	go client.writePump()
	go client.readPump()
	return client
}

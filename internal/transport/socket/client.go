package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outboundBuffer = 256
)

// Client is one socket connection. A driver may hold several.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	outbound chan []byte

	userID string
	role   string

	mu       sync.RWMutex
	driverID string

	// rooms is mutated only under hub.mu.
	rooms map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, userID, role string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		outbound: make(chan []byte, outboundBuffer),
		userID:   userID,
		role:     role,
		rooms:    make(map[string]struct{}),
	}
}

// DriverID returns the resolved driver id, empty until registration.
func (c *Client) DriverID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.driverID
}

func (c *Client) setDriverID(id string) {
	c.mu.Lock()
	c.driverID = id
	c.mu.Unlock()
}

// send queues a payload without blocking; a full buffer drops the
// frame so one stuck socket never stalls a broadcast.
func (c *Client) send(payload []byte) {
	select {
	case c.outbound <- payload:
	default:
		metrics.DeliveryFailures.WithLabelValues("socket").Inc()
		logger.Debug("socket frame dropped for slow client", zap.String("user_id", c.userID))
	}
}

func (c *Client) sendMessage(msgType string, data map[string]any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	payload, err := json.Marshal(Message{Type: msgType, Data: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	c.send(payload)
}

func (c *Client) sendError(message string) {
	c.sendMessage(TypeError, map[string]any{"error": message})
}

// closeSlow asks the write pump to finish what is queued and close.
func (c *Client) closeSlow() {
	if c.conn == nil {
		return
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = c.conn.Close()
	}()
}

// readPump consumes inbound messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("socket read error", zap.Error(err))
			}
			return
		}
		c.hub.handleMessage(c, &msg)
	}
}

// writePump flushes outbound frames and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Rooms returns a snapshot of the client's memberships. Test helper
// and admin introspection.
func (c *Client) Rooms(h *Hub) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

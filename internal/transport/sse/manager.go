// Package sse is the server-push HTTP transport. Each connected client
// holds a channel subscription set; frames carry a monotone id, the
// event type, and a JSON body. There is no durable backlog: a client
// advertising Last-Event-ID reconciles authoritative state over REST.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

const clientBufferSize = 64

// Client is one open event stream.
type Client struct {
	ID       string
	DriverID string // set for driver streams
	Send     chan []byte

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *Client) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Manager routes bus events to connected streams. It implements the
// transport contract; a slow client drops frames rather than blocking
// the publisher.
type Manager struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	drivers  map[string]map[*Client]struct{} // driverID -> that driver's streams

	nextEventID atomic.Int64
}

func NewManager() *Manager {
	return &Manager{
		clients:  make(map[*Client]struct{}),
		channels: make(map[string]map[*Client]struct{}),
		drivers:  make(map[string]map[*Client]struct{}),
	}
}

func (m *Manager) Name() string { return "sse" }

// Deliver frames the event and fans it out to the channel's streams.
func (m *Manager) Deliver(channel string, event bus.Event) error {
	m.mu.RLock()
	subscribers := make([]*Client, 0, len(m.channels[channel]))
	for c := range m.channels[channel] {
		subscribers = append(subscribers, c)
	}
	m.mu.RUnlock()

	if len(subscribers) == 0 {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	frame := formatFrame(m.nextEventID.Add(1), event.EventType(), data)

	for _, c := range subscribers {
		select {
		case c.Send <- frame:
		default:
			// Slow consumer: drop the frame, never the publisher.
			metrics.DeliveryFailures.WithLabelValues("sse").Inc()
			logger.Debug("sse frame dropped for slow client",
				zap.String("client_id", c.ID),
				zap.String("channel", channel),
			)
		}
	}
	return nil
}

// ChannelSize reports the stream count on a channel.
func (m *Manager) ChannelSize(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels[channel])
}

func (m *Manager) Healthy() bool { return true }

// Connect registers a stream subscribed to the given channels.
func (m *Manager) Connect(driverID string, channels ...string) *Client {
	c := &Client{
		ID:       uuid.New().String(),
		DriverID: driverID,
		Send:     make(chan []byte, clientBufferSize),
		channels: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.clients[c] = struct{}{}
	if driverID != "" {
		set, ok := m.drivers[driverID]
		if !ok {
			set = make(map[*Client]struct{})
			m.drivers[driverID] = set
		}
		set[c] = struct{}{}
	}
	m.mu.Unlock()

	m.Subscribe(c, channels...)
	metrics.ConnectedClients.WithLabelValues("sse").Inc()
	return c
}

// Disconnect drops the stream and all its subscriptions.
func (m *Manager) Disconnect(c *Client) {
	m.mu.Lock()
	if _, ok := m.clients[c]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, c)
	if c.DriverID != "" {
		if set, ok := m.drivers[c.DriverID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(m.drivers, c.DriverID)
			}
		}
	}
	for ch := range c.channels {
		m.dropSubscription(c, ch)
	}
	m.mu.Unlock()

	close(c.Send)
	metrics.ConnectedClients.WithLabelValues("sse").Dec()
}

// Subscribe adds channels to a stream.
func (m *Manager) Subscribe(c *Client, channels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
		set, ok := m.channels[ch]
		if !ok {
			set = make(map[*Client]struct{})
			m.channels[ch] = set
		}
		set[c] = struct{}{}
	}
}

// UpdateCellSubscriptions rotates a driver's h3:* subscriptions to a
// new cell set, keeping every non-cell channel untouched. Applied to
// all of the driver's open streams.
func (m *Manager) UpdateCellSubscriptions(driverID string, cells []string) int {
	next := make(map[string]struct{}, len(cells))
	for _, cell := range cells {
		next[bus.CellChannel(cell)] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for c := range m.drivers[driverID] {
		c.mu.Lock()
		for ch := range c.channels {
			if !strings.HasPrefix(ch, bus.H3Prefix) {
				continue
			}
			if _, keep := next[ch]; !keep {
				delete(c.channels, ch)
				m.dropSubscription(c, ch)
			}
		}
		for ch := range next {
			if _, has := c.channels[ch]; !has {
				c.channels[ch] = struct{}{}
				set, ok := m.channels[ch]
				if !ok {
					set = make(map[*Client]struct{})
					m.channels[ch] = set
				}
				set[c] = struct{}{}
			}
		}
		c.mu.Unlock()
		updated++
	}
	return updated
}

// dropSubscription removes one channel membership. Caller holds m.mu.
func (m *Manager) dropSubscription(c *Client, channel string) {
	if set, ok := m.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.channels, channel)
		}
	}
}

// formatFrame renders one SSE frame. Multi-line data is split across
// data: lines as the event-stream format requires.
func formatFrame(id int64, eventType string, data []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", id)
	fmt.Fprintf(&b, "event: %s\n", eventType)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// Heartbeat is the comment frame that keeps idle proxies open.
var Heartbeat = []byte(": heartbeat\n\n")

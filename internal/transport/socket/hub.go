// Package socket is the legacy bidirectional transport: room-based
// pub/sub over a long-lived WebSocket. Rooms reuse the bus channel
// names, so Deliver is a straight room broadcast. Clients present
// JWT-derived user ids; every driver operation resolves to a driverId
// through the driver store before any room is touched.
package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

// Inbound message types.
const (
	TypeJoinRide       = "join_ride"
	TypeLeaveRide      = "leave_ride"
	TypeDriverRegister = "driver_register"
	TypeLocationUpdate = "location_update"
	TypeHeartbeat      = "heartbeat"
)

// Outbound message types not mirrored from bus events.
const (
	TypeRegistered        = "registered"
	TypeRegistrationError = "registration_error"
	TypeRoomJoined        = "room_joined"
	TypeRoomLeft          = "room_left"
	TypeError             = "error"
	TypePong              = "pong"
)

// Message is the socket wire envelope, both directions.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LocationFunc receives driver location updates arriving on sockets.
type LocationFunc func(ctx context.Context, driverID string, lat, lng float64, heading, speed *float64)

// Hub tracks sockets and their room memberships.
type Hub struct {
	mu            sync.RWMutex
	clients       map[*Client]struct{}
	rooms         map[string]map[*Client]struct{}
	driverSockets map[string]map[*Client]struct{}

	drivers    *ramen.Store
	rides      *fireball.Store
	bus        *bus.Bus
	onLocation LocationFunc
}

// NewHub creates an empty hub. SetBus must run before clients connect.
func NewHub(drivers *ramen.Store, rides *fireball.Store, onLocation LocationFunc) *Hub {
	return &Hub{
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		driverSockets: make(map[string]map[*Client]struct{}),
		drivers:       drivers,
		rides:         rides,
		onLocation:    onLocation,
	}
}

// SetBus attaches the event bus used for registration announcements.
func (h *Hub) SetBus(b *bus.Bus) { h.bus = b }

func (h *Hub) Name() string { return "socket" }

// Deliver broadcasts a bus event to the room matching the channel.
func (h *Hub) Deliver(channel string, event bus.Event) error {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[channel]))
	for c := range h.rooms[channel] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Message{
		Type:      event.EventType(),
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	for _, c := range members {
		c.send(payload)
	}
	return nil
}

// ChannelSize reports the room's socket count.
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

func (h *Hub) Healthy() bool { return true }

// register admits a connected socket.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ConnectedClients.WithLabelValues("socket").Inc()
}

// unregister drops a socket from every room. Only the driver's last
// socket detaches the transport; a driver may hold several devices.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.dropFromRoom(c, room)
	}

	lastSocket := false
	driverID := c.DriverID()
	if driverID != "" {
		if set, ok := h.driverSockets[driverID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.driverSockets, driverID)
				lastSocket = true
			}
		}
	}
	h.mu.Unlock()

	close(c.outbound)
	metrics.ConnectedClients.WithLabelValues("socket").Dec()

	if lastSocket {
		if err := h.drivers.RemoveTransport(driverID, "socket"); err != nil {
			logger.Warn("socket transport detach failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
}

// handleMessage routes one inbound client message.
func (h *Hub) handleMessage(c *Client, msg *Message) {
	switch msg.Type {
	case TypeDriverRegister:
		h.handleDriverRegister(c, msg)
	case TypeJoinRide:
		h.handleJoinRide(c, msg)
	case TypeLeaveRide:
		h.handleLeaveRide(c, msg)
	case TypeLocationUpdate:
		h.handleLocationUpdate(c, msg)
	case TypeHeartbeat:
		c.sendMessage(TypePong, nil)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleDriverRegister resolves the presented id, checks the driver is
// dispatchable, joins the driver rooms, and confirms membership before
// acknowledging. Any failure is reported to the client and the socket
// is closed.
func (h *Hub) handleDriverRegister(c *Client, msg *Message) {
	var body struct {
		DriverID string `json:"driver_id"`
		UserID   string `json:"user_id"`
	}
	_ = json.Unmarshal(msg.Data, &body)

	presented := body.DriverID
	if presented == "" {
		presented = body.UserID
	}
	if presented == "" {
		presented = c.userID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	driverID, err := h.drivers.ResolveDriverID(ctx, presented)
	if err != nil {
		h.rejectRegistration(c, driverID, "unknown driver")
		return
	}
	driver, ok := h.drivers.GetDriver(driverID)
	if !ok || !driver.Dispatchable() {
		h.rejectRegistration(c, driverID, "driver is not dispatchable")
		return
	}

	c.setDriverID(driverID)
	h.mu.Lock()
	set, ok := h.driverSockets[driverID]
	if !ok {
		set = make(map[*Client]struct{})
		h.driverSockets[driverID] = set
	}
	set[c] = struct{}{}
	h.addToRoom(c, bus.DriverChannel(driverID))
	h.addToRoom(c, bus.AvailableDrivers)

	// Verify the memberships actually took effect before acking.
	joined := h.inRoomLocked(c, bus.DriverChannel(driverID)) && h.inRoomLocked(c, bus.AvailableDrivers)
	h.mu.Unlock()

	if !joined {
		h.rejectRegistration(c, driverID, "room join failed")
		return
	}

	if err := h.drivers.AddTransport(driverID, "socket"); err != nil {
		h.rejectRegistration(c, driverID, "transport attach failed")
		return
	}

	c.sendMessage(TypeRegistered, map[string]any{"driver_id": driverID})
	if h.bus != nil {
		h.bus.Publish(bus.DriverChannel(driverID), bus.DriverRegistration{
			DriverID:  driverID,
			Transport: "socket",
			Success:   true,
			Timestamp: time.Now().UTC(),
		})
	}
	logger.Info("driver registered on socket", zap.String("driver_id", driverID))
}

func (h *Hub) rejectRegistration(c *Client, driverID, reason string) {
	c.sendMessage(TypeRegistrationError, map[string]any{"error": reason})
	if h.bus != nil && driverID != "" {
		h.bus.Publish(bus.DriverChannel(driverID), bus.DriverRegistration{
			DriverID:  driverID,
			Transport: "socket",
			Success:   false,
			Error:     reason,
			Timestamp: time.Now().UTC(),
		})
	}
	logger.Warn("socket registration rejected", zap.String("reason", reason))
	c.closeSlow()
}

// handleJoinRide admits a ride participant to the ride room.
func (h *Hub) handleJoinRide(c *Client, msg *Message) {
	var body struct {
		RideID string `json:"ride_id"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil || body.RideID == "" {
		c.sendError("ride_id is required")
		return
	}

	ride, ok := h.rides.GetRide(body.RideID)
	if !ok {
		c.sendError("ride not found")
		return
	}
	if !h.isParticipant(c, ride) {
		c.sendError("not a ride participant")
		return
	}

	h.mu.Lock()
	h.addToRoom(c, bus.RideChannel(body.RideID))
	h.mu.Unlock()
	c.sendMessage(TypeRoomJoined, map[string]any{"ride_id": body.RideID})
}

func (h *Hub) handleLeaveRide(c *Client, msg *Message) {
	var body struct {
		RideID string `json:"ride_id"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil || body.RideID == "" {
		c.sendError("ride_id is required")
		return
	}

	h.mu.Lock()
	h.dropFromRoom(c, bus.RideChannel(body.RideID))
	h.mu.Unlock()
	c.sendMessage(TypeRoomLeft, map[string]any{"ride_id": body.RideID})
}

// handleLocationUpdate forwards a registered driver's sample upstream.
func (h *Hub) handleLocationUpdate(c *Client, msg *Message) {
	driverID := c.DriverID()
	if driverID == "" {
		c.sendError("register as a driver first")
		return
	}

	var body struct {
		Lat     *float64 `json:"lat"`
		Lng     *float64 `json:"lng"`
		Heading *float64 `json:"heading"`
		Speed   *float64 `json:"speed"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil || body.Lat == nil || body.Lng == nil {
		c.sendError("lat and lng are required")
		return
	}

	if h.onLocation != nil {
		h.onLocation(context.Background(), driverID, *body.Lat, *body.Lng, body.Heading, body.Speed)
	}
}

func (h *Hub) isParticipant(c *Client, ride fireball.Ride) bool {
	if c.userID == ride.PassengerID {
		return true
	}
	if driverID := c.DriverID(); driverID != "" && driverID == ride.DriverID {
		return true
	}
	if ride.DriverID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resolved, err := h.drivers.ResolveDriverID(ctx, c.userID)
	return err == nil && resolved == ride.DriverID
}

// addToRoom and dropFromRoom require h.mu held.
func (h *Hub) addToRoom(c *Client, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*Client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) dropFromRoom(c *Client, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) inRoomLocked(c *Client, room string) bool {
	set, ok := h.rooms[room]
	if !ok {
		return false
	}
	_, in := set[c]
	return in
}

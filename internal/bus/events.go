package bus

import "time"

// Event type names as they appear on the wire.
const (
	TypeRideStatusUpdate   = "ride_status_update"
	TypeDriverLocation     = "driver_location"
	TypeNewRideRequest     = "new_ride_request"
	TypeDriverAssigned     = "driver_assigned"
	TypeRideCancelled      = "ride_cancelled"
	TypeRideChatMessage    = "ride_chat_message"
	TypeDriverRegistration = "driver_registration"
)

// Event is a tagged payload routed through the bus. Implementations
// are plain structs; transports serialize them as they see fit.
type Event interface {
	EventType() string
}

// RideStatusUpdate announces a ride state-machine transition.
type RideStatusUpdate struct {
	RideID      string    `json:"ride_id"`
	Status      string    `json:"status"`
	PrevStatus  string    `json:"prev_status,omitempty"`
	DriverID    string    `json:"driver_id,omitempty"`
	PassengerID string    `json:"passenger_id,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (RideStatusUpdate) EventType() string { return TypeRideStatusUpdate }

// DriverLocation is a live tracking sample for a ride or a driver feed.
type DriverLocation struct {
	RideID    string    `json:"ride_id,omitempty"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	H3Index   string    `json:"h3_index,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (DriverLocation) EventType() string { return TypeDriverLocation }

// NewRideRequest fans a pending ride out to candidate drivers. It
// never carries the ride OTP.
type NewRideRequest struct {
	RideID        string    `json:"ride_id"`
	PassengerName string    `json:"passenger_name,omitempty"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	PickupAddress string    `json:"pickup_address,omitempty"`
	DropLat       float64   `json:"drop_lat"`
	DropLng       float64   `json:"drop_lng"`
	DropAddress   string    `json:"drop_address,omitempty"`
	VehicleType   string    `json:"vehicle_type"`
	TotalFare     float64   `json:"total_fare"`
	DistanceKm    float64   `json:"distance_km"`
	PickupH3      string    `json:"pickup_h3"`
	RequestedAt   time.Time `json:"requested_at"`
}

func (NewRideRequest) EventType() string { return TypeNewRideRequest }

// DriverAssigned tells the passenger who won the ride, and the
// available-drivers audience that the ride is taken.
type DriverAssigned struct {
	RideID        string    `json:"ride_id"`
	DriverID      string    `json:"driver_id"`
	DriverName    string    `json:"driver_name,omitempty"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	VehicleModel  string    `json:"vehicle_model,omitempty"`
	DriverRating  float64   `json:"driver_rating,omitempty"`
	Taken         bool      `json:"taken,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

func (DriverAssigned) EventType() string { return TypeDriverAssigned }

// RideCancelled announces a terminal cancellation.
type RideCancelled struct {
	RideID      string    `json:"ride_id"`
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (RideCancelled) EventType() string { return TypeRideCancelled }

// RideChatMessage relays an in-ride chat line between the parties.
type RideChatMessage struct {
	RideID     string    `json:"ride_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole string    `json:"sender_role"`
	Message    string    `json:"message"`
	SentAt     time.Time `json:"sent_at"`
}

func (RideChatMessage) EventType() string { return TypeRideChatMessage }

// DriverRegistration reports a socket/stream registration outcome.
type DriverRegistration struct {
	DriverID  string    `json:"driver_id"`
	Transport string    `json:"transport"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (DriverRegistration) EventType() string { return TypeDriverRegistration }

// Package fireball is the authoritative in-memory ride store: the ride
// state machine, OTP gating, and the async write queue feeding the
// durable store. All transitions of one ride serialize through its
// entry lock, and events publish inside that critical section so every
// subscriber observes the state machine's total order.
package fireball

import (
	"fmt"
	"time"
)

// Status is a ride lifecycle state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusDriverAssigned Status = "DRIVER_ASSIGNED"
	StatusConfirmed      Status = "CONFIRMED"
	StatusDriverArrived  Status = "DRIVER_ARRIVED"
	StatusRideStarted    Status = "RIDE_STARTED"
	StatusRideCompleted  Status = "RIDE_COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusRideCompleted || s == StatusCancelled
}

// allowedTransitions is the full state machine. Cancellation is legal
// from every non-terminal state.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived:  {StatusRideStarted, StatusCancelled},
	StatusRideStarted:    {StatusRideCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the non-terminal states hydrated at startup.
var ActiveStatuses = []Status{
	StatusPending, StatusDriverAssigned, StatusConfirmed, StatusDriverArrived, StatusRideStarted,
}

// Fare is the pre-computed fare breakdown supplied at creation.
type Fare struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	TotalFare       float64 `json:"total_fare"`
}

// Ride is one ride record. Mutations happen only through the store.
type Ride struct {
	RideID        string `json:"ride_id"`
	PassengerID   string `json:"passenger_id"`
	PassengerName string `json:"passenger_name,omitempty"`
	DriverID      string `json:"driver_id,omitempty"`

	PickupLat     float64 `json:"pickup_lat"`
	PickupLng     float64 `json:"pickup_lng"`
	PickupAddress string  `json:"pickup_address,omitempty"`
	DropLat       float64 `json:"drop_lat"`
	DropLng       float64 `json:"drop_lng"`
	DropAddress   string  `json:"drop_address,omitempty"`
	PickupH3      string  `json:"pickup_h3"`

	Fare        Fare    `json:"fare"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`

	RideOtp       string `json:"ride_otp,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	VehicleType   string `json:"vehicle_type"`

	Status Status `json:"status"`

	// Live tracking, overwritten on every update and never persisted
	// per-update.
	DriverLat     *float64 `json:"driver_lat,omitempty"`
	DriverLng     *float64 `json:"driver_lng,omitempty"`
	DriverHeading *float64 `json:"driver_heading,omitempty"`
	DriverSpeed   *float64 `json:"driver_speed,omitempty"`

	// Counterparty identity cached at assignment time.
	DriverName    string  `json:"driver_name,omitempty"`
	VehicleNumber string  `json:"vehicle_number,omitempty"`
	VehicleModel  string  `json:"vehicle_model,omitempty"`
	DriverRating  float64 `json:"driver_rating,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`

	// Sync bookkeeping, never serialized to clients.
	Dirty        bool      `json:"-"`
	Version      int64     `json:"-"`
	LastSyncedAt time.Time `json:"-"`
}

// Redacted returns a copy without the OTP, for driver-facing views and
// any payload leaving on a driver channel.
func (r Ride) Redacted() Ride {
	r.RideOtp = ""
	return r
}

// DriverIdentity is the cached counterparty snapshot applied on
// assignment.
type DriverIdentity struct {
	DriverID      string  `json:"driver_id"`
	Name          string  `json:"name"`
	VehicleNumber string  `json:"vehicle_number"`
	VehicleModel  string  `json:"vehicle_model"`
	Rating        float64 `json:"rating"`
}

// Earnings is the driver payout computed at completion.
type Earnings struct {
	DriverID   string  `json:"driver_id"`
	RideID     string  `json:"ride_id"`
	TotalFare  float64 `json:"total_fare"`
	Commission float64 `json:"commission"`
	NetAmount  float64 `json:"net_amount"`
}

// InvalidTransitionError reports an illegal state machine edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ride transition %s -> %s", e.From, e.To)
}

// TakenError reports a lost assignment race, naming the winner.
type TakenError struct {
	AssignedTo string
}

func (e *TakenError) Error() string {
	return fmt.Sprintf("ride already taken by driver %s", e.AssignedTo)
}

// WriteOp names a durable write kind for the ride flush queue.
type WriteOp string

const (
	WriteCreate       WriteOp = "create"
	WriteStatusChange WriteOp = "status_change"
)

// StatusDelta is the minimal payload of a status-change write. A
// status change is naturally idempotent: it encodes the target state.
type StatusDelta struct {
	Status             Status
	DriverID           string
	DriverName         string
	VehicleNumber      string
	VehicleModel       string
	DriverRating       float64
	Timestamp          time.Time
	CancelledBy        string
	CancellationReason string
	Earnings           *Earnings
}

// Write is a pending durable write handed to the sync layer.
type Write struct {
	RideID  string
	Op      WriteOp
	Version int64
	Create  *Ride
	Delta   *StatusDelta
}

// EnqueueFunc accepts a pending write. It must not block.
type EnqueueFunc func(Write)

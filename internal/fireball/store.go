package fireball

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

const (
	// terminalRetention keeps finished rides in memory briefly so
	// rating and receipt reads right after completion skip the DB.
	terminalRetention = 5 * time.Minute

	sweepInterval = 60 * time.Second
)

var (
	// ErrNotFound is returned for operations on unknown rides.
	ErrNotFound = errors.New("ride not found")

	// ErrActiveRideExists rejects a second concurrent ride for one passenger.
	ErrActiveRideExists = errors.New("passenger already has an active ride")

	// ErrDriverBusy rejects assignment to a driver already on a ride.
	ErrDriverBusy = errors.New("driver already has an active ride")
)

type rideEntry struct {
	mu   sync.Mutex
	ride Ride
}

// TransitionExtra carries the side inputs of specific transitions:
// driver identity on assignment, cancellation details, earnings on
// completion.
type TransitionExtra struct {
	Driver             *DriverIdentity
	CancelledBy        string
	CancellationReason string
	Earnings           *Earnings
}

// Store holds every in-flight ride and its secondary indices. The
// store lock guards the maps; each ride's own lock serializes its
// transitions and the event publishes inside them.
type Store struct {
	mu             sync.RWMutex
	rides          map[string]*rideEntry
	passengerRides map[string]string // passengerId -> active rideId
	driverRides    map[string]string // driverId -> active rideId
	pendingRides   map[string]struct{}

	geo     *geoindex.Index
	maxK    int
	bus     *bus.Bus
	enqueue EnqueueFunc
}

// NewStore creates an empty store. enqueue may be nil in tests.
func NewStore(geo *geoindex.Index, maxK int, b *bus.Bus, enqueue EnqueueFunc) *Store {
	if enqueue == nil {
		enqueue = func(Write) {}
	}
	return &Store{
		rides:          make(map[string]*rideEntry),
		passengerRides: make(map[string]string),
		driverRides:    make(map[string]string),
		pendingRides:   make(map[string]struct{}),
		geo:            geo,
		maxK:           maxK,
		bus:            b,
		enqueue:        enqueue,
	}
}

// CreateRide inserts a new PENDING ride. The at-most-one-active-ride
// check happens inside the same critical section as the insert, so two
// rapid requests from one passenger cannot both pass. Publishes the
// PENDING status on the ride channel and fans the request out to the
// pickup k-ring and the available-drivers audience.
func (s *Store) CreateRide(r Ride) (Ride, error) {
	if r.RideID == "" {
		r.RideID = uuid.New().String()
	}
	r.Status = StatusPending
	r.RideOtp = generateOtp()
	r.CreatedAt = time.Now().UTC()
	r.PickupH3 = s.geo.Encode(r.PickupLat, r.PickupLng)
	r.Dirty = true
	r.Version = 1

	e := &rideEntry{ride: r}
	e.mu.Lock() // held until the creation events are out

	s.mu.Lock()
	if existing, ok := s.passengerRides[r.PassengerID]; ok {
		s.mu.Unlock()
		e.mu.Unlock()
		logger.Warn("ride creation rejected, passenger already riding",
			zap.String("passenger_id", r.PassengerID),
			zap.String("existing_ride_id", existing),
		)
		return Ride{}, ErrActiveRideExists
	}
	s.rides[r.RideID] = e
	s.passengerRides[r.PassengerID] = r.RideID
	s.pendingRides[r.RideID] = struct{}{}
	s.mu.Unlock()

	metrics.ActiveRides.WithLabelValues(string(StatusPending)).Inc()

	s.bus.Publish(bus.RideChannel(r.RideID), bus.RideStatusUpdate{
		RideID:      r.RideID,
		Status:      string(StatusPending),
		PassengerID: r.PassengerID,
		TriggeredBy: "passenger",
		Timestamp:   r.CreatedAt,
	})

	request := bus.NewRideRequest{
		RideID:        r.RideID,
		PassengerName: r.PassengerName,
		PickupLat:     r.PickupLat,
		PickupLng:     r.PickupLng,
		PickupAddress: r.PickupAddress,
		DropLat:       r.DropLat,
		DropLng:       r.DropLng,
		DropAddress:   r.DropAddress,
		VehicleType:   r.VehicleType,
		TotalFare:     r.Fare.TotalFare,
		DistanceKm:    r.DistanceKm,
		PickupH3:      r.PickupH3,
		RequestedAt:   r.CreatedAt,
	}
	s.bus.Publish(bus.AvailableDrivers, request)
	s.bus.PublishToMany(bus.CellChannels(s.geo.KRing(r.PickupH3, s.maxK)), request)

	e.mu.Unlock()

	snapshot := r
	s.enqueue(Write{RideID: r.RideID, Op: WriteCreate, Version: r.Version, Create: &snapshot})

	logger.Info("ride created",
		zap.String("ride_id", r.RideID),
		zap.String("passenger_id", r.PassengerID),
		zap.String("pickup_h3", r.PickupH3),
	)
	return r, nil
}

// TransitionStatus moves a ride along the state machine. All guards,
// the mutation, and the event publishes run under the ride's lock, so
// concurrent accepts resolve to exactly one winner and subscribers
// never observe transitions out of order.
func (s *Store) TransitionStatus(rideID string, to Status, triggeredBy string, extra *TransitionExtra) (Ride, error) {
	e, ok := s.entry(rideID)
	if !ok {
		return Ride{}, ErrNotFound
	}
	if extra == nil {
		extra = &TransitionExtra{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.ride.Status

	if to == StatusDriverAssigned {
		if from != StatusPending || e.ride.DriverID != "" {
			if e.ride.DriverID != "" {
				return Ride{}, &TakenError{AssignedTo: e.ride.DriverID}
			}
			return Ride{}, &InvalidTransitionError{From: from, To: to}
		}
		if extra.Driver == nil {
			return Ride{}, fmt.Errorf("assignment requires driver identity")
		}
	}
	if !CanTransition(from, to) {
		return Ride{}, &InvalidTransitionError{From: from, To: to}
	}

	now := time.Now().UTC()

	// Index maintenance happens before the record flips so a failed
	// guard leaves everything untouched.
	if to == StatusDriverAssigned {
		s.mu.Lock()
		if other, busy := s.driverRides[extra.Driver.DriverID]; busy && other != rideID {
			s.mu.Unlock()
			return Ride{}, ErrDriverBusy
		}
		s.driverRides[extra.Driver.DriverID] = rideID
		delete(s.pendingRides, rideID)
		s.mu.Unlock()
	} else if from == StatusPending {
		s.mu.Lock()
		delete(s.pendingRides, rideID)
		s.mu.Unlock()
	}

	switch to {
	case StatusDriverAssigned:
		e.ride.DriverID = extra.Driver.DriverID
		e.ride.DriverName = extra.Driver.Name
		e.ride.VehicleNumber = extra.Driver.VehicleNumber
		e.ride.VehicleModel = extra.Driver.VehicleModel
		e.ride.DriverRating = extra.Driver.Rating
		e.ride.AssignedAt = &now
	case StatusConfirmed:
		e.ride.ConfirmedAt = &now
	case StatusDriverArrived:
		e.ride.ArrivedAt = &now
	case StatusRideStarted:
		e.ride.StartedAt = &now
	case StatusRideCompleted:
		e.ride.CompletedAt = &now
	case StatusCancelled:
		e.ride.CancelledAt = &now
		e.ride.CancelledBy = extra.CancelledBy
		e.ride.CancellationReason = extra.CancellationReason
	}
	e.ride.Status = to
	e.ride.Dirty = true
	e.ride.Version++

	if to.Terminal() {
		s.mu.Lock()
		if e.ride.DriverID != "" {
			delete(s.driverRides, e.ride.DriverID)
		}
		delete(s.passengerRides, e.ride.PassengerID)
		s.mu.Unlock()
	}

	metrics.ActiveRides.WithLabelValues(string(from)).Dec()
	metrics.ActiveRides.WithLabelValues(string(to)).Inc()

	s.publishTransition(e.ride, from, triggeredBy, now)

	s.enqueue(Write{
		RideID:  rideID,
		Op:      WriteStatusChange,
		Version: e.ride.Version,
		Delta: &StatusDelta{
			Status:             to,
			DriverID:           e.ride.DriverID,
			DriverName:         e.ride.DriverName,
			VehicleNumber:      e.ride.VehicleNumber,
			VehicleModel:       e.ride.VehicleModel,
			DriverRating:       e.ride.DriverRating,
			Timestamp:          now,
			CancelledBy:        e.ride.CancelledBy,
			CancellationReason: e.ride.CancellationReason,
			Earnings:           extra.Earnings,
		},
	})

	logger.Info("ride transitioned",
		zap.String("ride_id", rideID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("triggered_by", triggeredBy),
	)
	return e.ride, nil
}

// publishTransition emits the status event family. The caller holds
// the ride lock. No payload here carries the OTP.
func (s *Store) publishTransition(r Ride, from Status, triggeredBy string, at time.Time) {
	s.bus.Publish(bus.RideChannel(r.RideID), bus.RideStatusUpdate{
		RideID:      r.RideID,
		Status:      string(r.Status),
		PrevStatus:  string(from),
		DriverID:    r.DriverID,
		PassengerID: r.PassengerID,
		TriggeredBy: triggeredBy,
		Timestamp:   at,
	})

	switch r.Status {
	case StatusDriverAssigned:
		assigned := bus.DriverAssigned{
			RideID:        r.RideID,
			DriverID:      r.DriverID,
			DriverName:    r.DriverName,
			VehicleNumber: r.VehicleNumber,
			VehicleModel:  r.VehicleModel,
			DriverRating:  r.DriverRating,
			AssignedAt:    at,
		}
		s.bus.Publish(bus.RideChannel(r.RideID), assigned)
		assigned.Taken = true
		s.bus.Publish(bus.AvailableDrivers, assigned)
	case StatusCancelled:
		s.bus.Publish(bus.RideChannel(r.RideID), bus.RideCancelled{
			RideID:      r.RideID,
			CancelledBy: r.CancelledBy,
			Reason:      r.CancellationReason,
			CancelledAt: at,
		})
	}
}

// UpdateRideLocation overwrites the live tracking fields and publishes
// them on the ride channel. It never queues a durable write: per-update
// persistence would cost thousands of writes a second and the ride row
// is not the location system of record.
func (s *Store) UpdateRideLocation(rideID string, lat, lng float64, heading, speed *float64) (Ride, error) {
	e, ok := s.entry(rideID)
	if !ok {
		return Ride{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ride.Status.Terminal() {
		return Ride{}, &InvalidTransitionError{From: e.ride.Status, To: e.ride.Status}
	}

	e.ride.DriverLat = &lat
	e.ride.DriverLng = &lng
	if heading != nil {
		e.ride.DriverHeading = heading
	}
	if speed != nil {
		e.ride.DriverSpeed = speed
	}
	e.ride.Version++

	s.bus.Publish(bus.RideChannel(rideID), bus.DriverLocation{
		RideID:    rideID,
		DriverID:  e.ride.DriverID,
		Lat:       lat,
		Lng:       lng,
		Heading:   heading,
		Speed:     speed,
		Timestamp: time.Now().UTC(),
	})
	return e.ride, nil
}

// VerifyOtp is a pure read: valid only at DRIVER_ARRIVED with an exact
// match.
func (s *Store) VerifyOtp(rideID, otp string) (bool, error) {
	e, ok := s.entry(rideID)
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Status == StatusDriverArrived && e.ride.RideOtp == otp, nil
}

// GetRide returns a copy of the record.
func (s *Store) GetRide(rideID string) (Ride, bool) {
	e, ok := s.entry(rideID)
	if !ok {
		return Ride{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride, true
}

// GetPassengerActiveRide looks up the passenger's active ride, if any.
func (s *Store) GetPassengerActiveRide(passengerID string) (Ride, bool) {
	s.mu.RLock()
	rideID, ok := s.passengerRides[passengerID]
	s.mu.RUnlock()
	if !ok {
		return Ride{}, false
	}
	return s.GetRide(rideID)
}

// GetDriverActiveRide looks up the driver's active ride, if any.
func (s *Store) GetDriverActiveRide(driverID string) (Ride, bool) {
	s.mu.RLock()
	rideID, ok := s.driverRides[driverID]
	s.mu.RUnlock()
	if !ok {
		return Ride{}, false
	}
	return s.GetRide(rideID)
}

// GetPendingRides returns every ride still awaiting a driver.
func (s *Store) GetPendingRides() []Ride {
	s.mu.RLock()
	ids := make([]string, 0, len(s.pendingRides))
	for id := range s.pendingRides {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	rides := make([]Ride, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.GetRide(id); ok && r.Status == StatusPending {
			rides = append(rides, r)
		}
	}
	return rides
}

// GetActiveRides returns every non-terminal ride in memory.
func (s *Store) GetActiveRides() []Ride {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rides))
	for id := range s.rides {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	rides := make([]Ride, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.GetRide(id); ok && !r.Status.Terminal() {
			rides = append(rides, r)
		}
	}
	return rides
}

// MarkSynced clears the dirty flag when the persisted version is still
// current. A newer in-memory version keeps the ride dirty.
func (s *Store) MarkSynced(rideID string, version int64) {
	e, ok := s.entry(rideID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Version == version {
		e.ride.Dirty = false
		e.ride.LastSyncedAt = time.Now().UTC()
	}
}

// InsertHydrated loads a ride from the durable store at startup:
// indexed, not dirty, no events, no writes.
func (s *Store) InsertHydrated(r Ride) {
	r.Dirty = false
	if r.Version == 0 {
		r.Version = 1
	}

	e := &rideEntry{ride: r}

	s.mu.Lock()
	s.rides[r.RideID] = e
	if !r.Status.Terminal() {
		s.passengerRides[r.PassengerID] = r.RideID
		if r.DriverID != "" {
			s.driverRides[r.DriverID] = r.RideID
		}
		if r.Status == StatusPending {
			s.pendingRides[r.RideID] = struct{}{}
		}
	}
	s.mu.Unlock()

	metrics.ActiveRides.WithLabelValues(string(r.Status)).Inc()
}

// Sweep removes terminal rides older than the retention window, but
// only once their state is fully persisted. Returns the removal count.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rides))
	for id := range s.rides {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		e, ok := s.entry(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := e.ride.Status.Terminal() && !e.ride.Dirty && now.Sub(terminalAt(e.ride)) >= terminalRetention
		if !expired {
			e.mu.Unlock()
			continue
		}
		r := e.ride
		e.mu.Unlock()

		s.mu.Lock()
		delete(s.rides, id)
		delete(s.pendingRides, id)
		if s.passengerRides[r.PassengerID] == id {
			delete(s.passengerRides, r.PassengerID)
		}
		if r.DriverID != "" && s.driverRides[r.DriverID] == id {
			delete(s.driverRides, r.DriverID)
		}
		s.mu.Unlock()

		metrics.ActiveRides.WithLabelValues(string(r.Status)).Dec()
		removed++
	}
	return removed
}

// StartSweeper runs Sweep on a timer until the context ends.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(time.Now().UTC()); n > 0 {
					logger.Debug("swept terminal rides", zap.Int("removed", n))
				}
			}
		}
	}()
}

func (s *Store) entry(rideID string) (*rideEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rides[rideID]
	return e, ok
}

func terminalAt(r Ride) time.Time {
	if r.CompletedAt != nil {
		return *r.CompletedAt
	}
	if r.CancelledAt != nil {
		return *r.CancelledAt
	}
	return r.CreatedAt
}

// generateOtp returns a uniformly random 4-digit decimal string.
func generateOtp() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(10000))
	return fmt.Sprintf("%04d", n.Int64())
}

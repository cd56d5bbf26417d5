// Package dispatch orchestrates the two state stores and the event
// bus: ride creation with geographic fan-out, the accept race, the
// OTP-gated start, completion earnings, and the driver location flow.
package dispatch

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/common"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

// Service wires the stores, the bus, and the outbound collaborators.
type Service struct {
	rides   *fireball.Store
	drivers *ramen.Store
	bus     *bus.Bus
	geo     *geoindex.Index

	maxK           int
	searchRadiusKm float64
	commissionRate float64

	notifier *Notifier    // nil when no webhook is configured
	chat     *ChatHistory // nil when Redis is unavailable
}

// NewService builds the dispatcher. notifier and chat may be nil.
func NewService(
	rides *fireball.Store,
	drivers *ramen.Store,
	b *bus.Bus,
	geo *geoindex.Index,
	maxK int,
	searchRadiusKm float64,
	commissionRate float64,
	notifier *Notifier,
	chat *ChatHistory,
) *Service {
	return &Service{
		rides:          rides,
		drivers:        drivers,
		bus:            b,
		geo:            geo,
		maxK:           maxK,
		searchRadiusKm: searchRadiusKm,
		commissionRate: commissionRate,
		notifier:       notifier,
		chat:           chat,
	}
}

// CreateRideInput is the passenger's ride request. The fare breakdown
// arrives pre-computed from the pricing collaborator.
type CreateRideInput struct {
	PassengerID   string        `json:"-"`
	PassengerName string        `json:"passenger_name"`
	PickupLat     float64       `json:"pickup_lat" binding:"required"`
	PickupLng     float64       `json:"pickup_lng" binding:"required"`
	PickupAddress string        `json:"pickup_address"`
	DropLat       float64       `json:"drop_lat" binding:"required"`
	DropLng       float64       `json:"drop_lng" binding:"required"`
	DropAddress   string        `json:"drop_address"`
	VehicleType   string        `json:"vehicle_type" binding:"required"`
	PaymentMethod string        `json:"payment_method"`
	Fare          fireball.Fare `json:"fare"`
	DistanceKm    float64       `json:"distance_km"`
	DurationMin   float64       `json:"duration_min"`
}

func validCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// CreateRide creates a PENDING ride and fans the request out to every
// candidate driver: the available-drivers audience, each nearby
// driver's own channel, and the pickup k-ring cells. The returned
// record includes the OTP for the passenger.
func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (fireball.Ride, error) {
	if !validCoord(in.PickupLat, in.PickupLng) || !validCoord(in.DropLat, in.DropLng) {
		return fireball.Ride{}, common.NewValidationError("pickup and drop coordinates are out of range")
	}
	if in.VehicleType == "" {
		return fireball.Ride{}, common.NewValidationError("vehicle_type is required")
	}
	if in.Fare.TotalFare <= 0 {
		return fireball.Ride{}, common.NewValidationError("fare breakdown with a positive total is required")
	}

	ride, err := s.rides.CreateRide(fireball.Ride{
		PassengerID:   in.PassengerID,
		PassengerName: in.PassengerName,
		PickupLat:     in.PickupLat,
		PickupLng:     in.PickupLng,
		PickupAddress: in.PickupAddress,
		DropLat:       in.DropLat,
		DropLng:       in.DropLng,
		DropAddress:   in.DropAddress,
		VehicleType:   in.VehicleType,
		PaymentMethod: in.PaymentMethod,
		Fare:          in.Fare,
		DistanceKm:    in.DistanceKm,
		DurationMin:   in.DurationMin,
	})
	if err != nil {
		return fireball.Ride{}, err
	}

	// Every eligible driver in range gets the request, not just the
	// nearest occupied ring.
	nearby := s.drivers.DispatchCandidates(ride.PickupLat, ride.PickupLng, s.searchRadiusKm, ride.VehicleType)

	request := bus.NewRideRequest{
		RideID:        ride.RideID,
		PassengerName: ride.PassengerName,
		PickupLat:     ride.PickupLat,
		PickupLng:     ride.PickupLng,
		PickupAddress: ride.PickupAddress,
		DropLat:       ride.DropLat,
		DropLng:       ride.DropLng,
		DropAddress:   ride.DropAddress,
		VehicleType:   ride.VehicleType,
		TotalFare:     ride.Fare.TotalFare,
		DistanceKm:    ride.DistanceKm,
		PickupH3:      ride.PickupH3,
		RequestedAt:   ride.CreatedAt,
	}
	for _, d := range nearby {
		s.bus.Publish(bus.DriverChannel(d.DriverID), request)
	}

	s.auditReach(ride, nearby)

	logger.InfoContext(ctx, "ride dispatched",
		zap.String("ride_id", ride.RideID),
		zap.Int("nearby_drivers", len(nearby)),
	)
	return ride, nil
}

// auditReach raises a P0 when eligible drivers exist but no transport
// has a single listener on any channel the request went out on.
func (s *Service) auditReach(ride fireball.Ride, nearby []ramen.NearbyDriver) {
	if len(nearby) == 0 {
		return
	}

	reachable := s.bus.TotalListeners(bus.AvailableDrivers)
	for _, d := range nearby {
		reachable += s.bus.TotalListeners(bus.DriverChannel(d.DriverID))
	}
	for _, cell := range s.geo.KRing(ride.PickupH3, s.maxK) {
		reachable += s.bus.TotalListeners(bus.CellChannel(cell))
	}
	if reachable > 0 {
		return
	}

	metrics.P0Inconsistencies.WithLabelValues("unreachable_broadcast").Inc()
	logger.P0("ride broadcast reached zero subscribers despite eligible drivers",
		zap.String("ride_id", ride.RideID),
		zap.Int("eligible_drivers", len(nearby)),
	)
}

// resolveDispatchableDriver maps the caller's id (user or driver) to a
// driver record that may take rides.
func (s *Service) resolveDispatchableDriver(ctx context.Context, callerID string) (ramen.Driver, error) {
	driverID, err := s.drivers.ResolveDriverID(ctx, callerID)
	if err != nil {
		return ramen.Driver{}, common.NewForbiddenError("caller is not a registered driver", common.CodeDriverNotVerified)
	}
	driver, ok := s.drivers.GetDriver(driverID)
	if !ok || !driver.Dispatchable() {
		return ramen.Driver{}, common.NewForbiddenError("driver is not eligible for dispatch", common.CodeDriverNotVerified)
	}
	return driver, nil
}

// AcceptRide runs the assignment critical section. At most one caller
// wins; the rest observe the taken error naming the winner. The
// returned record is driver-facing and carries no OTP.
func (s *Service) AcceptRide(ctx context.Context, rideID, callerID string) (fireball.Ride, error) {
	driver, err := s.resolveDispatchableDriver(ctx, callerID)
	if err != nil {
		return fireball.Ride{}, err
	}

	ride, err := s.rides.TransitionStatus(rideID, fireball.StatusDriverAssigned, "driver", &fireball.TransitionExtra{
		Driver: &fireball.DriverIdentity{
			DriverID:      driver.DriverID,
			Name:          driver.Name,
			VehicleNumber: driver.VehicleNumber,
			VehicleModel:  driver.VehicleModel,
			Rating:        driver.Rating,
		},
	})
	if err != nil {
		return fireball.Ride{}, err
	}

	s.notify(ctx, ride, fireball.StatusPending)
	return ride.Redacted(), nil
}

// ownedRide fetches the ride and verifies the caller is its driver.
func (s *Service) ownedRide(ctx context.Context, rideID, callerID string) (fireball.Ride, string, error) {
	ride, ok := s.rides.GetRide(rideID)
	if !ok {
		return fireball.Ride{}, "", fireball.ErrNotFound
	}
	driverID, err := s.drivers.ResolveDriverID(ctx, callerID)
	if err != nil || ride.DriverID == "" || ride.DriverID != driverID {
		return fireball.Ride{}, "", common.NewForbiddenError("caller is not this ride's driver", common.CodeNotParticipant)
	}
	return ride, driverID, nil
}

// StartRide verifies the OTP and starts the ride. A mismatch changes
// nothing and publishes nothing.
func (s *Service) StartRide(ctx context.Context, rideID, callerID, otp string) (fireball.Ride, error) {
	ride, _, err := s.ownedRide(ctx, rideID, callerID)
	if err != nil {
		return fireball.Ride{}, err
	}
	if ride.Status != fireball.StatusDriverArrived {
		return fireball.Ride{}, &fireball.InvalidTransitionError{From: ride.Status, To: fireball.StatusRideStarted}
	}

	valid, err := s.rides.VerifyOtp(rideID, otp)
	if err != nil {
		return fireball.Ride{}, err
	}
	if !valid {
		logger.WarnContext(ctx, "ride start rejected on otp mismatch", zap.String("ride_id", rideID))
		return fireball.Ride{}, common.NewInvalidOtpError()
	}

	updated, err := s.rides.TransitionStatus(rideID, fireball.StatusRideStarted, "driver", nil)
	if err != nil {
		return fireball.Ride{}, err
	}
	s.notify(ctx, updated, ride.Status)
	return updated.Redacted(), nil
}

// CompleteRide finishes the ride and computes the driver payout. The
// earnings ride the status-change write already enqueued by the store,
// so completion never returns before the durable write is queued.
func (s *Service) CompleteRide(ctx context.Context, rideID, callerID string) (fireball.Ride, fireball.Earnings, error) {
	ride, driverID, err := s.ownedRide(ctx, rideID, callerID)
	if err != nil {
		return fireball.Ride{}, fireball.Earnings{}, err
	}

	earnings := s.computeEarnings(rideID, driverID, ride.Fare.TotalFare)
	updated, err := s.rides.TransitionStatus(rideID, fireball.StatusRideCompleted, "driver", &fireball.TransitionExtra{
		Earnings: &earnings,
	})
	if err != nil {
		return fireball.Ride{}, fireball.Earnings{}, err
	}

	s.notify(ctx, updated, ride.Status)
	logger.InfoContext(ctx, "ride completed",
		zap.String("ride_id", rideID),
		zap.Float64("net_amount", earnings.NetAmount),
	)
	return updated.Redacted(), earnings, nil
}

func (s *Service) computeEarnings(rideID, driverID string, totalFare float64) fireball.Earnings {
	commission := round2(totalFare * s.commissionRate)
	return fireball.Earnings{
		DriverID:   driverID,
		RideID:     rideID,
		TotalFare:  totalFare,
		Commission: commission,
		NetAmount:  round2(totalFare - commission),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CancelRide cancels from any non-terminal state, recording who did it.
func (s *Service) CancelRide(ctx context.Context, rideID, callerUserID, role, reason string) (fireball.Ride, error) {
	ride, ok := s.rides.GetRide(rideID)
	if !ok {
		return fireball.Ride{}, fireball.ErrNotFound
	}

	cancelledBy, err := s.partyRole(ctx, ride, callerUserID, role)
	if err != nil {
		return fireball.Ride{}, err
	}

	updated, err := s.rides.TransitionStatus(rideID, fireball.StatusCancelled, cancelledBy, &fireball.TransitionExtra{
		CancelledBy:        cancelledBy,
		CancellationReason: reason,
	})
	if err != nil {
		return fireball.Ride{}, err
	}
	s.notify(ctx, updated, ride.Status)

	if cancelledBy == "passenger" {
		return updated, nil
	}
	return updated.Redacted(), nil
}

// partyRole identifies which side of the ride the caller is on.
func (s *Service) partyRole(ctx context.Context, ride fireball.Ride, callerUserID, role string) (string, error) {
	if role == "passenger" {
		if ride.PassengerID != callerUserID {
			return "", common.NewForbiddenError("caller is not a ride participant", common.CodeNotParticipant)
		}
		return "passenger", nil
	}

	driverID, err := s.drivers.ResolveDriverID(ctx, callerUserID)
	if err == nil && ride.DriverID != "" && ride.DriverID == driverID {
		return "driver", nil
	}
	if ride.PassengerID == callerUserID {
		return "passenger", nil
	}
	return "", common.NewForbiddenError("caller is not a ride participant", common.CodeNotParticipant)
}

// UpdateStatus is the generic transition endpoint. Assignment, start,
// completion, and cancellation route through their dedicated flows so
// every guard applies regardless of which endpoint the client used.
func (s *Service) UpdateStatus(ctx context.Context, rideID string, target fireball.Status, callerUserID, role, otp, reason string) (fireball.Ride, error) {
	switch target {
	case fireball.StatusDriverAssigned:
		return s.AcceptRide(ctx, rideID, callerUserID)
	case fireball.StatusRideStarted:
		return s.StartRide(ctx, rideID, callerUserID, otp)
	case fireball.StatusRideCompleted:
		ride, _, err := s.CompleteRide(ctx, rideID, callerUserID)
		return ride, err
	case fireball.StatusCancelled:
		return s.CancelRide(ctx, rideID, callerUserID, role, reason)
	case fireball.StatusConfirmed, fireball.StatusDriverArrived:
		ride, _, err := s.ownedRide(ctx, rideID, callerUserID)
		if err != nil {
			return fireball.Ride{}, err
		}
		updated, err := s.rides.TransitionStatus(rideID, target, "driver", nil)
		if err != nil {
			return fireball.Ride{}, err
		}
		s.notify(ctx, updated, ride.Status)
		return updated.Redacted(), nil
	default:
		return fireball.Ride{}, common.NewValidationError("unknown target status: " + string(target))
	}
}

// GetRideView returns the record scoped to the caller: passengers see
// the OTP, drivers and everyone else never do.
func (s *Service) GetRideView(ctx context.Context, rideID, callerUserID, role string) (fireball.Ride, error) {
	ride, ok := s.rides.GetRide(rideID)
	if !ok {
		return fireball.Ride{}, fireball.ErrNotFound
	}

	if ride.PassengerID == callerUserID {
		return ride, nil
	}
	if role == "admin" {
		return ride.Redacted(), nil
	}
	if driverID, err := s.drivers.ResolveDriverID(ctx, callerUserID); err == nil && ride.DriverID != "" && ride.DriverID == driverID {
		return ride.Redacted(), nil
	}
	return fireball.Ride{}, common.NewForbiddenError("caller is not a ride participant", common.CodeNotParticipant)
}

// AvailableRide is a pending ride offered through the poll fallback.
type AvailableRide struct {
	fireball.Ride
	PickupDistanceKm float64 `json:"pickup_distance_km"`
}

// AvailableRides lists pending rides within radiusKm of the driver,
// nearest first. Records are driver-facing and carry no OTP.
func (s *Service) AvailableRides(lat, lng, radiusKm float64) ([]AvailableRide, error) {
	if !validCoord(lat, lng) {
		return nil, common.NewValidationError("lat and lng are out of range")
	}
	if radiusKm <= 0 {
		radiusKm = s.searchRadiusKm
	}

	var out []AvailableRide
	for _, r := range s.rides.GetPendingRides() {
		d := geoindex.HaversineKm(lat, lng, r.PickupLat, r.PickupLng)
		if d > radiusKm {
			continue
		}
		out = append(out, AvailableRide{Ride: r.Redacted(), PickupDistanceKm: round2(d)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickupDistanceKm != out[j].PickupDistanceKm {
			return out[i].PickupDistanceKm < out[j].PickupDistanceKm
		}
		return out[i].RideID < out[j].RideID
	})
	return out, nil
}

// ReportDriverLocation is the single ingest point for driver position
// samples, whatever transport they arrived on. It moves the driver in
// the cell index, refreshes the active ride's live tracking, and
// broadcasts the sample.
func (s *Service) ReportDriverLocation(ctx context.Context, callerID string, lat, lng float64, heading, speed *float64) (ramen.LocationResult, error) {
	if !validCoord(lat, lng) {
		return ramen.LocationResult{}, common.NewValidationError("lat and lng are out of range")
	}

	driverID, err := s.drivers.ResolveDriverID(ctx, callerID)
	if err != nil {
		return ramen.LocationResult{}, err
	}

	result, err := s.drivers.UpdateLocation(driverID, lat, lng, heading, speed)
	if err != nil {
		return ramen.LocationResult{}, err
	}

	sample := bus.DriverLocation{
		DriverID:  driverID,
		Lat:       lat,
		Lng:       lng,
		Heading:   heading,
		Speed:     speed,
		H3Index:   result.H3Index,
		Timestamp: time.Now().UTC(),
	}
	s.bus.Publish(bus.DriverChannel(driverID), sample)
	s.bus.Publish(bus.DriverLocations, sample)

	if ride, ok := s.rides.GetDriverActiveRide(driverID); ok {
		if _, err := s.rides.UpdateRideLocation(ride.RideID, lat, lng, heading, speed); err != nil {
			logger.DebugContext(ctx, "ride location refresh skipped",
				zap.String("ride_id", ride.RideID), zap.Error(err))
		}
	}
	return result, nil
}

// TrackRide handles the per-ride tracking endpoint: ownership is
// checked against the path id, then the sample flows through the
// common ingest.
func (s *Service) TrackRide(ctx context.Context, rideID, callerID string, lat, lng float64, heading, speed *float64) (ramen.LocationResult, error) {
	if _, _, err := s.ownedRide(ctx, rideID, callerID); err != nil {
		return ramen.LocationResult{}, err
	}
	return s.ReportDriverLocation(ctx, callerID, lat, lng, heading, speed)
}

// SendChatMessage relays a chat line on the ride channel and appends
// it to the Redis history when available.
func (s *Service) SendChatMessage(ctx context.Context, rideID, callerUserID, role, text string) (bus.RideChatMessage, error) {
	if text == "" {
		return bus.RideChatMessage{}, common.NewValidationError("message is required")
	}

	ride, ok := s.rides.GetRide(rideID)
	if !ok {
		return bus.RideChatMessage{}, fireball.ErrNotFound
	}
	senderRole, err := s.partyRole(ctx, ride, callerUserID, role)
	if err != nil {
		return bus.RideChatMessage{}, err
	}

	msg := bus.RideChatMessage{
		RideID:     rideID,
		SenderID:   callerUserID,
		SenderRole: senderRole,
		Message:    text,
		SentAt:     time.Now().UTC(),
	}
	s.bus.Publish(bus.RideChannel(rideID), msg)

	if s.chat != nil {
		if err := s.chat.Append(ctx, msg); err != nil {
			logger.WarnContext(ctx, "chat history append failed",
				zap.String("ride_id", rideID), zap.Error(err))
		}
	}
	return msg, nil
}

// ChatMessages returns the ride's recent chat history, participants
// only.
func (s *Service) ChatMessages(ctx context.Context, rideID, callerUserID, role string, limit int64) ([]bus.RideChatMessage, error) {
	ride, ok := s.rides.GetRide(rideID)
	if !ok {
		return nil, fireball.ErrNotFound
	}
	if _, err := s.partyRole(ctx, ride, callerUserID, role); err != nil {
		return nil, err
	}
	if s.chat == nil {
		return nil, nil
	}
	return s.chat.History(ctx, rideID, limit)
}

// Stats summarizes the realtime plane for the ops endpoint.
func (s *Service) Stats() map[string]any {
	pending := len(s.rides.GetPendingRides())
	active := len(s.rides.GetActiveRides())
	return map[string]any{
		"transports":    s.bus.TransportHealth(),
		"pending_rides": pending,
		"active_rides":  active,
	}
}

// notify fires the transition webhook, when configured.
func (s *Service) notify(ctx context.Context, ride fireball.Ride, prev fireball.Status) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyTransition(ctx, ride, prev)
}

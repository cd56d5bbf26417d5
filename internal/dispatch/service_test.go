package dispatch

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/common"
)

func ptr(v float64) *float64 { return &v }

type delivered struct {
	channel string
	event   bus.Event
}

type captureTransport struct {
	mu     sync.Mutex
	events []delivered
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Deliver(channel string, event bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, delivered{channel: channel, event: event})
	return nil
}

// Every channel pretends to have one listener so reach audits stay quiet.
func (c *captureTransport) ChannelSize(string) int { return 1 }
func (c *captureTransport) Healthy() bool          { return true }

func (c *captureTransport) on(channel string) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, d := range c.events {
		if d.channel == channel {
			out = append(out, d.event)
		}
	}
	return out
}

type env struct {
	svc     *Service
	rides   *fireball.Store
	drivers *ramen.Store
	capture *captureTransport
}

func newEnv(t *testing.T) *env {
	t.Helper()
	geo := geoindex.New(geoindex.DefaultResolution)
	b := bus.New()
	capture := &captureTransport{}
	b.RegisterTransport(capture)

	rides := fireball.NewStore(geo, geoindex.DefaultMaxKRing, b, nil)
	drivers := ramen.NewStore(geo, geoindex.DefaultMaxKRing, nil, nil)
	svc := NewService(rides, drivers, b, geo, geoindex.DefaultMaxKRing, 10.0, 0.20, nil, nil)

	return &env{svc: svc, rides: rides, drivers: drivers, capture: capture}
}

func (e *env) addDriver(driverID, userID string, lat, lng float64) {
	e.drivers.RegisterDriver(ramen.Driver{
		DriverID:         driverID,
		UserID:           userID,
		Name:             "Driver " + driverID,
		VehicleNumber:    "DL01" + driverID,
		VehicleModel:     "Swift Dzire",
		VehicleType:      "SEDAN",
		Rating:           4.8,
		OnboardingStatus: ramen.OnboardingCompleted,
		IsActive:         true,
		IsVerified:       true,
		Lat:              ptr(lat),
		Lng:              ptr(lng),
	})
	_ = e.drivers.SetOnlineStatus(driverID, true)
}

func rideInput(passengerID string) CreateRideInput {
	return CreateRideInput{
		PassengerID:   passengerID,
		PassengerName: "Asha",
		PickupLat:     28.6139,
		PickupLng:     77.2090,
		PickupAddress: "Connaught Place",
		DropLat:       28.5355,
		DropLng:       77.3910,
		DropAddress:   "Sector 18, Noida",
		VehicleType:   "SEDAN",
		PaymentMethod: "CASH",
		Fare: fireball.Fare{
			BaseFare:        25,
			DistanceFare:    62.4,
			TimeFare:        30,
			SurgeMultiplier: 1.0,
			TotalFare:       117.4,
		},
		DistanceKm:  15.6,
		DurationMin: 42,
	}
}

// arriveAt walks a freshly accepted ride to DRIVER_ARRIVED.
func (e *env) arriveAt(t *testing.T, rideID, driverUserID string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.UpdateStatus(ctx, rideID, fireball.StatusConfirmed, driverUserID, "driver", "", "")
	require.NoError(t, err)
	_, err = e.svc.UpdateStatus(ctx, rideID, fireball.StatusDriverArrived, driverUserID, "driver", "", "")
	require.NoError(t, err)
}

func TestCreateRide_FansOutToNearbyDrivers(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	e.addDriver("drv-b", "usr-b", 28.6300, 77.2200)

	ride, err := e.svc.CreateRide(context.Background(), rideInput("pax-1"))
	require.NoError(t, err)

	assert.Equal(t, fireball.StatusPending, ride.Status)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}$`), ride.RideOtp)

	for _, driverID := range []string{"drv-a", "drv-b"} {
		events := e.capture.on(bus.DriverChannel(driverID))
		require.NotEmpty(t, events, "driver %s received no request", driverID)
		req, ok := events[len(events)-1].(bus.NewRideRequest)
		require.True(t, ok)
		assert.Equal(t, ride.RideID, req.RideID)
	}

	broadcast := e.capture.on(bus.AvailableDrivers)
	require.NotEmpty(t, broadcast)
	req, ok := broadcast[0].(bus.NewRideRequest)
	require.True(t, ok)
	assert.Equal(t, ride.RideID, req.RideID)
}

func TestCreateRide_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bad := rideInput("pax-1")
	bad.PickupLat = 99
	_, err := e.svc.CreateRide(ctx, bad)
	assert.Error(t, err)

	bad = rideInput("pax-1")
	bad.VehicleType = ""
	_, err = e.svc.CreateRide(ctx, bad)
	assert.Error(t, err)

	bad = rideInput("pax-1")
	bad.Fare.TotalFare = 0
	_, err = e.svc.CreateRide(ctx, bad)
	assert.Error(t, err)
}

func TestCreateRide_SecondActiveRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	_, err = e.svc.CreateRide(ctx, rideInput("pax-1"))
	assert.ErrorIs(t, err, fireball.ErrActiveRideExists)
}

func TestAcceptRide_WinnerAndLoser(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	e.addDriver("drv-b", "usr-b", 28.6300, 77.2200)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	won, err := e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)
	assert.Equal(t, fireball.StatusDriverAssigned, won.Status)
	assert.Equal(t, "drv-a", won.DriverID)
	assert.Empty(t, won.RideOtp, "driver response must not carry the OTP")

	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-b")
	var taken *fireball.TakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "drv-a", taken.AssignedTo)

	stored, _ := e.rides.GetRide(ride.RideID)
	assert.Equal(t, "drv-a", stored.DriverID)
}

func TestAcceptRide_NotDispatchable(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	require.NoError(t, e.drivers.SetOnlineStatus("drv-a", false))
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeDriverNotVerified, appErr.ErrorCode)
}

func TestConcurrentAccept_ExactlyOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	users := make([]string, 10)
	for i := range users {
		driverID := string(rune('a' + i))
		users[i] = "usr-" + driverID
		e.addDriver("drv-"+driverID, users[i], 28.6140, 77.2091)
	}

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, results[i] = e.svc.AcceptRide(ctx, ride.RideID, u)
		}(i, u)
	}
	wg.Wait()

	stored, _ := e.rides.GetRide(ride.RideID)
	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var taken *fireball.TakenError
		require.ErrorAs(t, err, &taken)
		assert.Equal(t, stored.DriverID, taken.AssignedTo)
	}
	assert.Equal(t, 1, wins)

	markers := 0
	for _, ev := range e.capture.on(bus.AvailableDrivers) {
		if assigned, ok := ev.(bus.DriverAssigned); ok && assigned.Taken {
			markers++
		}
	}
	assert.Equal(t, 1, markers, "exactly one taken marker on available-drivers")
}

func TestStartRide_OtpGate(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)
	e.arriveAt(t, ride.RideID, "usr-a")

	before := len(e.capture.on(bus.RideChannel(ride.RideID)))

	_, err = e.svc.StartRide(ctx, ride.RideID, "usr-a", "no")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeInvalidOtp, appErr.ErrorCode)

	stored, _ := e.rides.GetRide(ride.RideID)
	assert.Equal(t, fireball.StatusDriverArrived, stored.Status)
	assert.Len(t, e.capture.on(bus.RideChannel(ride.RideID)), before,
		"a rejected start publishes nothing")

	// The passenger reads the real OTP off the record.
	view, err := e.svc.GetRideView(ctx, ride.RideID, "pax-1", "passenger")
	require.NoError(t, err)

	started, err := e.svc.StartRide(ctx, ride.RideID, "usr-a", view.RideOtp)
	require.NoError(t, err)
	assert.Equal(t, fireball.StatusRideStarted, started.Status)
}

func TestStartRide_RequiresOwnership(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	e.addDriver("drv-b", "usr-b", 28.6300, 77.2200)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)
	e.arriveAt(t, ride.RideID, "usr-a")

	_, err = e.svc.StartRide(ctx, ride.RideID, "usr-b", "0000")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeNotParticipant, appErr.ErrorCode)
}

func TestCompleteRide_Earnings(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)
	e.arriveAt(t, ride.RideID, "usr-a")

	view, err := e.svc.GetRideView(ctx, ride.RideID, "pax-1", "passenger")
	require.NoError(t, err)
	_, err = e.svc.StartRide(ctx, ride.RideID, "usr-a", view.RideOtp)
	require.NoError(t, err)

	done, earnings, err := e.svc.CompleteRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)
	assert.Equal(t, fireball.StatusRideCompleted, done.Status)
	assert.InDelta(t, 117.4, earnings.TotalFare, 1e-9)
	assert.InDelta(t, 23.48, earnings.Commission, 1e-9)
	assert.InDelta(t, 93.92, earnings.NetAmount, 1e-9)
	assert.Equal(t, "drv-a", earnings.DriverID)
}

func TestCancelRide(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	_, err = e.svc.CancelRide(ctx, ride.RideID, "pax-2", "passenger", "changed plans")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeNotParticipant, appErr.ErrorCode)

	cancelled, err := e.svc.CancelRide(ctx, ride.RideID, "pax-1", "passenger", "changed plans")
	require.NoError(t, err)
	assert.Equal(t, fireball.StatusCancelled, cancelled.Status)
	assert.Equal(t, "passenger", cancelled.CancelledBy)

	events := e.capture.on(bus.RideChannel(ride.RideID))
	var sawCancel bool
	for _, ev := range events {
		if _, ok := ev.(bus.RideCancelled); ok {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel)
}

func TestGetRideView_OtpScope(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)

	asPassenger, err := e.svc.GetRideView(ctx, ride.RideID, "pax-1", "passenger")
	require.NoError(t, err)
	assert.NotEmpty(t, asPassenger.RideOtp)

	asDriver, err := e.svc.GetRideView(ctx, ride.RideID, "usr-a", "driver")
	require.NoError(t, err)
	assert.Empty(t, asDriver.RideOtp)

	_, err = e.svc.GetRideView(ctx, ride.RideID, "usr-stranger", "driver")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeNotParticipant, appErr.ErrorCode)
}

func TestAvailableRides(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	near, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)

	far := rideInput("pax-2")
	far.PickupLat, far.PickupLng = 19.0760, 72.8777 // Mumbai
	_, err = e.svc.CreateRide(ctx, far)
	require.NoError(t, err)

	rides, err := e.svc.AvailableRides(28.6140, 77.2091, 5)
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, near.RideID, rides[0].RideID)
	assert.Empty(t, rides[0].RideOtp, "poll fallback is driver-facing")
}

func TestReportDriverLocation(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)

	result, err := e.svc.ReportDriverLocation(ctx, "usr-a", 28.6180, 77.2150, ptr(135), ptr(22.5))
	require.NoError(t, err)
	assert.NotEmpty(t, result.H3Index)

	stored, _ := e.rides.GetRide(ride.RideID)
	require.NotNil(t, stored.DriverLat)
	assert.InDelta(t, 28.6180, *stored.DriverLat, 1e-9)

	require.NotEmpty(t, e.capture.on(bus.DriverLocations))
	driverFeed := e.capture.on(bus.DriverChannel("drv-a"))
	var sawSample bool
	for _, ev := range driverFeed {
		if loc, ok := ev.(bus.DriverLocation); ok && loc.DriverID == "drv-a" {
			sawSample = true
		}
	}
	assert.True(t, sawSample)
}

func TestTrackRide_RejectsNonOwner(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	e.addDriver("drv-b", "usr-b", 28.6300, 77.2200)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)

	_, err = e.svc.TrackRide(ctx, ride.RideID, "usr-b", 28.62, 77.21, nil, nil)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, common.CodeNotParticipant, appErr.ErrorCode)
}

func TestSendChatMessage(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	ctx := context.Background()

	ride, err := e.svc.CreateRide(ctx, rideInput("pax-1"))
	require.NoError(t, err)
	_, err = e.svc.AcceptRide(ctx, ride.RideID, "usr-a")
	require.NoError(t, err)

	msg, err := e.svc.SendChatMessage(ctx, ride.RideID, "pax-1", "passenger", "I am at gate 2")
	require.NoError(t, err)
	assert.Equal(t, "passenger", msg.SenderRole)

	_, err = e.svc.SendChatMessage(ctx, ride.RideID, "usr-stranger", "passenger", "hello")
	assert.Error(t, err)

	var sawChat bool
	for _, ev := range e.capture.on(bus.RideChannel(ride.RideID)) {
		if _, ok := ev.(bus.RideChatMessage); ok {
			sawChat = true
		}
	}
	assert.True(t, sawChat)
}

func TestComputeEarnings_Rounding(t *testing.T) {
	e := newEnv(t)
	got := e.svc.computeEarnings("r1", "d1", 99.99)
	assert.InDelta(t, 20.0, got.Commission, 1e-9)
	assert.InDelta(t, 79.99, got.NetAmount, 1e-9)
}

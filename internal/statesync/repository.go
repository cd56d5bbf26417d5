package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/ramen"
)

// PostgresRepository is the pgx-backed durable store access.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository over a pgx pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// UpsertRide writes the full ride row. Creates retried after a partial
// failure must not conflict, hence upsert semantics.
func (r *PostgresRepository) UpsertRide(ctx context.Context, ride fireball.Ride) error {
	query := `
		INSERT INTO rides (
			id, passenger_id, driver_id, status,
			pickup_lat, pickup_lng, pickup_address,
			drop_lat, drop_lng, drop_address, pickup_h3,
			base_fare, distance_fare, time_fare, surge_multiplier, total_fare,
			distance_km, duration_min, ride_otp, payment_method, vehicle_type,
			created_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			driver_id = EXCLUDED.driver_id,
			updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		ride.RideID,
		ride.PassengerID,
		ride.DriverID,
		string(ride.Status),
		ride.PickupLat,
		ride.PickupLng,
		ride.PickupAddress,
		ride.DropLat,
		ride.DropLng,
		ride.DropAddress,
		ride.PickupH3,
		ride.Fare.BaseFare,
		ride.Fare.DistanceFare,
		ride.Fare.TimeFare,
		ride.Fare.SurgeMultiplier,
		ride.Fare.TotalFare,
		ride.DistanceKm,
		ride.DurationMin,
		ride.RideOtp,
		ride.PaymentMethod,
		ride.VehicleType,
		ride.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ride: %w", err)
	}
	return nil
}

// ApplyRideStatus writes the delta of one status change. The statement
// encodes the target state, so replaying it is harmless.
func (r *PostgresRepository) ApplyRideStatus(ctx context.Context, rideID string, d fireball.StatusDelta) error {
	query := `
		UPDATE rides SET
			status = $2,
			driver_id = COALESCE(NULLIF($3, ''), driver_id),
			driver_name = COALESCE(NULLIF($4, ''), driver_name),
			vehicle_number = COALESCE(NULLIF($5, ''), vehicle_number),
			vehicle_model = COALESCE(NULLIF($6, ''), vehicle_model),
			driver_rating = CASE WHEN $7 > 0 THEN $7 ELSE driver_rating END,
			assigned_at = CASE WHEN $2 = 'DRIVER_ASSIGNED' THEN $8 ELSE assigned_at END,
			confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN $8 ELSE confirmed_at END,
			arrived_at = CASE WHEN $2 = 'DRIVER_ARRIVED' THEN $8 ELSE arrived_at END,
			started_at = CASE WHEN $2 = 'RIDE_STARTED' THEN $8 ELSE started_at END,
			completed_at = CASE WHEN $2 = 'RIDE_COMPLETED' THEN $8 ELSE completed_at END,
			cancelled_at = CASE WHEN $2 = 'CANCELLED' THEN $8 ELSE cancelled_at END,
			cancelled_by = COALESCE(NULLIF($9, ''), cancelled_by),
			cancellation_reason = COALESCE(NULLIF($10, ''), cancellation_reason),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query,
		rideID,
		string(d.Status),
		d.DriverID,
		d.DriverName,
		d.VehicleNumber,
		d.VehicleModel,
		d.DriverRating,
		d.Timestamp,
		d.CancelledBy,
		d.CancellationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to apply ride status: %w", err)
	}
	return nil
}

// InsertEarnings records the driver payout for a completed ride. The
// earnings collaborator consumes these rows downstream.
func (r *PostgresRepository) InsertEarnings(ctx context.Context, e fireball.Earnings) error {
	query := `
		INSERT INTO driver_earnings (driver_id, ride_id, total_fare, commission, net_amount, earned_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (ride_id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query, e.DriverID, e.RideID, e.TotalFare, e.Commission, e.NetAmount)
	if err != nil {
		return fmt.Errorf("failed to insert earnings: %w", err)
	}
	return nil
}

// UpdateDriver applies a coalesced driver row update.
func (r *PostgresRepository) UpdateDriver(ctx context.Context, w ramen.Write) error {
	query := `
		UPDATE drivers SET
			is_online = COALESCE($2, is_online),
			lat = COALESCE($3, lat),
			lng = COALESCE($4, lng),
			heading = COALESCE($5, heading),
			speed = COALESCE($6, speed),
			h3_index = COALESCE(NULLIF($7, ''), h3_index),
			last_active_at = $8,
			updated_at = NOW()
		WHERE id = $1
	`

	lastActive := w.LastActiveAt
	if lastActive.IsZero() {
		lastActive = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, query,
		w.DriverID,
		w.IsOnline,
		w.Lat,
		w.Lng,
		w.Heading,
		w.Speed,
		w.H3Index,
		lastActive,
	)
	if err != nil {
		return fmt.Errorf("failed to update driver: %w", err)
	}
	return nil
}

// LoadActiveDrivers returns all active drivers plus the ids of those
// marked online, for startup hydration.
func (r *PostgresRepository) LoadActiveDrivers(ctx context.Context) ([]ramen.Driver, []string, error) {
	query := `
		SELECT id, user_id, name, phone, vehicle_number, vehicle_model, vehicle_type,
		       rating, onboarding_status, is_online, is_active, is_verified,
		       lat, lng, heading, speed, last_active_at
		FROM drivers
		WHERE is_active = true
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load drivers: %w", err)
	}
	defer rows.Close()

	var drivers []ramen.Driver
	var online []string
	for rows.Next() {
		var d ramen.Driver
		var isOnline bool
		if err := rows.Scan(
			&d.DriverID, &d.UserID, &d.Name, &d.Phone,
			&d.VehicleNumber, &d.VehicleModel, &d.VehicleType,
			&d.Rating, &d.OnboardingStatus, &isOnline, &d.IsActive, &d.IsVerified,
			&d.Lat, &d.Lng, &d.Heading, &d.Speed, &d.LastActiveAt,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		drivers = append(drivers, d)
		if isOnline {
			online = append(online, d.DriverID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate drivers: %w", err)
	}
	return drivers, online, nil
}

// LoadActiveRides returns every non-terminal ride row for hydration,
// including the cached counterparty identity.
func (r *PostgresRepository) LoadActiveRides(ctx context.Context) ([]fireball.Ride, error) {
	query := `
		SELECT id, passenger_id, COALESCE(driver_id, ''), status,
		       pickup_lat, pickup_lng, COALESCE(pickup_address, ''),
		       drop_lat, drop_lng, COALESCE(drop_address, ''), COALESCE(pickup_h3, ''),
		       base_fare, distance_fare, time_fare, surge_multiplier, total_fare,
		       distance_km, duration_min, ride_otp, COALESCE(payment_method, ''), vehicle_type,
		       COALESCE(driver_name, ''), COALESCE(vehicle_number, ''),
		       COALESCE(vehicle_model, ''), COALESCE(driver_rating, 0),
		       created_at, assigned_at, confirmed_at, arrived_at, started_at
		FROM rides
		WHERE status IN ('PENDING', 'DRIVER_ASSIGNED', 'CONFIRMED', 'DRIVER_ARRIVED', 'RIDE_STARTED')
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load rides: %w", err)
	}
	defer rows.Close()

	var rides []fireball.Ride
	for rows.Next() {
		var ride fireball.Ride
		var status string
		if err := rows.Scan(
			&ride.RideID, &ride.PassengerID, &ride.DriverID, &status,
			&ride.PickupLat, &ride.PickupLng, &ride.PickupAddress,
			&ride.DropLat, &ride.DropLng, &ride.DropAddress, &ride.PickupH3,
			&ride.Fare.BaseFare, &ride.Fare.DistanceFare, &ride.Fare.TimeFare,
			&ride.Fare.SurgeMultiplier, &ride.Fare.TotalFare,
			&ride.DistanceKm, &ride.DurationMin, &ride.RideOtp, &ride.PaymentMethod, &ride.VehicleType,
			&ride.DriverName, &ride.VehicleNumber, &ride.VehicleModel, &ride.DriverRating,
			&ride.CreatedAt, &ride.AssignedAt, &ride.ConfirmedAt, &ride.ArrivedAt, &ride.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ride: %w", err)
		}
		ride.Status = fireball.Status(status)
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rides: %w", err)
	}
	return rides, nil
}

// FindDriverIDByUserID resolves a userId to its driverId, backing the
// in-memory map on a miss.
func (r *PostgresRepository) FindDriverIDByUserID(ctx context.Context, userID string) (string, error) {
	var driverID string
	err := r.db.QueryRow(ctx, `SELECT id FROM drivers WHERE user_id = $1`, userID).Scan(&driverID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve driver id: %w", err)
	}
	return driverID, nil
}

// Package ramen is the authoritative in-memory driver state store:
// presence, live location, and the H3 cell-to-driver index used for
// nearby-driver search. The database is hydrated from at startup and
// written to asynchronously; no operation here blocks on it.
package ramen

import "time"

// OnboardingCompleted is the onboarding status required for dispatch.
const OnboardingCompleted = "COMPLETED"

// Driver is a driver presence record. Identity fields change only via
// full sync; presence and location fields change through store
// operations.
type Driver struct {
	DriverID         string   `json:"driver_id"`
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	Phone            string   `json:"phone"`
	VehicleNumber    string   `json:"vehicle_number"`
	VehicleModel     string   `json:"vehicle_model"`
	VehicleType      string   `json:"vehicle_type"`
	Rating           float64  `json:"rating"`
	OnboardingStatus string   `json:"onboarding_status"`
	IsOnline         bool     `json:"is_online"`
	IsActive         bool     `json:"is_active"`
	IsVerified       bool     `json:"is_verified"`
	Lat              *float64 `json:"lat,omitempty"`
	Lng              *float64 `json:"lng,omitempty"`
	H3Index          string   `json:"h3_index,omitempty"`
	Heading          *float64 `json:"heading,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`

	LastActiveAt        time.Time `json:"last_active_at"`
	ConnectedTransports []string  `json:"connected_transports,omitempty"`
}

// Dispatchable reports whether the driver may receive ride requests.
func (d *Driver) Dispatchable() bool {
	return d.IsOnline && d.IsActive && d.IsVerified && d.OnboardingStatus == OnboardingCompleted
}

// NearbyDriver is a search hit with its distance from the query point.
type NearbyDriver struct {
	Driver
	DistanceKm float64 `json:"distance_km"`
}

// LocationResult reports the cell outcome of a location update.
type LocationResult struct {
	H3Index   string `json:"h3_index"`
	H3Changed bool   `json:"h3_changed"`
}

// WriteOp names a durable write kind for the driver flush queue.
type WriteOp string

const (
	WriteStatusChange   WriteOp = "status_change"
	WriteLocationUpdate WriteOp = "location_update"
	WriteFullSync       WriteOp = "full_sync"
)

// Write is a pending durable write handed to the sync layer. Location
// writes for the same driver are coalesced there into the latest.
type Write struct {
	DriverID     string
	Op           WriteOp
	IsOnline     *bool
	Lat          *float64
	Lng          *float64
	Heading      *float64
	Speed        *float64
	H3Index      string
	LastActiveAt time.Time
}

// EnqueueFunc accepts a pending write. It must not block.
type EnqueueFunc func(Write)

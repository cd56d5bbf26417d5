package ramen

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

var (
	// ErrNotRegistered is returned for operations on unknown drivers.
	ErrNotRegistered = errors.New("driver not registered")
)

// UserLookup resolves a userId to its driverId from the durable store
// when the in-memory map misses.
type UserLookup interface {
	FindDriverIDByUserID(ctx context.Context, userID string) (string, error)
}

// entry wraps a driver record with its own lock so location updates
// for different drivers never contend.
type entry struct {
	mu         sync.Mutex
	driver     Driver
	transports map[string]struct{}
}

// Store holds every known driver and the H3 cell index. Reads take the
// store lock briefly to find the entry, then operate under the entry's
// own lock.
type Store struct {
	mu        sync.RWMutex
	drivers   map[string]*entry
	userIndex map[string]string // userId -> driverId

	cellMu sync.RWMutex
	cells  map[string]map[string]struct{} // h3Index -> set of driverId

	geo     *geoindex.Index
	maxK    int
	enqueue EnqueueFunc
	lookup  UserLookup
}

// NewStore creates an empty store. enqueue and lookup may be nil in
// tests; a nil enqueue drops writes.
func NewStore(geo *geoindex.Index, maxK int, enqueue EnqueueFunc, lookup UserLookup) *Store {
	if enqueue == nil {
		enqueue = func(Write) {}
	}
	return &Store{
		drivers:   make(map[string]*entry),
		userIndex: make(map[string]string),
		cells:     make(map[string]map[string]struct{}),
		geo:       geo,
		maxK:      maxK,
		enqueue:   enqueue,
		lookup:    lookup,
	}
}

// RegisterDriver inserts a new driver or merges identity fields into
// an existing one. It indexes the driver's cell when coordinates are
// present. It never flips isOnline on its own; going online is an
// explicit application decision.
func (s *Store) RegisterDriver(d Driver) {
	s.mu.Lock()
	e, exists := s.drivers[d.DriverID]
	if !exists {
		e = &entry{transports: make(map[string]struct{})}
		s.drivers[d.DriverID] = e
	}
	if d.UserID != "" {
		s.userIndex[d.UserID] = d.DriverID
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	wasOnline := e.driver.IsOnline
	oldCell := e.driver.H3Index

	merged := d
	merged.IsOnline = wasOnline
	merged.H3Index = oldCell
	if merged.LastActiveAt.IsZero() {
		merged.LastActiveAt = time.Now().UTC()
	}
	if d.Lat == nil || d.Lng == nil {
		// Keep the last known position on identity-only syncs.
		merged.Lat = e.driver.Lat
		merged.Lng = e.driver.Lng
		merged.Heading = e.driver.Heading
		merged.Speed = e.driver.Speed
	} else {
		merged.H3Index = s.geo.Encode(*d.Lat, *d.Lng)
	}
	e.driver = merged

	if merged.H3Index != oldCell {
		s.moveCell(d.DriverID, oldCell, merged.H3Index)
	}
}

// RestoreOnline marks a hydrated driver online without queueing a
// durable write; the database already holds this state.
func (s *Store) RestoreOnline(driverID string) error {
	e, ok := s.get(driverID)
	if !ok {
		return ErrNotRegistered
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.driver.IsOnline {
		e.driver.IsOnline = true
		metrics.OnlineDrivers.Inc()
	}
	return nil
}

// SetOnlineStatus toggles the online flag and queues a status write.
// Going offline keeps the driver's cell index entry: the last known
// location stays queryable for heatmaps.
func (s *Store) SetOnlineStatus(driverID string, online bool) error {
	e, ok := s.get(driverID)
	if !ok {
		return ErrNotRegistered
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driver.IsOnline != online {
		if online {
			metrics.OnlineDrivers.Inc()
		} else {
			metrics.OnlineDrivers.Dec()
		}
	}
	e.driver.IsOnline = online
	e.driver.LastActiveAt = time.Now().UTC()

	s.enqueue(Write{
		DriverID:     driverID,
		Op:           WriteStatusChange,
		IsOnline:     &online,
		LastActiveAt: e.driver.LastActiveAt,
	})
	return nil
}

// UpdateLocation writes a location sample, recomputing the H3 cell and
// moving the cell index entry atomically when the cell changed. The
// durable write is coalesced by the sync layer's flush window.
func (s *Store) UpdateLocation(driverID string, lat, lng float64, heading, speed *float64) (LocationResult, error) {
	e, ok := s.get(driverID)
	if !ok {
		return LocationResult{}, ErrNotRegistered
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	newCell := s.geo.Encode(lat, lng)
	oldCell := e.driver.H3Index
	changed := newCell != oldCell

	e.driver.Lat = &lat
	e.driver.Lng = &lng
	if heading != nil {
		e.driver.Heading = heading
	}
	if speed != nil {
		e.driver.Speed = speed
	}
	e.driver.H3Index = newCell
	e.driver.LastActiveAt = time.Now().UTC()

	if changed {
		s.moveCell(driverID, oldCell, newCell)
	}

	s.enqueue(Write{
		DriverID:     driverID,
		Op:           WriteLocationUpdate,
		Lat:          &lat,
		Lng:          &lng,
		Heading:      heading,
		Speed:        speed,
		H3Index:      newCell,
		LastActiveAt: e.driver.LastActiveAt,
	})

	return LocationResult{H3Index: newCell, H3Changed: changed}, nil
}

// FindNearbyDrivers searches outward ring by ring from the query
// point, stopping at the first ring with any dispatchable candidate.
// The dispatchable and vehicle-type filters run inside the probe:
// offline drivers keep their cell index entry, and a ring occupied
// only by them must not terminate the expansion. Results are sorted
// by distance, ties broken on driverId so fan-out is deterministic.
func (s *Store) FindNearbyDrivers(lat, lng, radiusKm float64, vehicleType string) []NearbyDriver {
	candidateIDs := s.geo.FindExpanding(lat, lng, s.maxK, func(cells []string) []string {
		return s.dispatchableInCells(cells, vehicleType)
	})
	return s.withinRadius(lat, lng, radiusKm, candidateIDs)
}

// DispatchCandidates returns every dispatchable driver within radiusKm
// of the point, scanning the full k-ring disk. Ride fan-out must reach
// all eligible drivers, so unlike FindNearbyDrivers there is no early
// stop at the first occupied ring.
func (s *Store) DispatchCandidates(lat, lng, radiusKm float64, vehicleType string) []NearbyDriver {
	cells := s.geo.KRingAt(lat, lng, s.maxK)
	return s.withinRadius(lat, lng, radiusKm, s.dispatchableInCells(cells, vehicleType))
}

// dispatchableInCells returns the ids indexed under the given cells
// that satisfy the dispatchable predicate and the optional vehicle
// type.
func (s *Store) dispatchableInCells(cells []string, vehicleType string) []string {
	var ids []string
	for _, id := range s.driversInCells(cells) {
		e, ok := s.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		d := e.driver
		e.mu.Unlock()

		if !d.Dispatchable() || d.Lat == nil || d.Lng == nil {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) withinRadius(lat, lng, radiusKm float64, ids []string) []NearbyDriver {
	if len(ids) == 0 {
		return nil
	}

	nearby := make([]NearbyDriver, 0, len(ids))
	for _, id := range ids {
		e, ok := s.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		d := e.driver
		e.mu.Unlock()

		if d.Lat == nil || d.Lng == nil {
			continue
		}
		dist := geoindex.HaversineKm(lat, lng, *d.Lat, *d.Lng)
		if dist > radiusKm {
			continue
		}
		nearby = append(nearby, NearbyDriver{Driver: d, DistanceKm: dist})
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].DistanceKm != nearby[j].DistanceKm {
			return nearby[i].DistanceKm < nearby[j].DistanceKm
		}
		return nearby[i].DriverID < nearby[j].DriverID
	})
	return nearby
}

// ResolveDriverID accepts either a driverId or a userId and returns
// the driverId. Socket and stream clients present JWT-derived user
// ids; they must never name dispatch channels directly, so resolution
// happens here at the edge. A memory miss falls through to the
// durable store and caches the mapping.
func (s *Store) ResolveDriverID(ctx context.Context, inputID string) (string, error) {
	s.mu.RLock()
	if _, ok := s.drivers[inputID]; ok {
		s.mu.RUnlock()
		return inputID, nil
	}
	if driverID, ok := s.userIndex[inputID]; ok {
		s.mu.RUnlock()
		return driverID, nil
	}
	s.mu.RUnlock()

	if s.lookup == nil {
		return "", ErrNotRegistered
	}
	driverID, err := s.lookup.FindDriverIDByUserID(ctx, inputID)
	if err != nil || driverID == "" {
		return "", ErrNotRegistered
	}

	s.mu.Lock()
	s.userIndex[inputID] = driverID
	s.mu.Unlock()
	return driverID, nil
}

// AddTransport records a live connection for the driver.
func (s *Store) AddTransport(driverID, transportName string) error {
	e, ok := s.get(driverID)
	if !ok {
		return ErrNotRegistered
	}

	e.mu.Lock()
	e.transports[transportName] = struct{}{}
	online := e.driver.IsOnline
	e.driver.ConnectedTransports = transportNames(e.transports)
	e.mu.Unlock()

	if !online {
		// Connected but not online: transports only attach to
		// dispatchable drivers, so this state is an inconsistency.
		metrics.P0Inconsistencies.WithLabelValues("transport_without_online").Inc()
		logger.P0("driver has connected transports but is not online",
			zap.String("driver_id", driverID),
			zap.String("transport", transportName),
		)
	}
	return nil
}

// RemoveTransport drops a connection. Losing the last transport does
// NOT flip isOnline: online is an application-layer decision, not a
// connection artifact.
func (s *Store) RemoveTransport(driverID, transportName string) error {
	e, ok := s.get(driverID)
	if !ok {
		return ErrNotRegistered
	}
	e.mu.Lock()
	delete(e.transports, transportName)
	e.driver.ConnectedTransports = transportNames(e.transports)
	e.mu.Unlock()
	return nil
}

// GetDriver returns a copy of the record.
func (s *Store) GetDriver(driverID string) (Driver, bool) {
	e, ok := s.get(driverID)
	if !ok {
		return Driver{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver, true
}

// OnlineCount reports the number of drivers currently marked online.
func (s *Store) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.drivers {
		e.mu.Lock()
		if e.driver.IsOnline {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// AuditCellIndex sweeps the cell index against the primary records and
// reports mismatches. Any mismatch is a P0: the two structures are
// supposed to move in lockstep.
func (s *Store) AuditCellIndex() int {
	s.cellMu.RLock()
	snapshot := make(map[string][]string, len(s.cells))
	for cell, ids := range s.cells {
		for id := range ids {
			snapshot[cell] = append(snapshot[cell], id)
		}
	}
	s.cellMu.RUnlock()

	mismatches := 0
	for cell, ids := range snapshot {
		for _, id := range ids {
			e, ok := s.get(id)
			if !ok {
				mismatches++
				continue
			}
			e.mu.Lock()
			actual := e.driver.H3Index
			e.mu.Unlock()
			if actual != cell {
				mismatches++
				metrics.P0Inconsistencies.WithLabelValues("cell_index_mismatch").Inc()
				logger.P0("cell index entry disagrees with driver record",
					zap.String("driver_id", id),
					zap.String("indexed_cell", cell),
					zap.String("driver_cell", actual),
				)
			}
		}
	}
	return mismatches
}

// DriversInCell returns the ids indexed under a cell.
func (s *Store) DriversInCell(h3Index string) []string {
	return s.driversInCells([]string{h3Index})
}

func (s *Store) get(driverID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.drivers[driverID]
	return e, ok
}

func (s *Store) driversInCells(cells []string) []string {
	s.cellMu.RLock()
	defer s.cellMu.RUnlock()

	var ids []string
	for _, cell := range cells {
		for id := range s.cells[cell] {
			ids = append(ids, id)
		}
	}
	return ids
}

// moveCell swaps a driver's cell index entry. Remove-then-add under
// the cell lock so no probe ever sees the driver in both cells.
func (s *Store) moveCell(driverID, oldCell, newCell string) {
	s.cellMu.Lock()
	defer s.cellMu.Unlock()

	if oldCell != "" {
		if set, ok := s.cells[oldCell]; ok {
			delete(set, driverID)
			if len(set) == 0 {
				delete(s.cells, oldCell)
			}
		}
	}
	if newCell != "" {
		set, ok := s.cells[newCell]
		if !ok {
			set = make(map[string]struct{})
			s.cells[newCell] = set
		}
		set[driverID] = struct{}{}
	}
}

func transportNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

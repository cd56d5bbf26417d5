// Package statesync bridges the in-memory stores and the durable
// store: startup hydration, batched flush of dirty state, and the
// retry policy for failed writes. In-memory truth never waits on the
// database; a write that exhausts its retries is dropped with a P0.
package statesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

const (
	maxRetries    = 3
	rideQueueSize = 1024

	// slowWriteThreshold triggers a watchdog warning; writes have no
	// hard timeout.
	slowWriteThreshold = 5 * time.Second
)

// Repository is the durable-store access the syncer needs. The core
// treats its rows as read-on-hydration, write-on-state-change.
type Repository interface {
	UpsertRide(ctx context.Context, r fireball.Ride) error
	ApplyRideStatus(ctx context.Context, rideID string, d fireball.StatusDelta) error
	InsertEarnings(ctx context.Context, e fireball.Earnings) error
	UpdateDriver(ctx context.Context, w ramen.Write) error
	LoadActiveDrivers(ctx context.Context) ([]ramen.Driver, []string, error)
	LoadActiveRides(ctx context.Context) ([]fireball.Ride, error)
	FindDriverIDByUserID(ctx context.Context, userID string) (string, error)
}

type rideItem struct {
	write       fireball.Write
	enqueuedAt  time.Time
	retryCount  int
	nextAttempt time.Time
}

type driverItem struct {
	write      ramen.Write
	enqueuedAt time.Time
	retryCount int
}

// Syncer owns the two flush loops and the hydration path.
type Syncer struct {
	repo  Repository
	rides *fireball.Store
	ramen *ramen.Store

	rideFlushEvery   time.Duration
	driverFlushEvery time.Duration

	accepting atomic.Bool

	rideQ       chan rideItem
	rideRetryMu sync.Mutex
	rideRetries []rideItem

	driverMu      sync.Mutex
	driverPending map[string]*driverItem
	driverRetries []driverItem

	done chan struct{}
}

// New builds a syncer. Construct it first, hand EnqueueRide and
// EnqueueDriver to the stores, then Bind the stores back for sync
// acknowledgements and hydration.
func New(repo Repository, rideFlushEvery, driverFlushEvery time.Duration) *Syncer {
	s := &Syncer{
		repo:             repo,
		rideFlushEvery:   rideFlushEvery,
		driverFlushEvery: driverFlushEvery,
		rideQ:            make(chan rideItem, rideQueueSize),
		driverPending:    make(map[string]*driverItem),
		done:             make(chan struct{}),
	}
	s.accepting.Store(true)
	return s
}

// Bind attaches the in-memory stores. Must happen before Hydrate or
// Start.
func (s *Syncer) Bind(rides *fireball.Store, drivers *ramen.Store) {
	s.rides = rides
	s.ramen = drivers
}

// EnqueueRide accepts a pending ride write. Never blocks; a full queue
// drops the write with a P0.
func (s *Syncer) EnqueueRide(w fireball.Write) {
	if !s.accepting.Load() {
		return
	}
	select {
	case s.rideQ <- rideItem{write: w, enqueuedAt: time.Now().UTC()}:
		metrics.WriteQueueDepth.WithLabelValues("ride").Set(float64(len(s.rideQ)))
	default:
		metrics.DroppedWrites.WithLabelValues("ride").Inc()
		logger.P0("ride write queue full, write dropped",
			zap.String("ride_id", w.RideID),
			zap.String("op", string(w.Op)),
		)
	}
}

// EnqueueDriver accepts a pending driver write. Writes for the same
// driver coalesce field-wise into one row update per flush window.
func (s *Syncer) EnqueueDriver(w ramen.Write) {
	if !s.accepting.Load() {
		return
	}
	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	if existing, ok := s.driverPending[w.DriverID]; ok {
		existing.write = mergeDriverWrites(existing.write, w)
	} else {
		s.driverPending[w.DriverID] = &driverItem{write: w, enqueuedAt: time.Now().UTC()}
	}
	metrics.WriteQueueDepth.WithLabelValues("driver").Set(float64(len(s.driverPending)))
}

// Hydrate loads durable state into the in-memory stores. A hydration
// failure is fatal for the process: a partial load is never accepted.
// Hydrated records enter not-dirty, so hydration alone queues nothing.
func (s *Syncer) Hydrate(ctx context.Context) error {
	drivers, onlineIDs, err := s.repo.LoadActiveDrivers(ctx)
	if err != nil {
		return err
	}
	for _, d := range drivers {
		s.ramen.RegisterDriver(d)
	}
	for _, id := range onlineIDs {
		if err := s.ramen.RestoreOnline(id); err != nil {
			logger.Warn("hydrated online driver missing from store", zap.String("driver_id", id))
		}
	}

	rides, err := s.repo.LoadActiveRides(ctx)
	if err != nil {
		return err
	}
	for _, r := range rides {
		s.rides.InsertHydrated(r)
	}

	logger.Info("hydration complete",
		zap.Int("drivers", len(drivers)),
		zap.Int("online_drivers", len(onlineIDs)),
		zap.Int("active_rides", len(rides)),
	)
	return nil
}

// Start runs both flush loops until the context ends, then drains.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		rideTicker := time.NewTicker(s.rideFlushEvery)
		driverTicker := time.NewTicker(s.driverFlushEvery)
		defer rideTicker.Stop()
		defer driverTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.Drain()
				return
			case <-rideTicker.C:
				s.FlushRides(context.Background())
			case <-driverTicker.C:
				s.FlushDrivers(context.Background())
			}
		}
	}()
}

// Drain stops intake and synchronously flushes everything left. Used
// at graceful shutdown.
func (s *Syncer) Drain() {
	s.accepting.Store(false)
	ctx := context.Background()
	for len(s.rideQ) > 0 || s.pendingRetryCount() > 0 {
		s.FlushRides(ctx)
	}
	for s.pendingDriverCount() > 0 {
		s.FlushDrivers(ctx)
	}
	logger.Info("write queues drained")
}

// Done closes after the flush loop has exited.
func (s *Syncer) Done() <-chan struct{} { return s.done }

// FlushRides drains the ride queue plus any due retries and applies
// each write. Exported for tests; the flush loop calls it on a timer.
func (s *Syncer) FlushRides(ctx context.Context) {
	now := time.Now().UTC()

	var items []rideItem
	s.rideRetryMu.Lock()
	var later []rideItem
	for _, it := range s.rideRetries {
		if it.nextAttempt.After(now) && s.accepting.Load() {
			later = append(later, it)
		} else {
			items = append(items, it)
		}
	}
	s.rideRetries = later
	s.rideRetryMu.Unlock()

	for {
		select {
		case it := <-s.rideQ:
			items = append(items, it)
			continue
		default:
		}
		break
	}

	for _, it := range items {
		s.applyRideWrite(ctx, it)
	}

	s.rideRetryMu.Lock()
	depth := len(s.rideQ) + len(s.rideRetries)
	s.rideRetryMu.Unlock()
	metrics.WriteQueueDepth.WithLabelValues("ride").Set(float64(depth))
}

func (s *Syncer) applyRideWrite(ctx context.Context, it rideItem) {
	start := time.Now()
	err := s.applyRide(ctx, it.write)
	if d := time.Since(start); d > slowWriteThreshold {
		logger.Warn("slow durable write",
			zap.String("ride_id", it.write.RideID),
			zap.Duration("took", d),
		)
	}

	if err == nil {
		if s.rides != nil {
			s.rides.MarkSynced(it.write.RideID, it.write.Version)
		}
		return
	}

	it.retryCount++
	if it.retryCount >= maxRetries {
		metrics.DroppedWrites.WithLabelValues("ride").Inc()
		logger.P0("ride write dropped after final retry",
			zap.String("ride_id", it.write.RideID),
			zap.String("op", string(it.write.Op)),
			zap.Error(err),
		)
		return
	}
	it.nextAttempt = time.Now().UTC().Add(backoff(it.retryCount))
	s.rideRetryMu.Lock()
	s.rideRetries = append(s.rideRetries, it)
	s.rideRetryMu.Unlock()
	logger.Warn("ride write failed, scheduled for retry",
		zap.String("ride_id", it.write.RideID),
		zap.Int("retry", it.retryCount),
		zap.Error(err),
	)
}

func (s *Syncer) applyRide(ctx context.Context, w fireball.Write) error {
	switch w.Op {
	case fireball.WriteCreate:
		return s.repo.UpsertRide(ctx, *w.Create)
	case fireball.WriteStatusChange:
		if err := s.repo.ApplyRideStatus(ctx, w.RideID, *w.Delta); err != nil {
			return err
		}
		if w.Delta.Earnings != nil {
			return s.repo.InsertEarnings(ctx, *w.Delta.Earnings)
		}
		return nil
	}
	return nil
}

// FlushDrivers applies one coalesced row update per pending driver.
func (s *Syncer) FlushDrivers(ctx context.Context) {
	s.driverMu.Lock()
	items := make([]driverItem, 0, len(s.driverPending)+len(s.driverRetries))
	for _, it := range s.driverPending {
		items = append(items, *it)
	}
	s.driverPending = make(map[string]*driverItem)
	items = append(items, s.driverRetries...)
	s.driverRetries = nil
	s.driverMu.Unlock()

	for _, it := range items {
		if err := s.repo.UpdateDriver(ctx, it.write); err != nil {
			it.retryCount++
			if it.retryCount >= maxRetries {
				metrics.DroppedWrites.WithLabelValues("driver").Inc()
				logger.P0("driver write dropped after final retry",
					zap.String("driver_id", it.write.DriverID),
					zap.Error(err),
				)
				continue
			}
			s.driverMu.Lock()
			s.driverRetries = append(s.driverRetries, it)
			s.driverMu.Unlock()
		}
	}

	s.driverMu.Lock()
	depth := len(s.driverPending) + len(s.driverRetries)
	s.driverMu.Unlock()
	metrics.WriteQueueDepth.WithLabelValues("driver").Set(float64(depth))
}

func (s *Syncer) pendingRetryCount() int {
	s.rideRetryMu.Lock()
	defer s.rideRetryMu.Unlock()
	return len(s.rideRetries)
}

func (s *Syncer) pendingDriverCount() int {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	return len(s.driverPending) + len(s.driverRetries)
}

func backoff(retry int) time.Duration {
	return time.Second << uint(retry-1)
}

// mergeDriverWrites folds a newer write into an older pending one,
// keeping the latest value per field.
func mergeDriverWrites(old, next ramen.Write) ramen.Write {
	merged := old
	merged.Op = next.Op
	if next.IsOnline != nil {
		merged.IsOnline = next.IsOnline
	}
	if next.Lat != nil && next.Lng != nil {
		merged.Lat = next.Lat
		merged.Lng = next.Lng
		merged.H3Index = next.H3Index
	}
	if next.Heading != nil {
		merged.Heading = next.Heading
	}
	if next.Speed != nil {
		merged.Speed = next.Speed
	}
	if next.LastActiveAt.After(merged.LastActiveAt) {
		merged.LastActiveAt = next.LastActiveAt
	}
	return merged
}

package ramen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raahi/dispatch/internal/geoindex"
)

type fakeLookup struct {
	byUser map[string]string
	calls  int
}

func (f *fakeLookup) FindDriverIDByUserID(_ context.Context, userID string) (string, error) {
	f.calls++
	if id, ok := f.byUser[userID]; ok {
		return id, nil
	}
	return "", errors.New("no rows")
}

func ptr(v float64) *float64 { return &v }

func dispatchableDriver(id, userID string, lat, lng float64) Driver {
	return Driver{
		DriverID:         id,
		UserID:           userID,
		Name:             "Driver " + id,
		VehicleType:      "SEDAN",
		OnboardingStatus: OnboardingCompleted,
		IsActive:         true,
		IsVerified:       true,
		Lat:              ptr(lat),
		Lng:              ptr(lng),
	}
}

func newTestStore(enqueue EnqueueFunc, lookup UserLookup) *Store {
	return NewStore(geoindex.New(geoindex.DefaultResolution), geoindex.DefaultMaxKRing, enqueue, lookup)
}

func TestRegisterDriver_IndexesCellAndNeverSetsOnline(t *testing.T) {
	s := newTestStore(nil, nil)
	d := dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090)
	d.IsOnline = true // register must ignore this
	s.RegisterDriver(d)

	got, ok := s.GetDriver("drv-a")
	require.True(t, ok)
	assert.False(t, got.IsOnline)
	require.NotEmpty(t, got.H3Index)
	assert.Contains(t, s.DriversInCell(got.H3Index), "drv-a")
}

func TestRegisterDriver_MergePreservesPresence(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))
	require.NoError(t, s.SetOnlineStatus("drv-a", true))

	// Identity-only sync: no coordinates supplied.
	s.RegisterDriver(Driver{DriverID: "drv-a", UserID: "usr-a", Name: "Renamed", Rating: 4.8,
		VehicleType: "SEDAN", OnboardingStatus: OnboardingCompleted, IsActive: true, IsVerified: true})

	got, _ := s.GetDriver("drv-a")
	assert.Equal(t, "Renamed", got.Name)
	assert.True(t, got.IsOnline)
	require.NotNil(t, got.Lat)
	assert.Equal(t, 28.6139, *got.Lat)
	assert.NotEmpty(t, got.H3Index)
}

func TestSetOnlineStatus_OfflineKeepsCellEntry(t *testing.T) {
	var writes []Write
	s := newTestStore(func(w Write) { writes = append(writes, w) }, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))

	require.NoError(t, s.SetOnlineStatus("drv-a", true))
	require.NoError(t, s.SetOnlineStatus("drv-a", false))

	got, _ := s.GetDriver("drv-a")
	assert.False(t, got.IsOnline)
	// Last known position stays queryable after going offline.
	assert.Contains(t, s.DriversInCell(got.H3Index), "drv-a")

	require.Len(t, writes, 2)
	assert.Equal(t, WriteStatusChange, writes[0].Op)
	assert.True(t, *writes[0].IsOnline)
	assert.False(t, *writes[1].IsOnline)
}

func TestSetOnlineStatus_UnknownDriver(t *testing.T) {
	s := newTestStore(nil, nil)
	assert.ErrorIs(t, s.SetOnlineStatus("ghost", true), ErrNotRegistered)
}

func TestUpdateLocation_MovesBetweenCells(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))
	before, _ := s.GetDriver("drv-a")
	oldCell := before.H3Index

	// ~3 km away, guaranteed to land in another resolution-8 cell.
	res, err := s.UpdateLocation("drv-a", 28.6340, 77.2310, ptr(90.0), ptr(35.0))
	require.NoError(t, err)
	assert.True(t, res.H3Changed)
	assert.NotEqual(t, oldCell, res.H3Index)

	assert.NotContains(t, s.DriversInCell(oldCell), "drv-a")
	assert.Contains(t, s.DriversInCell(res.H3Index), "drv-a")

	got, _ := s.GetDriver("drv-a")
	assert.Equal(t, res.H3Index, got.H3Index)
	assert.Equal(t, 35.0, *got.Speed)
}

func TestUpdateLocation_SameCellNoChange(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))

	res, err := s.UpdateLocation("drv-a", 28.61391, 77.20901, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.H3Changed)
}

func TestUpdateLocation_UnknownDriverCreatesNoState(t *testing.T) {
	s := newTestStore(nil, nil)
	_, err := s.UpdateLocation("ghost", 28.6139, 77.2090, nil, nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, ok := s.GetDriver("ghost")
	assert.False(t, ok)
}

func TestFindNearbyDrivers_FiltersAndSorts(t *testing.T) {
	s := newTestStore(nil, nil)

	near := dispatchableDriver("drv-near", "usr-1", 28.6140, 77.2091)
	far := dispatchableDriver("drv-far", "usr-2", 28.6300, 77.2200)
	offline := dispatchableDriver("drv-offline", "usr-3", 28.6141, 77.2092)
	bike := dispatchableDriver("drv-bike", "usr-4", 28.6142, 77.2093)
	bike.VehicleType = "BIKE"

	for _, d := range []Driver{near, far, offline, bike} {
		s.RegisterDriver(d)
	}
	for _, id := range []string{"drv-near", "drv-far", "drv-offline", "drv-bike"} {
		require.NoError(t, s.SetOnlineStatus(id, true))
	}
	require.NoError(t, s.SetOnlineStatus("drv-offline", false))

	got := s.FindNearbyDrivers(28.6139, 77.2090, 10, "SEDAN")

	ids := make([]string, len(got))
	for i, n := range got {
		ids[i] = n.DriverID
	}
	assert.NotContains(t, ids, "drv-offline")
	assert.NotContains(t, ids, "drv-bike")
	assert.Contains(t, ids, "drv-near")

	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}
}

func TestFindNearbyDrivers_OfflineExcludedUntilOnlineAgain(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6140, 77.2091))
	require.NoError(t, s.SetOnlineStatus("drv-a", true))
	require.NotEmpty(t, s.FindNearbyDrivers(28.6139, 77.2090, 10, ""))

	require.NoError(t, s.SetOnlineStatus("drv-a", false))
	assert.Empty(t, s.FindNearbyDrivers(28.6139, 77.2090, 10, ""))

	require.NoError(t, s.SetOnlineStatus("drv-a", true))
	assert.NotEmpty(t, s.FindNearbyDrivers(28.6139, 77.2090, 10, ""))
}

func TestFindNearbyDrivers_OfflineRingDoesNotMaskFartherDrivers(t *testing.T) {
	s := newTestStore(nil, nil)

	// Offline driver sits in the pickup cell; its index entry is kept
	// on purpose. An online driver waits ~1.2 km out.
	s.RegisterDriver(dispatchableDriver("drv-offline", "usr-1", 28.6140, 77.2091))
	s.RegisterDriver(dispatchableDriver("drv-online", "usr-2", 28.6240, 77.2150))
	require.NoError(t, s.SetOnlineStatus("drv-online", true))

	got := s.FindNearbyDrivers(28.6139, 77.2090, 5.0, "")

	require.Len(t, got, 1)
	assert.Equal(t, "drv-online", got[0].DriverID)
}

func TestDispatchCandidates_ReachesAllEligibleInRange(t *testing.T) {
	s := newTestStore(nil, nil)

	near := dispatchableDriver("drv-a", "usr-1", 28.6140, 77.2091)
	far := dispatchableDriver("drv-b", "usr-2", 28.6300, 77.2200)
	offline := dispatchableDriver("drv-offline", "usr-3", 28.6150, 77.2100)

	for _, d := range []Driver{near, far, offline} {
		s.RegisterDriver(d)
	}
	require.NoError(t, s.SetOnlineStatus("drv-a", true))
	require.NoError(t, s.SetOnlineStatus("drv-b", true))

	got := s.DispatchCandidates(28.6139, 77.2090, 10, "SEDAN")

	ids := make([]string, len(got))
	for i, n := range got {
		ids[i] = n.DriverID
	}
	// The nearest occupied ring must not cut the scan short: drv-b at
	// ~2.1 km is notified alongside drv-a.
	assert.Equal(t, []string{"drv-a", "drv-b"}, ids)
}

func TestResolveDriverID(t *testing.T) {
	lookup := &fakeLookup{byUser: map[string]string{"usr-db": "drv-db"}}
	s := newTestStore(nil, lookup)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))

	// Already a driverId.
	id, err := s.ResolveDriverID(context.Background(), "drv-a")
	require.NoError(t, err)
	assert.Equal(t, "drv-a", id)

	// Known userId via the in-memory map.
	id, err = s.ResolveDriverID(context.Background(), "usr-a")
	require.NoError(t, err)
	assert.Equal(t, "drv-a", id)
	assert.Zero(t, lookup.calls)

	// Miss falls through to the durable store and caches.
	id, err = s.ResolveDriverID(context.Background(), "usr-db")
	require.NoError(t, err)
	assert.Equal(t, "drv-db", id)
	assert.Equal(t, 1, lookup.calls)

	_, err = s.ResolveDriverID(context.Background(), "usr-db")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls, "second resolve must hit the cache")

	_, err = s.ResolveDriverID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestTransports_DisconnectDoesNotImplyOffline(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6140, 77.2091))
	require.NoError(t, s.SetOnlineStatus("drv-a", true))

	require.NoError(t, s.AddTransport("drv-a", "socket"))
	require.NoError(t, s.AddTransport("drv-a", "sse"))

	got, _ := s.GetDriver("drv-a")
	assert.ElementsMatch(t, []string{"socket", "sse"}, got.ConnectedTransports)

	require.NoError(t, s.RemoveTransport("drv-a", "socket"))
	require.NoError(t, s.RemoveTransport("drv-a", "sse"))

	got, _ = s.GetDriver("drv-a")
	assert.Empty(t, got.ConnectedTransports)
	assert.True(t, got.IsOnline, "dropping the last transport must not toggle online")
	assert.NotEmpty(t, s.FindNearbyDrivers(28.6139, 77.2090, 10, ""))
}

func TestAuditCellIndex_CleanStore(t *testing.T) {
	s := newTestStore(nil, nil)
	s.RegisterDriver(dispatchableDriver("drv-a", "usr-a", 28.6139, 77.2090))
	s.RegisterDriver(dispatchableDriver("drv-b", "usr-b", 28.6300, 77.2200))
	_, err := s.UpdateLocation("drv-a", 28.6340, 77.2310, nil, nil)
	require.NoError(t, err)

	assert.Zero(t, s.AuditCellIndex())
}

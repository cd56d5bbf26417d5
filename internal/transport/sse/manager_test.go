package sse

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raahi/dispatch/internal/bus"
)

func recv(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case frame := <-c.Send:
		return string(frame)
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func frameID(t *testing.T, frame string) int64 {
	t.Helper()
	for _, line := range strings.Split(frame, "\n") {
		if rest, ok := strings.CutPrefix(line, "id: "); ok {
			id, err := strconv.ParseInt(rest, 10, 64)
			require.NoError(t, err)
			return id
		}
	}
	t.Fatalf("frame has no id line: %q", frame)
	return 0
}

func TestDeliver_FrameFormat(t *testing.T) {
	m := NewManager()
	c := m.Connect("", bus.RideChannel("ride-1"))
	defer m.Disconnect(c)

	err := m.Deliver(bus.RideChannel("ride-1"), bus.RideStatusUpdate{RideID: "ride-1", Status: "PENDING"})
	require.NoError(t, err)

	frame := recv(t, c)
	assert.Contains(t, frame, "id: 1\n")
	assert.Contains(t, frame, "event: ride_status_update\n")
	assert.Contains(t, frame, `data: {"ride_id":"ride-1"`)
	assert.True(t, strings.HasSuffix(frame, "\n\n"), "frame must end with a blank line")
}

func TestDeliver_MonotoneIDs(t *testing.T) {
	m := NewManager()
	c := m.Connect("", bus.RideChannel("ride-1"))
	defer m.Disconnect(c)

	var last int64
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Deliver(bus.RideChannel("ride-1"), bus.RideStatusUpdate{RideID: "ride-1"}))
		id := frameID(t, recv(t, c))
		assert.Greater(t, id, last)
		last = id
	}
}

func TestDeliver_OnlySubscribedChannel(t *testing.T) {
	m := NewManager()
	a := m.Connect("", bus.RideChannel("ride-1"))
	b := m.Connect("", bus.RideChannel("ride-2"))
	defer m.Disconnect(a)
	defer m.Disconnect(b)

	require.NoError(t, m.Deliver(bus.RideChannel("ride-1"), bus.RideStatusUpdate{RideID: "ride-1"}))

	recv(t, a)
	select {
	case f := <-b.Send:
		t.Fatalf("unsubscribed client received frame: %s", f)
	default:
	}
}

func TestDeliver_SlowClientDropsNotBlocks(t *testing.T) {
	m := NewManager()
	c := m.Connect("", bus.AvailableDrivers)
	defer m.Disconnect(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBufferSize*2; i++ {
			_ = m.Deliver(bus.AvailableDrivers, bus.NewRideRequest{RideID: "ride-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow client")
	}
	assert.Len(t, c.Send, clientBufferSize, "buffer full, excess dropped")
}

func TestUpdateCellSubscriptions_RotatesOnlyH3(t *testing.T) {
	m := NewManager()
	c := m.Connect("drv-a",
		bus.DriverChannel("drv-a"),
		bus.AvailableDrivers,
		bus.CellChannel("cell-old-1"),
		bus.CellChannel("cell-old-2"),
	)
	defer m.Disconnect(c)

	updated := m.UpdateCellSubscriptions("drv-a", []string{"cell-new", "cell-old-2"})
	assert.Equal(t, 1, updated)

	subs := c.subscribed()
	assert.Contains(t, subs, bus.DriverChannel("drv-a"))
	assert.Contains(t, subs, bus.AvailableDrivers)
	assert.Contains(t, subs, bus.CellChannel("cell-new"))
	assert.Contains(t, subs, bus.CellChannel("cell-old-2"))
	assert.NotContains(t, subs, bus.CellChannel("cell-old-1"))

	assert.Zero(t, m.ChannelSize(bus.CellChannel("cell-old-1")))
	assert.Equal(t, 1, m.ChannelSize(bus.CellChannel("cell-new")))
}

func TestDisconnect_RemovesAllSubscriptions(t *testing.T) {
	m := NewManager()
	c := m.Connect("drv-a", bus.DriverChannel("drv-a"), bus.AvailableDrivers)

	require.Equal(t, 1, m.ChannelSize(bus.AvailableDrivers))
	m.Disconnect(c)
	assert.Zero(t, m.ChannelSize(bus.AvailableDrivers))
	assert.Zero(t, m.ChannelSize(bus.DriverChannel("drv-a")))

	// Idempotent.
	m.Disconnect(c)
}

func TestMultipleStreamsPerDriver(t *testing.T) {
	m := NewManager()
	c1 := m.Connect("drv-a", bus.DriverChannel("drv-a"), bus.CellChannel("cell-1"))
	c2 := m.Connect("drv-a", bus.DriverChannel("drv-a"), bus.CellChannel("cell-1"))
	defer m.Disconnect(c1)
	defer m.Disconnect(c2)

	assert.Equal(t, 2, m.UpdateCellSubscriptions("drv-a", []string{"cell-2"}))
	assert.Equal(t, 2, m.ChannelSize(bus.CellChannel("cell-2")))
}

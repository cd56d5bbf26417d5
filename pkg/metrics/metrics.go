package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events entering the bus, by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_events_published_total",
		Help: "Total events published on the in-process bus",
	}, []string{"event"})

	// DeliveriesTotal counts per-transport delivery attempts.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_deliveries_total",
		Help: "Total delivery attempts per transport",
	}, []string{"transport"})

	// DeliveryFailures counts per-transport delivery failures. Failures
	// are logged and counted, never propagated to the publisher.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_delivery_failures_total",
		Help: "Total delivery failures per transport",
	}, []string{"transport"})

	// P0Inconsistencies counts detected P0-level inconsistencies by kind.
	P0Inconsistencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_p0_inconsistencies_total",
		Help: "Detected P0-level inconsistencies",
	}, []string{"kind"})

	// DroppedWrites counts durable writes dropped after the final retry.
	DroppedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_dropped_db_writes_total",
		Help: "Durable writes dropped after exhausting retries",
	}, []string{"queue"})

	// WriteQueueDepth tracks the pending write queue sizes.
	WriteQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_write_queue_depth",
		Help: "Pending durable writes per queue",
	}, []string{"queue"})

	// ConnectedClients tracks live subscriber connections per transport.
	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_connected_clients",
		Help: "Connected clients per transport",
	}, []string{"transport"})

	// ActiveRides tracks in-memory rides by status.
	ActiveRides = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_active_rides",
		Help: "Rides held in memory by status",
	}, []string{"status"})

	// OnlineDrivers tracks drivers currently marked online.
	OnlineDrivers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_online_drivers",
		Help: "Drivers currently marked online",
	})
)

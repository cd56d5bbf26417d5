package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/metrics"
)

// Transport receives published events for the channels it serves.
// Implementations track their own subscriptions; Deliver is a no-op
// when the transport has no listeners on the channel.
type Transport interface {
	// Name identifies the transport in logs and metrics ("sse",
	// "broker", "socket").
	Name() string

	// Deliver hands an event to the transport for a channel. It must
	// not block on slow clients.
	Deliver(channel string, event Event) error

	// ChannelSize reports the transport's listener count on a channel.
	ChannelSize(channel string) int

	// Healthy reports whether the transport can currently deliver.
	Healthy() bool
}

// Bus fans events out to every registered transport synchronously.
// A failing or panicking transport never prevents delivery to the
// others.
type Bus struct {
	mu         sync.RWMutex
	transports []Transport
}

func New() *Bus {
	return &Bus{}
}

// RegisterTransport adds a transport to the fan-out set. Registration
// happens during startup, before any Publish.
func (b *Bus) RegisterTransport(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, t)
	logger.Info("transport registered", zap.String("transport", t.Name()))
}

// Publish delivers an event to all transports on one channel. It
// returns after every transport has been attempted.
func (b *Bus) Publish(channel string, event Event) {
	b.mu.RLock()
	transports := b.transports
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(event.EventType()).Inc()

	for _, t := range transports {
		b.deliver(t, channel, event)
	}
}

// PublishToMany delivers one event across a channel set, e.g. a
// pickup cell's full k-ring.
func (b *Bus) PublishToMany(channels []string, event Event) {
	for _, ch := range channels {
		b.Publish(ch, event)
	}
}

// TotalListeners sums listener counts across transports for a channel.
func (b *Bus) TotalListeners(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.transports {
		total += t.ChannelSize(channel)
	}
	return total
}

// TransportHealth reports per-transport health, keyed by name.
func (b *Bus) TransportHealth() map[string]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	health := make(map[string]bool, len(b.transports))
	for _, t := range b.transports {
		health[t.Name()] = t.Healthy()
	}
	return health
}

func (b *Bus) deliver(t Transport, channel string, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DeliveryFailures.WithLabelValues(t.Name()).Inc()
			logger.Error("transport panicked during delivery",
				zap.String("transport", t.Name()),
				zap.String("channel", channel),
				zap.String("event_type", event.EventType()),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
	}()

	if err := t.Deliver(channel, event); err != nil {
		metrics.DeliveryFailures.WithLabelValues(t.Name()).Inc()
		logger.Warn("transport delivery failed",
			zap.String("transport", t.Name()),
			zap.String("channel", channel),
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(t.Name()).Inc()
}

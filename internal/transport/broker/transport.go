// Package broker bridges the in-process bus to NATS so external
// pub/sub clients (driver apps over TCP or WebSocket) receive dispatch
// traffic. Location topics are published at-most-once over core NATS;
// status, assignment, and cancellation topics go through JetStream for
// at-least-once delivery, so broker clients must handle duplicates. A
// limits stream keeping one message per subject retains each driver's
// last known location for new subscribers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/codec"
	"github.com/raahi/dispatch/pkg/logger"
)

// originHeader marks messages this process published, so the inbound
// location subscription does not loop them back into the bus.
const originHeader = "Raahi-Origin"

// Config holds the broker connection settings.
type Config struct {
	URL        string
	Name       string // client connection name
	StreamName string // JetStream stream name (default: "RAAHI")
}

// Transport is the broker-side bus transport.
type Transport struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	stream    string
	locStream string
	bus       *bus.Bus

	inbound *nats.Subscription
}

// New connects to NATS and ensures both streams exist: the interest
// stream for guaranteed topics and the retained location stream.
func New(cfg Config) (*Transport, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "RAAHI"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: cfg.StreamName,
		Subjects: []string{
			subjectRoot + ".ride.*.status",
			subjectRoot + ".ride.*.chat",
			subjectRoot + ".driver.*.events",
			subjectRoot + ".h3.*.requests",
			subjectRoot + ".broadcast.rides",
		},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	locStream := cfg.StreamName + "_LOC"
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              locStream,
		Subjects:          []string{subjectRoot + ".driver.*.location"},
		Storage:           jetstream.MemoryStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		Replicas:          1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create location stream: %w", err)
	}

	logger.Info("broker transport connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.StreamName),
	)
	return &Transport{nc: nc, js: js, stream: cfg.StreamName, locStream: locStream}, nil
}

func (t *Transport) Name() string { return "broker" }

// Deliver publishes the event on its mapped subject. Location traffic
// uses core publish (fire and forget); everything else is a JetStream
// publish acknowledged by the server.
func (t *Transport) Deliver(channel string, event bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := SubjectFor(channel, event)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{originHeader: []string{"core"}, "Raahi-Event": []string{event.EventType()}},
	}

	if atMostOnce(subject) {
		// The retained stream still captures this publish.
		return t.nc.PublishMsg(msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// ChannelSize is unknown for remote broker subscribers; the bus counts
// only local transports toward reachability.
func (t *Transport) ChannelSize(string) int { return 0 }

func (t *Transport) Healthy() bool { return t.nc != nil && t.nc.IsConnected() }

// Start subscribes to inbound driver location publishes and re-emits
// them into the bus so stream subscribers also see broker traffic.
func (t *Transport) Start(b *bus.Bus) error {
	t.bus = b

	sub, err := t.nc.Subscribe(subjectRoot+".driver.*.location", t.onInboundLocation)
	if err != nil {
		return fmt.Errorf("subscribe inbound locations: %w", err)
	}
	t.inbound = sub
	return nil
}

func (t *Transport) onInboundLocation(msg *nats.Msg) {
	if msg.Header.Get(originHeader) != "" {
		return // our own publish echoing back
	}
	driverID := DriverFromLocationSubject(msg.Subject)
	if driverID == "" || t.bus == nil {
		return
	}

	loc, err := decodeInboundLocation(driverID, msg.Data)
	if err != nil {
		logger.Debug("unparseable inbound location dropped",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}

	t.bus.Publish(bus.DriverLocations, loc)
	t.bus.Publish(bus.DriverChannel(driverID), loc)
}

// decodeInboundLocation accepts the binary sample layouts or compact
// JSON from bandwidth-constrained driver apps.
func decodeInboundLocation(driverID string, data []byte) (bus.DriverLocation, error) {
	if len(data) > 0 && data[0] == '{' {
		sample, err := codec.DecodeCompactJSON(data)
		if err != nil {
			return bus.DriverLocation{}, err
		}
		return sampleToEvent(driverID, sample), nil
	}

	switch len(data) {
	case codec.TaggedSampleSize:
		_, sample, err := codec.DecodeTagged(data)
		if err != nil {
			return bus.DriverLocation{}, err
		}
		return sampleToEvent(driverID, sample), nil
	case codec.SampleSize:
		sample, err := codec.Decode(data)
		if err != nil {
			return bus.DriverLocation{}, err
		}
		return sampleToEvent(driverID, sample), nil
	}
	return bus.DriverLocation{}, fmt.Errorf("unrecognized location payload (%d bytes)", len(data))
}

func sampleToEvent(driverID string, s codec.LocationSample) bus.DriverLocation {
	heading, speed := s.Heading, s.Speed
	return bus.DriverLocation{
		DriverID:  driverID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Heading:   &heading,
		Speed:     &speed,
		H3Index:   s.H3Index,
		Timestamp: s.Timestamp,
	}
}

// RetainedLocation returns a driver's last known location from the
// retained stream, so a new subscriber has a position immediately.
func (t *Transport) RetainedLocation(ctx context.Context, driverID string) (bus.DriverLocation, error) {
	stream, err := t.js.Stream(ctx, t.locStream)
	if err != nil {
		return bus.DriverLocation{}, fmt.Errorf("location stream: %w", err)
	}
	raw, err := stream.GetLastMsgForSubject(ctx, DriverLocationSubject(driverID))
	if err != nil {
		return bus.DriverLocation{}, fmt.Errorf("no retained location: %w", err)
	}

	var loc bus.DriverLocation
	if err := json.Unmarshal(raw.Data, &loc); err != nil {
		return decodeInboundLocation(driverID, raw.Data)
	}
	if loc.DriverID == "" {
		loc.DriverID = driverID
	}
	return loc, nil
}

// Close drains the connection, letting buffered publishes flush.
func (t *Transport) Close() {
	if t.inbound != nil {
		_ = t.inbound.Unsubscribe()
	}
	if t.nc != nil {
		_ = t.nc.Drain()
	}
}

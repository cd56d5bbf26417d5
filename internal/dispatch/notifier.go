package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/pkg/logger"
)

const notifyTimeout = 5 * time.Second

// Notifier posts ride transitions to the notification collaborator.
// Delivery is fire-and-forget behind a circuit breaker: a dead
// webhook endpoint costs one goroutine per event, never a stalled
// transition.
type Notifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewNotifier returns nil when no URL is configured.
func NewNotifier(url string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: notifyTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-webhook",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// transitionPayload is the webhook body. It never carries the OTP.
type transitionPayload struct {
	RideID      string    `json:"ride_id"`
	Status      string    `json:"status"`
	PrevStatus  string    `json:"prev_status"`
	PassengerID string    `json:"passenger_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	CancelledBy string    `json:"cancelled_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NotifyTransition posts the transition in the background. The caller
// returns immediately.
func (n *Notifier) NotifyTransition(ctx context.Context, ride fireball.Ride, prev fireball.Status) {
	payload := transitionPayload{
		RideID:      ride.RideID,
		Status:      string(ride.Status),
		PrevStatus:  string(prev),
		PassengerID: ride.PassengerID,
		DriverID:    ride.DriverID,
		CancelledBy: ride.CancelledBy,
		Timestamp:   time.Now().UTC(),
	}
	correlationID := logger.CorrelationIDFromContext(ctx)

	go func() {
		_, err := n.breaker.Execute(func() (interface{}, error) {
			return nil, n.post(payload, correlationID)
		})
		if err != nil {
			logger.Warn("transition webhook not delivered",
				zap.String("ride_id", payload.RideID),
				zap.String("status", payload.Status),
				zap.Error(err),
			)
		}
	}()
}

func (n *Notifier) post(payload transitionPayload, correlationID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

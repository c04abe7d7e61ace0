package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Lifecycle event names as they appear on the wire.
const (
	EventAssigned    = "assigned"
	EventOTPVerified = "otp-verified"
	EventStarted     = "started"
	EventCompleted   = "completed"
	EventCancelled   = "cancelled"
	EventReturning   = "returning"
	EventReturned    = "returned"
	EventPaused      = "paused"
	EventResumed     = "resumed"
	EventBidPlaced   = "bid-placed"
	EventSafetyAlert = "safety-alert-raised"
)

// Recipient addresses one party of a trip.
type Recipient struct {
	Role models.Actor `json:"role"`
	ID   string       `json:"id"`
}

// Event is a lifecycle notification. State has already been committed when an
// event is built; events carry news, never authority.
type Event struct {
	Name     string           `json:"event"`
	TripID   string           `json:"trip_request_id"`
	Trip     *models.Snapshot `json:"trip,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
	audience []Recipient
}

func NewEvent(name string, trip *models.TripRequest, to ...Recipient) Event {
	ev := Event{Name: name, SentAt: time.Now(), audience: to}
	if trip != nil {
		ev.TripID = trip.ID
		snap := trip.Snapshot()
		ev.Trip = &snap
	}
	return ev
}

// Publisher fans lifecycle events out to connected sockets and the Redis fast
// channel, with an optional Kafka mirror for offline consumers. Delivery is
// best effort: Publish never returns an error and never blocks state changes.
// Callers publish before responding so the push beats the client's next poll.
type Publisher struct {
	WS     *SessionRegistry
	Redis  *redis.Client
	Kafka  *kafka.Writer
	Logger *slog.Logger
}

func NewPublisher(ws *SessionRegistry, rdb *redis.Client, kw *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{WS: ws, Redis: rdb, Kafka: kw, Logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) {
	observability.EventsPublished.WithLabelValues(ev.Name).Inc()

	b, err := json.Marshal(ev)
	if err != nil {
		observability.EventPublishErrors.Inc()
		p.Logger.Error("event encode failed", "event", ev.Name, "trip_id", ev.TripID, "error", err)
		return
	}

	for _, rcpt := range ev.audience {
		if p.WS != nil {
			if err := p.WS.Send(string(rcpt.Role), rcpt.ID, ev); err != nil && err != ErrNoSession {
				observability.EventPublishErrors.Inc()
				p.Logger.Warn("ws publish failed", "event", ev.Name, "trip_id", ev.TripID, "to", rcpt.ID, "error", err)
			}
		}
		if p.Redis != nil {
			if err := p.Redis.Publish(ctx, channelFor(rcpt), b).Err(); err != nil {
				observability.EventPublishErrors.Inc()
				p.Logger.Warn("redis publish failed", "event", ev.Name, "trip_id", ev.TripID, "to", rcpt.ID, "error", err)
			}
		}
	}

	if p.Kafka != nil {
		msg := kafka.Message{Key: []byte(ev.TripID), Value: b}
		if err := p.Kafka.WriteMessages(ctx, msg); err != nil {
			observability.EventPublishErrors.Inc()
			p.Logger.Warn("kafka mirror failed", "event", ev.Name, "trip_id", ev.TripID, "error", err)
		}
	}
}

// channelFor is the per-party pub/sub channel other processes subscribe on.
func channelFor(r Recipient) string {
	return "events:" + string(r.Role) + ":" + r.ID
}

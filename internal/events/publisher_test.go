package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

func TestNewEventCarriesSnapshot(t *testing.T) {
	trip := &models.TripRequest{
		ID:       "t1",
		Type:     models.TypeRide,
		Status:   models.StatusAccepted,
		DriverID: "d1",
		OTP:      "1234",
	}
	ev := NewEvent(EventAssigned, trip, Recipient{Role: models.ActorCustomer, ID: "c1"})

	if ev.TripID != "t1" || ev.Name != EventAssigned {
		t.Fatalf("event header wrong: %+v", ev)
	}
	if ev.Trip == nil || ev.Trip.Status != models.StatusAccepted {
		t.Fatalf("snapshot missing or stale: %+v", ev.Trip)
	}
	if !ev.Trip.OTPIssued {
		t.Fatal("snapshot should flag an issued otp")
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["event"] != EventAssigned {
		t.Fatalf("wire event = %v", wire["event"])
	}
	trip2 := wire["trip"].(map[string]any)
	if _, leaked := trip2["otp"]; leaked {
		t.Fatal("otp value leaked onto the wire")
	}
}

func TestPublishSwallowsMissingSinks(t *testing.T) {
	p := NewPublisher(NewSessionRegistry(), nil, nil, logging.NewLogger("error"))
	ev := NewEvent(EventCancelled, &models.TripRequest{ID: "t1"},
		Recipient{Role: models.ActorDriver, ID: "d1"},
		Recipient{Role: models.ActorCustomer, ID: "c1"})

	// no sessions, no redis, no kafka: must neither panic nor block
	p.Publish(context.Background(), ev)
}

func TestChannelFor(t *testing.T) {
	got := channelFor(Recipient{Role: models.ActorDriver, ID: "d7"})
	if got != "events:driver:d7" {
		t.Fatalf("channel = %q", got)
	}
}

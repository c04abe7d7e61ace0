package trip

import (
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// allowed holds the full transition table. Cancellation from ongoing is
// legal for every type; for parcels the dispatch service immediately follows
// it with the returning sub-flow.
var allowed = map[models.TripStatus][]models.TripStatus{
	models.StatusPending:   {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusOngoing, models.StatusCancelled},
	models.StatusOngoing:   {models.StatusCompleted, models.StatusCancelled},
	models.StatusCancelled: {models.StatusReturning}, // parcel-only, ongoing-cancel
	models.StatusReturning: {models.StatusReturned},
}

// CanTransition reports whether the from/to edge is in the table.
func CanTransition(from, to models.TripStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply validates and performs one transition on the trip, stamping the
// phase timestamp. It mutates nothing on rejection.
//
// A repeated request for a transition the trip has already taken (same
// target status as the current one, and the current one is terminal) is an
// idempotent no-op reported as success, so callers retrying after a network
// timeout never see a failure for an action that already happened.
func Apply(t *models.TripRequest, to models.TripStatus, now time.Time) error {
	if t.Status == to && (t.Status.Terminal() || t.Status == models.StatusReturning) {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return models.ErrBadTransition
	}
	t.Status = to
	stamp(t, to, now)
	return nil
}

func stamp(t *models.TripRequest, s models.TripStatus, now time.Time) {
	ts := now
	switch s {
	case models.StatusAccepted:
		t.AcceptedAt = &ts
	case models.StatusOngoing:
		t.OngoingAt = &ts
	case models.StatusCompleted:
		t.CompletedAt = &ts
	case models.StatusCancelled:
		t.CancelledAt = &ts
	case models.StatusReturning:
		t.ReturningAt = &ts
	case models.StatusReturned:
		t.ReturnedAt = &ts
	}
}

// Pause toggles the wait flag. Only a trip that is accepted or ongoing can
// idle; resuming accumulates the idle duration in whole minutes.
func Pause(t *models.TripRequest, now time.Time) error {
	if t.Status != models.StatusAccepted && t.Status != models.StatusOngoing {
		return models.ErrBadTransition
	}
	if t.IsPaused {
		return nil
	}
	t.IsPaused = true
	ts := now
	t.PausedAt = &ts
	return nil
}

func Resume(t *models.TripRequest, now time.Time) error {
	if !t.IsPaused {
		return nil
	}
	t.IsPaused = false
	if t.PausedAt != nil {
		t.IdleMinutes += int(now.Sub(*t.PausedAt) / time.Minute)
		t.PausedAt = nil
	}
	return nil
}

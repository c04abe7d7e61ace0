package trip

import (
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestApplyHappyPath(t *testing.T) {
	now := time.Now()
	tr := &models.TripRequest{Status: models.StatusPending}
	for _, s := range []models.TripStatus{models.StatusAccepted, models.StatusOngoing, models.StatusCompleted} {
		if err := Apply(tr, s, now); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if tr.AcceptedAt == nil || tr.OngoingAt == nil || tr.CompletedAt == nil {
		t.Fatal("phase timestamps not stamped")
	}
}

func TestApplyRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to models.TripStatus
	}{
		{models.StatusPending, models.StatusOngoing},
		{models.StatusPending, models.StatusCompleted},
		{models.StatusAccepted, models.StatusCompleted},
		{models.StatusCompleted, models.StatusOngoing},
		{models.StatusCompleted, models.StatusCancelled},
		{models.StatusCancelled, models.StatusAccepted},
		{models.StatusReturned, models.StatusReturning},
		{models.StatusOngoing, models.StatusAccepted},
	}
	for _, c := range cases {
		tr := &models.TripRequest{Status: c.from}
		err := Apply(tr, c.to, time.Now())
		if !errors.Is(err, models.ErrBadTransition) {
			t.Fatalf("%s->%s: expected conflicting state, got %v", c.from, c.to, err)
		}
		if tr.Status != c.from {
			t.Fatalf("%s->%s: status mutated on rejection", c.from, c.to)
		}
	}
}

func TestApplyTerminalRepeatIsIdempotent(t *testing.T) {
	tr := &models.TripRequest{Status: models.StatusCancelled}
	if err := Apply(tr, models.StatusCancelled, time.Now()); err != nil {
		t.Fatalf("repeated cancel must report success, got %v", err)
	}
	if tr.CancelledAt != nil {
		t.Fatal("idempotent no-op must not restamp")
	}
}

func TestParcelReturnBranch(t *testing.T) {
	now := time.Now()
	tr := &models.TripRequest{Status: models.StatusOngoing, Type: models.TypeParcel}
	if err := Apply(tr, models.StatusCancelled, now); err != nil {
		t.Fatal(err)
	}
	if err := Apply(tr, models.StatusReturning, now); err != nil {
		t.Fatal(err)
	}
	if err := Apply(tr, models.StatusReturned, now); err != nil {
		t.Fatal(err)
	}
	if tr.ReturningAt == nil || tr.ReturnedAt == nil {
		t.Fatal("return timestamps not stamped")
	}
}

func TestPauseResumeAccumulatesIdleTime(t *testing.T) {
	now := time.Now()
	tr := &models.TripRequest{Status: models.StatusOngoing}
	if err := Pause(tr, now); err != nil {
		t.Fatal(err)
	}
	if err := Resume(tr, now.Add(7*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if tr.IdleMinutes != 7 {
		t.Fatalf("expected 7 idle minutes, got %d", tr.IdleMinutes)
	}
	tr2 := &models.TripRequest{Status: models.StatusPending}
	if err := Pause(tr2, now); !errors.Is(err, models.ErrBadTransition) {
		t.Fatalf("pending trip must not pause, got %v", err)
	}
}

func TestOTP(t *testing.T) {
	code := NewOTP()
	if len(code) != 4 {
		t.Fatalf("expected 4 digits, got %q", code)
	}
	if !VerifyOTP(code, code) {
		t.Fatal("matching code rejected")
	}
	if VerifyOTP(code, "") || VerifyOTP("", "") {
		t.Fatal("empty codes must never verify")
	}
}

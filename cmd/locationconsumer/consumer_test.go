package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type fakeSink struct {
	failures int // upserts to fail before succeeding
	calls    int
}

func (f *fakeSink) Upsert(_ context.Context, _ models.DriverLocation) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("geo unavailable")
	}
	return nil
}

func TestUpsertWithRetrySucceedsAfterFailures(t *testing.T) {
	f := &fakeSink{failures: 2}
	d := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}

	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff sleep")
	}
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeSink{failures: 5}
	d := models.DriverLocation{DriverID: "d1"}

	if err := upsertWithRetry(context.Background(), f, d, 3, time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want attempts bounded at 3", f.calls)
	}
}

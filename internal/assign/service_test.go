package assign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/store"
)

func testCfg() config.DispatchConfig {
	return config.DispatchConfig{
		LockTTL:     time.Minute,
		LockTimeout: 2 * time.Second,
		OTPRequired: true,
	}
}

func newService() (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return &Service{
		Lock:   NewMemoryLock(),
		Store:  st,
		Logger: logging.NewLogger("error"),
	}, st
}

func seedPending(st *store.MemoryStore, id string) {
	_ = st.CreateTrip(context.Background(), &models.TripRequest{
		ID:        id,
		Type:      models.TypeRide,
		ZoneID:    "z",
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	})
}

func TestLockAndAssignSingleWinner(t *testing.T) {
	svc, st := newService()
	seedPending(st, "t1")

	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[string]bool{}
	losers := 0
	for _, d := range drivers {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			res, err := svc.LockAndAssign(context.Background(), testCfg(), "t1", d, "v-"+d, -1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners[d] = true
			} else if errors.Is(err, models.ErrTripTaken) {
				losers++
			} else {
				t.Errorf("unexpected error for %s: %v", d, err)
			}
			_ = res
		}(d)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if losers != len(drivers)-1 {
		t.Fatalf("expected %d losers, got %d", len(drivers)-1, losers)
	}
	final, _ := st.GetTrip(context.Background(), "t1")
	if final.Status != models.StatusAccepted || !winners[final.DriverID] {
		t.Fatalf("stored trip inconsistent with race outcome: %+v", final)
	}
	if final.OTP == "" {
		t.Fatal("winner must have an otp issued")
	}
}

func TestLockAndAssignIdempotentRetry(t *testing.T) {
	svc, st := newService()
	seedPending(st, "t1")
	ctx := context.Background()

	first, err := svc.LockAndAssign(ctx, testCfg(), "t1", "d1", "v1", -1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.LockAndAssign(ctx, testCfg(), "t1", "d1", "v1", -1)
	if err != nil {
		t.Fatalf("retry must succeed, got %v", err)
	}
	if !second.Retry {
		t.Fatal("second call must be flagged as a retry")
	}
	if first.Trip.OTP != second.Trip.OTP {
		t.Fatal("retry must not generate a second otp")
	}
	if first.Trip.Status != second.Trip.Status || second.Trip.DriverID != "d1" {
		t.Fatalf("retry snapshot changed: %+v vs %+v", first.Trip, second.Trip)
	}
	_ = st
}

func TestLockAndAssignResumesIncompleteMutation(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	// simulate a crash after the CAS but before otp/vehicle binding
	_ = st.CreateTrip(ctx, &models.TripRequest{
		ID: "t1", Type: models.TypeRide, ZoneID: "z",
		Status: models.StatusPending, DriverID: "d1", CreatedAt: time.Now(),
	})

	res, err := svc.LockAndAssign(ctx, testCfg(), "t1", "d1", "v1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Retry {
		t.Fatal("resume path must be reported as a retry")
	}
	if res.Trip.Status != models.StatusAccepted || res.Trip.OTP == "" || res.Trip.VehicleID != "v1" {
		t.Fatalf("mutation not resumed: %+v", res.Trip)
	}
}

func TestLockAndAssignDistinguishesFailures(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	if _, err := svc.LockAndAssign(ctx, testCfg(), "missing", "d1", "v1", -1); !errors.Is(err, models.ErrTripNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = st.CreateTrip(ctx, &models.TripRequest{ID: "done", ZoneID: "z", Status: models.StatusCancelled})
	if _, err := svc.LockAndAssign(ctx, testCfg(), "done", "d1", "v1", -1); !errors.Is(err, models.ErrTripTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestLockAndAssignCarriesWinningBidFare(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	_ = st.CreateTrip(ctx, &models.TripRequest{
		ID: "t1", Type: models.TypeRide, ZoneID: "z", BiddingOn: true,
		Status: models.StatusPending, CreatedAt: time.Now(),
	})
	cfg := testCfg()
	cfg.BiddingEnabled = true

	res, err := svc.LockAndAssign(ctx, cfg, "t1", "d1", "v1", 180.5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trip.ActualFare != 180.5 {
		t.Fatalf("winning bid fare not carried, got %f", res.Trip.ActualFare)
	}
}

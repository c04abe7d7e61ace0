package bidding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestPlaceRejectsSecondOfferSameDriver(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	first := models.BidOffer{TripID: "t1", DriverID: "d1", Fare: 120}
	if err := l.Place(ctx, first); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	err := l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d1", Fare: 90})
	if !errors.Is(err, models.ErrBidDuplicate) {
		t.Fatalf("second offer err = %v, want ErrBidDuplicate", err)
	}

	fare, ok, err := l.Fare(ctx, "t1", "d1")
	if err != nil || !ok {
		t.Fatalf("Fare: ok=%v err=%v", ok, err)
	}
	if fare != 120 {
		t.Fatalf("fare = %v, want original 120", fare)
	}
}

func TestOffersForOrdersOldestFirst(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	base := time.Now()

	for i, d := range []string{"d3", "d1", "d2"} {
		offer := models.BidOffer{TripID: "t1", DriverID: d, Fare: float64(100 + i), CreatedAt: base.Add(time.Duration(3-i) * time.Second)}
		if err := l.Place(ctx, offer); err != nil {
			t.Fatalf("Place %s: %v", d, err)
		}
	}

	offers, err := l.OffersFor(ctx, "t1")
	if err != nil {
		t.Fatalf("OffersFor: %v", err)
	}
	if len(offers) != 3 {
		t.Fatalf("got %d offers, want 3", len(offers))
	}
	want := []string{"d2", "d1", "d3"}
	for i, o := range offers {
		if o.DriverID != want[i] {
			t.Fatalf("offer %d = %s, want %s", i, o.DriverID, want[i])
		}
	}
}

func TestPurgeDropsWholeTrip(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_ = l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d1", Fare: 50})
	_ = l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d2", Fare: 60})
	_ = l.Place(ctx, models.BidOffer{TripID: "t2", DriverID: "d1", Fare: 70})

	if err := l.Purge(ctx, "t1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	offers, _ := l.OffersFor(ctx, "t1")
	if len(offers) != 0 {
		t.Fatalf("trip t1 still has %d offers after purge", len(offers))
	}
	if _, ok, _ := l.Fare(ctx, "t2", "d1"); !ok {
		t.Fatal("purge of t1 removed d1's offer on t2")
	}
}

func TestPurgeDriverLeavesOtherOffers(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_ = l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d1", Fare: 50})
	_ = l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d2", Fare: 60})

	if err := l.PurgeDriver(ctx, "t1", "d1"); err != nil {
		t.Fatalf("PurgeDriver: %v", err)
	}
	if _, ok, _ := l.Fare(ctx, "t1", "d1"); ok {
		t.Fatal("d1's offer survived PurgeDriver")
	}
	if _, ok, _ := l.Fare(ctx, "t1", "d2"); !ok {
		t.Fatal("d2's offer removed by PurgeDriver of d1")
	}
	// The driver may offer again once their previous offer is gone.
	if err := l.Place(ctx, models.BidOffer{TripID: "t1", DriverID: "d1", Fare: 55}); err != nil {
		t.Fatalf("re-offer after purge: %v", err)
	}
}

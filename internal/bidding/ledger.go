package bidding

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// Ledger records per-driver fare offers against pending trips when fare
// negotiation is enabled. Offers are transient: assignment or cancellation
// purges them. The ledger is non-transactional; the trip record remains the
// source of truth for the fare that actually sticks.
type Ledger interface {
	// Place stores the offer; a second offer by the same driver for the same
	// trip is rejected with ErrBidDuplicate.
	Place(ctx context.Context, offer models.BidOffer) error
	// OffersFor lists offers for the trip, oldest first.
	OffersFor(ctx context.Context, tripID string) ([]models.BidOffer, error)
	// Fare returns the driver's offered fare for the trip, ok=false if none.
	Fare(ctx context.Context, tripID, driverID string) (float64, bool, error)
	// Purge discards every offer recorded against the trip.
	Purge(ctx context.Context, tripID string) error
	// PurgeDriver discards only this driver's offer against the trip,
	// leaving their offers on other trips untouched.
	PurgeDriver(ctx context.Context, tripID, driverID string) error
}

// MemoryLedger is the in-process Ledger.
type MemoryLedger struct {
	mu     sync.RWMutex
	offers map[string]map[string]models.BidOffer // trip id -> driver id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{offers: make(map[string]map[string]models.BidOffer)}
}

func (l *MemoryLedger) Place(_ context.Context, offer models.BidOffer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byDriver := l.offers[offer.TripID]
	if byDriver == nil {
		byDriver = make(map[string]models.BidOffer)
		l.offers[offer.TripID] = byDriver
	}
	if _, exists := byDriver[offer.DriverID]; exists {
		return models.ErrBidDuplicate
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	byDriver[offer.DriverID] = offer
	return nil
}

func (l *MemoryLedger) OffersFor(_ context.Context, tripID string) ([]models.BidOffer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.BidOffer, 0, len(l.offers[tripID]))
	for _, o := range l.offers[tripID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) Fare(_ context.Context, tripID, driverID string) (float64, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.offers[tripID][driverID]
	return o.Fare, ok, nil
}

func (l *MemoryLedger) Purge(_ context.Context, tripID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.offers, tripID)
	return nil
}

func (l *MemoryLedger) PurgeDriver(_ context.Context, tripID, driverID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.offers[tripID], driverID)
	return nil
}

// RedisLedger keeps one hash per trip, field per driver.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Place(ctx context.Context, offer models.BidOffer) error {
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	b, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	set, err := l.client.HSetNX(ctx, bidKey(offer.TripID), offer.DriverID, b).Result()
	if err != nil {
		return err
	}
	if !set {
		return models.ErrBidDuplicate
	}
	if l.ttl > 0 {
		_ = l.client.Expire(ctx, bidKey(offer.TripID), l.ttl).Err()
	}
	return nil
}

func (l *RedisLedger) OffersFor(ctx context.Context, tripID string) ([]models.BidOffer, error) {
	m, err := l.client.HGetAll(ctx, bidKey(tripID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.BidOffer, 0, len(m))
	for _, v := range m {
		var o models.BidOffer
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *RedisLedger) Fare(ctx context.Context, tripID, driverID string) (float64, bool, error) {
	v, err := l.client.HGet(ctx, bidKey(tripID), driverID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var o models.BidOffer
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return 0, false, err
	}
	return o.Fare, true, nil
}

func (l *RedisLedger) Purge(ctx context.Context, tripID string) error {
	return l.client.Del(ctx, bidKey(tripID)).Err()
}

func (l *RedisLedger) PurgeDriver(ctx context.Context, tripID, driverID string) error {
	return l.client.HDel(ctx, bidKey(tripID), driverID).Err()
}

func bidKey(tripID string) string { return "trip:bids:" + tripID }

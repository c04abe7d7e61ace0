package fare

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Estimator produces the up-front fare quote shown when a trip request is
// created. The quote is advisory; the fare that binds is the one fixed at
// assignment or completion.
type Estimator interface {
	Estimate(from, to models.Coord) (float64, error)
}

// Tariff is a flat distance-based rate card.
type Tariff struct {
	BaseFare    float64
	PerKM       float64
	MinimumFare float64
}

func DefaultTariff() Tariff {
	return Tariff{BaseFare: 40, PerKM: 25, MinimumFare: 60}
}

// DistanceEstimator quotes from straight-line distance. It is the fallback
// when no routing server is configured.
type DistanceEstimator struct {
	Tariff Tariff
}

func (e *DistanceEstimator) Estimate(from, to models.Coord) (float64, error) {
	km := haversine(from.Lat, from.Lon, to.Lat, to.Lon) / 1000
	fare := e.Tariff.BaseFare + km*e.Tariff.PerKM
	if fare < e.Tariff.MinimumFare {
		fare = e.Tariff.MinimumFare
	}
	return math.Round(fare*100) / 100, nil
}

// CachedEstimator memoizes quotes per coordinate pair for a TTL, so repeated
// quote calls while a customer edits a request do not hammer the routing
// backend.
type CachedEstimator struct {
	Inner Estimator

	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCachedEstimator(inner Estimator, ttl time.Duration) *CachedEstimator {
	return &CachedEstimator{Inner: inner, store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *CachedEstimator) Estimate(from, to models.Coord) (float64, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.v, nil
	}
	v, err := c.Inner.Estimate(from, to)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return v, nil
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// local haversine to avoid importing geo
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

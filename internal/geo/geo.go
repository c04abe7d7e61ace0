package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Geo is the minimal interface matching and the handlers require: last known
// driver positions, overwritten on every report, queryable by proximity.
type Geo interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
	// Query returns online drivers inside radiusMeters of center in the given
	// zone, nearest first. An empty filter matches every category.
	Query(ctx context.Context, zoneID string, center models.Coord, radiusMeters float64, filter models.CategorySet, limit int) ([]models.CandidateDriver, error)
	// Location returns the driver's last known entry; ok is false when the
	// driver has never reported a position.
	Location(ctx context.Context, driverID string) (models.DriverLocation, bool, error)
}

// Index is the in-process implementation, used standalone in tests and as
// the fallback when no Redis address is configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation)}
}

// Upsert overwrites the driver's last known point. An unknown driver id is
// simply a first-seen insert.
func (g *Index) Upsert(_ context.Context, d models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.drivers[d.DriverID] = d
	return nil
}

// naive scan; the Redis implementation does this server-side
func (g *Index) Query(_ context.Context, zoneID string, center models.Coord, radiusMeters float64, filter models.CategorySet, limit int) ([]models.CandidateDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		c    models.CandidateDriver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || d.ZoneID != zoneID {
			continue
		}
		if !filter.Empty() && !intersects(d.Categories, filter) {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{models.CandidateDriver{DriverID: d.DriverID, Loc: d.Loc, DistanceMeters: dist}, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.CandidateDriver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].c)
	}
	return out, nil
}

func (g *Index) Location(_ context.Context, driverID string) (models.DriverLocation, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok, nil
}

func intersects(a, b models.CategorySet) bool {
	for id := range a {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

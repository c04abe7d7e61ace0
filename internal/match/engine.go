package match

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/store"
)

// Engine pairs polling drivers with pending trip requests and, for the
// customer side, lists drivers near a pickup point. It only reads; winning a
// trip happens in the assignment path.
type Engine struct {
	Geo    geo.Geo
	Store  store.TripStore
	Logger *slog.Logger
}

func NewEngine(g geo.Geo, s store.TripStore, logger *slog.Logger) *Engine {
	return &Engine{Geo: g, Store: s, Logger: logger}
}

// NearbyPendingRequests returns the page of pending trips the driver is
// eligible for, nearest pickup first and oldest first on ties. The search
// starts at the seed radius and widens by the expansion factor until it finds
// at least one request or hits the ceiling.
//
// A driver with no known location gets ErrNoLocation, which is distinct from
// an empty page: the former means "report a position first".
func (e *Engine) NearbyPendingRequests(ctx context.Context, cfg config.DispatchConfig, d models.DriverProfile, page int) ([]models.TripSummary, error) {
	observability.MatchQueries.Inc()

	if !d.Online {
		return nil, models.ErrDriverOffline
	}
	loc, ok, err := e.Geo.Location(ctx, d.DriverID)
	if err != nil {
		return nil, err
	}
	if !ok || !loc.Online {
		return nil, models.ErrNoLocation
	}
	// An empty category set matches nothing, not everything.
	if d.Categories.Empty() {
		return []models.TripSummary{}, nil
	}

	pending, err := e.Store.PendingForMatching(ctx, loc.ZoneID, d.DriverID)
	if err != nil {
		return nil, err
	}

	parcelsBlocked := cfg.ParcelLimitOn && d.ParcelsActive >= cfg.MaxParcelConcurrency

	type scored struct {
		trip *models.TripRequest
		dist float64
	}
	eligible := make([]scored, 0, len(pending))
	for _, t := range pending {
		if parcelsBlocked && t.Type == models.TypeParcel {
			continue
		}
		want := models.ParseCategorySet(t.VehicleCategoryID)
		if !want.Empty() && !categoryIntersects(d.Categories, want) {
			continue
		}
		dist := geo.Haversine(loc.Loc.Lat, loc.Loc.Lon, t.Pickup.Lat, t.Pickup.Lon)
		eligible = append(eligible, scored{trip: t, dist: dist})
	}

	// widen until something is in range or the ceiling is reached
	radius := cfg.SearchRadiusSeed
	var inRange []scored
	for {
		inRange = inRange[:0]
		for _, s := range eligible {
			if s.dist <= radius {
				inRange = append(inRange, s)
			}
		}
		if len(inRange) > 0 || radius >= cfg.SearchRadiusCeiling {
			break
		}
		radius *= cfg.RadiusExpandFactor
		if radius > cfg.SearchRadiusCeiling {
			radius = cfg.SearchRadiusCeiling
		}
		observability.RadiusExpansions.Inc()
		e.Logger.Debug("widening candidate search", "driver_id", d.DriverID, "radius_m", radius)
	}

	sort.Slice(inRange, func(i, j int) bool {
		if inRange[i].dist != inRange[j].dist {
			return inRange[i].dist < inRange[j].dist
		}
		return inRange[i].trip.CreatedAt.Before(inRange[j].trip.CreatedAt)
	})

	out := make([]models.TripSummary, 0, cfg.PageSize)
	start := page * cfg.PageSize
	for i := start; i < len(inRange) && len(out) < cfg.PageSize; i++ {
		s := inRange[i]
		out = append(out, models.TripSummary{
			ID:             s.trip.ID,
			Type:           s.trip.Type,
			Pickup:         s.trip.Pickup,
			Destination:    s.trip.Destination,
			EstimatedFare:  s.trip.EstimatedFare,
			BiddingOn:      s.trip.BiddingOn,
			DistanceMeters: s.dist,
			CreatedAt:      s.trip.CreatedAt,
		})
	}
	return out, nil
}

// NearbyDrivers lists online drivers around a point for the pre-booking
// screen, widening the radius the same way the driver-side search does.
// An empty result after reaching the ceiling is a valid answer.
func (e *Engine) NearbyDrivers(ctx context.Context, cfg config.DispatchConfig, zoneID string, center models.Coord, filter models.CategorySet, limit int) ([]models.CandidateDriver, error) {
	observability.MatchQueries.Inc()
	if limit <= 0 {
		limit = cfg.PageSize
	}

	radius := cfg.SearchRadiusSeed
	for {
		candidates, err := e.Geo.Query(ctx, zoneID, center, radius, filter, limit)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 || radius >= cfg.SearchRadiusCeiling {
			return candidates, nil
		}
		radius *= cfg.RadiusExpandFactor
		if radius > cfg.SearchRadiusCeiling {
			radius = cfg.SearchRadiusCeiling
		}
		observability.RadiusExpansions.Inc()
	}
}

func categoryIntersects(a, b models.CategorySet) bool {
	for id := range a {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

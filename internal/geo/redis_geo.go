package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Positions live in one
// GEO set per zone; per-driver eligibility lives in a metadata hash. The
// index is eventually consistent and a few seconds of staleness is fine.
type RedisGeo struct {
	client *redis.Client
	prefix string
}

func NewRedisGeo(addr, password, keyPrefix string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, prefix: keyPrefix}
}

// NewRedisGeoWithClient reuses an existing client, e.g. the one the
// assignment lock runs on.
func NewRedisGeoWithClient(c *redis.Client, keyPrefix string) *RedisGeo {
	return &RedisGeo{client: c, prefix: keyPrefix}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	if err := r.client.GeoAdd(ctx, r.zoneKey(d.ZoneID), &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.DriverID,
	}).Err(); err != nil {
		return err
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return r.client.HSet(ctx, r.metaKey(d.DriverID), map[string]interface{}{
		"zone":       d.ZoneID,
		"online":     strconv.FormatBool(d.Online),
		"categories": strings.Join(d.Categories.IDs(), ","),
		"lat":        strconv.FormatFloat(d.Loc.Lat, 'f', 6, 64),
		"lon":        strconv.FormatFloat(d.Loc.Lon, 'f', 6, 64),
		"updated":    updated.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Query(ctx context.Context, zoneID string, center models.Coord, radiusMeters float64, filter models.CategorySet, limit int) ([]models.CandidateDriver, error) {
	// over-fetch so metadata filtering still fills the page
	count := limit * 4
	if count <= 0 {
		count = 100
	}
	res, err := r.client.GeoRadius(ctx, r.zoneKey(zoneID), center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     count,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.CandidateDriver, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, r.metaKey(g.Name)).Result()
		if err != nil || m["online"] != "true" {
			continue
		}
		if !filter.Empty() {
			cats := models.NewCategorySet(strings.Split(m["categories"], ",")...)
			if !intersects(cats, filter) {
				continue
			}
		}
		out = append(out, models.CandidateDriver{
			DriverID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) Location(ctx context.Context, driverID string) (models.DriverLocation, bool, error) {
	m, err := r.client.HGetAll(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, false, err
	}
	if len(m) == 0 {
		return models.DriverLocation{}, false, nil
	}
	lat, _ := strconv.ParseFloat(m["lat"], 64)
	lon, _ := strconv.ParseFloat(m["lon"], 64)
	updated, _ := time.Parse(time.RFC3339, m["updated"])
	return models.DriverLocation{
		DriverID:   driverID,
		Loc:        models.Coord{Lat: lat, Lon: lon},
		ZoneID:     m["zone"],
		Online:     m["online"] == "true",
		Categories: models.NewCategorySet(strings.Split(m["categories"], ",")...),
		Updated:    updated,
	}, true, nil
}

func (r *RedisGeo) zoneKey(zoneID string) string { return r.prefix + ":zone:" + zoneID }
func (r *RedisGeo) metaKey(id string) string     { return r.prefix + ":meta:" + id }

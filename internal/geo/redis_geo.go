package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

// RedisGeo implements Geo on Redis GEO commands. Positions live in one
// GEO key; availability and freshness in a per-driver hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      loc.DriverID,
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"available": strconv.FormatBool(loc.Available),
		"updated":   loc.UpdatedAt.Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Near(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err == nil && meta["available"] == "false" {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }

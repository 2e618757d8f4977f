package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

// Candidate is one driver returned by a radius search.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Geo is the external geospatial capability: last-known driver positions
// and radius search around a pickup point. Only available drivers are
// returned.
type Geo interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Near(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error)
}

// Index is an in-memory Geo for tests and redis-less runs.
type Index struct {
	mu        sync.RWMutex
	positions map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(ctx context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	g.positions[loc.DriverID] = loc
	return nil
}

// naive scan; the redis implementation does the real work in production
func (g *Index) Near(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, len(g.positions))
	for id, loc := range g.positions {
		if !loc.Available {
			continue
		}
		km := HaversineKm(center.Lat, center.Lng, loc.Lat, loc.Lng)
		if km <= radiusKm {
			out = append(out, Candidate{DriverID: id, DistanceKm: km})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

package matcher

import (
	"context"
	"sort"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

// Source yields the current presence snapshot around a point. The Presence
// Directory and the Redis GEO mirror both satisfy it.
type Source interface {
	Drivers(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error)
}

// RedisSource reads candidates from the Redis GEO mirror written by the
// location consumer.
type RedisSource struct {
	Geo   *geo.RedisGeo
	Limit int
}

func (s RedisSource) Drivers(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	return s.Geo.Nearby(ctx, center, radiusKm, s.Limit)
}

// Locator ranks nearby drivers for an order. It has no side effects.
type Locator struct {
	Source Source
	TopN   int
}

// Find returns online, available drivers within maxRadiusKm of pickup whose
// vehicle matches method, nearest first. A driver without a declared method
// matches any.
func (l *Locator) Find(ctx context.Context, pickup models.Coord, method models.Method, maxRadiusKm float64) ([]models.Candidate, error) {
	drivers, err := l.Source.Drivers(ctx, pickup, maxRadiusKm)
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Online || !d.Available {
			continue
		}
		if d.Method != "" && method != "" && d.Method != method {
			continue
		}
		dist := geo.DistanceKm(pickup, d.Loc)
		if dist > maxRadiusKm {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.ID, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if l.TopN > 0 && len(out) > l.TopN {
		out = out[:l.TopN]
	}
	return out, nil
}

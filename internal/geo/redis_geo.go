package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// RedisGeo mirrors driver presence into Redis GEO so the external
// presence/location service and the location consumer share one view. It
// also serves as a candidate source for the locator.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

// Upsert stores the position with GEOADD and presence flags in a hash.
func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	return r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d)).Err()
}

// Remove drops the driver from the GEO set; metadata is kept with online=false.
func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(driverID), "online", "false", "available", "false").Err()
}

// Nearby returns drivers within radiusKm of center, nearest first.
func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			applyMeta(&d, m)
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"rating":    fmt.Sprintf("%f", d.Rating),
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Available),
		"method":    string(d.Method),
		"updated":   time.Now().Format(time.RFC3339),
	}
}

func applyMeta(d *models.Driver, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	d.Method = models.Method(m["method"])
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = ts
		}
	}
}

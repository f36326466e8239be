package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

// Client is a directions provider returning a travel time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, method models.Method, from, to models.Coord) (float64, error)
}

// Cache holds directions results per method and point pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(m models.Method, a, b models.Coord) string {
	return string(m) + ":" + fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(m models.Method, a, b models.Coord) (float64, bool) {
	k := keyFor(m, a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(m models.Method, a, b models.Coord, v float64) {
	k := keyFor(m, a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive ETA: straight-line distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.DistanceM(from, to) / speedMps
}

// Estimator resolves ETAs through the cache, then the directions client,
// then the naive estimator.
type Estimator struct {
	Client Client // optional
	Cache  *Cache // optional
}

// Seconds never fails; speedMps feeds the naive fallback.
func (e *Estimator) Seconds(ctx context.Context, method models.Method, from, to models.Coord, speedMps float64) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(method, from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, method, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(method, from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, speedMps)
}

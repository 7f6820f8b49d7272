// Package configcache holds the process-local cache of active position
// configs. Every ingested trade is evaluated against every active
// config, so hitting the store per trade is prohibitive; this cache
// refreshes lazily on a TTL and coalesces concurrent reloads with
// singleflight.
package configcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/postrack/positions/internal/clock"
	"github.com/postrack/positions/internal/model"
)

const defaultRefreshInterval = 60 * time.Second

// ConfigLoader is the subset of the config store this cache depends on.
type ConfigLoader interface {
	FindActive(ctx context.Context) ([]model.PositionConfig, error)
}

// Cache is a thread-safe TTL cache of the active PositionConfig set.
type Cache struct {
	loader          ConfigLoader
	clock           clock.Clock
	refreshInterval time.Duration

	mu          sync.RWMutex
	configs     []model.PositionConfig
	lastRefresh time.Time

	group singleflight.Group

	hits    int64
	misses  int64
	refresh int64
}

// New returns a Cache with the default 60-second refresh interval.
func New(loader ConfigLoader) *Cache {
	return NewWithInterval(loader, defaultRefreshInterval, clock.Real{})
}

// NewWithInterval returns a Cache with an explicit refresh interval and
// clock, for tests that need to control staleness deterministically.
func NewWithInterval(loader ConfigLoader, interval time.Duration, c clock.Clock) *Cache {
	return &Cache{loader: loader, clock: c, refreshInterval: interval}
}

// Active returns the current active config set, refreshing first if the
// cache is empty or older than refreshInterval. Concurrent callers that
// find the cache empty or stale all wait for the single in-flight reload
// and receive its result — never a partial set.
func (c *Cache) Active(ctx context.Context) ([]model.PositionConfig, error) {
	if fresh, ok := c.snapshot(); ok {
		return fresh, nil
	}

	v, err, _ := c.group.Do("active", func() (any, error) {
		// Re-check inside the singleflight critical section: another
		// goroutine may have refreshed while we were waiting to enter.
		if fresh, ok := c.snapshot(); ok {
			return fresh, nil
		}
		configs, err := c.loader.FindActive(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.configs = configs
		c.lastRefresh = c.clock.Now()
		c.refresh++
		c.mu.Unlock()
		return configs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.PositionConfig), nil
}

// snapshot returns the cached set if it is non-empty and within TTL.
func (c *Cache) snapshot() ([]model.PositionConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.configs) == 0 {
		c.misses++
		return nil, false
	}
	if c.clock.Now().Sub(c.lastRefresh) > c.refreshInterval {
		c.misses++
		return nil, false
	}
	c.hits++
	return c.configs, true
}

// Invalidate forces the next Active call to reload regardless of TTL,
// used after a config CRUD mutation so the cache doesn't serve stale
// scope/active state for up to refreshInterval.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = nil
	c.lastRefresh = time.Time{}
}

// Stats reports hit/miss/refresh counters, exposed via internal/metrics.
type Stats struct {
	Hits    int64
	Misses  int64
	Refresh int64
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Refresh: c.refresh}
}

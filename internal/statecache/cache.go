// Package statecache implements the State Cache (spec §4.3): a TTL-bounded
// memoization of the Discovery Pipeline's output, with concurrent callers
// collapsed onto a single in-flight refresh via singleflight.
package statecache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/siteflow/siteflow/internal/clock"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
)

// Discoverer is the narrow dependency the cache refreshes from.
type Discoverer interface {
	Discover(ctx context.Context) ([]discovery.Site, error)
}

// Cache holds the most recently discovered site list, refreshing it at most
// once per TTL unless a caller forces a refresh.
type Cache struct {
	disc Discoverer
	clk  clock.Clock
	log  *logging.Logger
	ttl  time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	sites    []discovery.Site
	fetched  time.Time
	hasValue bool
}

// New builds a Cache with the given refresh TTL.
func New(disc Discoverer, clk clock.Clock, log *logging.Logger, ttl time.Duration) *Cache {
	return &Cache{disc: disc, clk: clk, log: log.Component("statecache"), ttl: ttl}
}

// Get returns the cached site list, refreshing it first if it is absent,
// stale, or forceRefresh is set. Concurrent Get calls that land during a
// refresh all wait on and share the same underlying Discover call.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) ([]discovery.Site, error) {
	if !forceRefresh && c.fresh() {
		return c.snapshotLocked(), nil
	}

	v, err, _ := c.group.Do("discover", func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// already refreshed while we waited to enter Do.
		if !forceRefresh && c.fresh() {
			return c.snapshotLocked(), nil
		}
		sites, err := c.disc.Discover(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.sites = sites
		c.fetched = c.clk.Now()
		c.hasValue = true
		c.mu.Unlock()
		return sites, nil
	})
	if err != nil {
		c.log.Warn("discovery refresh failed", "error", err)
		return nil, err
	}
	return v.([]discovery.Site), nil
}

// Invalidate marks the cache stale so the next Get forces a refresh,
// without blocking on one itself.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = time.Time{}
}

// Snapshot returns the last known value without triggering a refresh, even
// if stale. Used by components that must not block on a remote round trip
// (e.g. the Action Engine resolving a container to its site).
func (c *Cache) Snapshot() ([]discovery.Site, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasValue {
		return nil, false
	}
	return c.sites, true
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasValue && c.clk.Since(c.fetched) < c.ttl
}

func (c *Cache) snapshotLocked() []discovery.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sites
}

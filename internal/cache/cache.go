// Package cache holds the bounded-staleness read-through cache of the
// latest reading per space. The cache is advisory: losing it only raises
// store load, never data loss.
package cache

import (
	"sync"
	"time"

	"occusense/occupancy/internal/model"
)

// Observer receives hit/miss notifications, typically the metrics context.
type Observer interface {
	CacheHit()
	CacheMiss()
}

// Reading aliases the canonical model type for brevity.
type Reading = model.OccupancyReading

type entry struct {
	reading  Reading
	cachedAt time.Time
}

// OccupancyCache keeps the most recent reading per space under
// last-write-wins, serving it only while younger than the staleness bound.
type OccupancyCache struct {
	mu        sync.RWMutex
	m         map[string]entry
	staleness time.Duration
	obs       Observer
	now       func() time.Time
}

// New builds a cache with the given staleness bound (default 30s when
// non-positive).
func New(staleness time.Duration, obs Observer) *OccupancyCache {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &OccupancyCache{
		m:         make(map[string]entry),
		staleness: staleness,
		obs:       obs,
		now:       time.Now,
	}
}

// GetCurrent returns the latest reading for the space if one exists and
// its cache entry is within the staleness bound.
func (c *OccupancyCache) GetCurrent(spaceID string) (Reading, bool) {
	c.mu.RLock()
	e, ok := c.m[spaceID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) > c.staleness {
		if c.obs != nil {
			c.obs.CacheMiss()
		}
		return Reading{}, false
	}
	if c.obs != nil {
		c.obs.CacheHit()
	}
	return e.reading, true
}

// Put stores the reading if it is newer than the cached one for the same
// space; an older timestamp is a no-op regardless of insertion order.
func (c *OccupancyCache) Put(r Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[r.SpaceID]; ok && !r.Timestamp.After(e.reading.Timestamp) {
		return
	}
	c.m[r.SpaceID] = entry{reading: r, cachedAt: c.now()}
}

// Invalidate drops one space's entry.
func (c *OccupancyCache) Invalidate(spaceID string) {
	c.mu.Lock()
	delete(c.m, spaceID)
	c.mu.Unlock()
}

// Len reports the number of cached spaces, fresh or not.
func (c *OccupancyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

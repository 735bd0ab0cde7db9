/*
Copyright © 2025 ALESSIO TONIOLO

cache.go keeps the most recently seen request costs and estimates the cost of
requests that were never seen before from their closest cached neighbor.
*/
package costcache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
)

// Entry is one observed request cost
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Cost        float64
}

// Cache is a bounded LRU map from fingerprint to observed cost.
// Every operation takes the same lock; Estimate reorders entries on an exact hit.
type Cache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[fingerprint.Fingerprint, float64]
	delta   float64
}

// New creates a cache holding at most capacity entries. delta is the similarity
// distance passed to fingerprint.Similarity.
func New(capacity int, delta float64) (*Cache, error) {
	entries, err := simplelru.NewLRU[fingerprint.Fingerprint, float64](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost cache: %w", err)
	}
	return &Cache{entries: entries, delta: delta}, nil
}

// Get returns the exact cost for fp and marks it most recently used
func (c *Cache) Get(fp fingerprint.Fingerprint) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(fp)
}

// Put inserts fp only if it is not cached yet. An existing entry keeps its
// cost but is still refreshed to most recently used.
func (c *Cache) Put(fp fingerprint.Fingerprint, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(fp, cost)
}

func (c *Cache) put(fp fingerprint.Fingerprint, cost float64) {
	if _, ok := c.entries.Get(fp); ok {
		return
	}
	c.entries.Add(fp, cost)
}

// PutAll overwrites every given entry and moves it to the most recent end, in order.
func (c *Cache) PutAll(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries.Remove(e.Fingerprint)
		c.put(e.Fingerprint, e.Cost)
	}
}

// Estimate returns the exact cost if fp is cached, otherwise the cost of the
// most similar cached fingerprint. Ties keep the earlier (less recently used)
// candidate. Returns 0 when nothing is similar at all.
func (c *Cache) Estimate(fp fingerprint.Fingerprint) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cost, ok := c.entries.Get(fp); ok {
		return cost
	}

	best := 0.0
	estimate := 0.0
	for _, candidate := range c.entries.Keys() {
		sim := fingerprint.Similarity(fp, candidate, c.delta)
		if sim > best {
			best = sim
			estimate, _ = c.entries.Peek(candidate)
		}
	}
	return estimate
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Keys returns cached fingerprints from least to most recently used
func (c *Cache) Keys() []fingerprint.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

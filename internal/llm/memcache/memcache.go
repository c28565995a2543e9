// Package memcache provides an in-memory implementation of llm.Cache.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/llm"
)

// Cache holds responses in memory with per-entry TTL. Suitable for a single
// process; use the redis cache to share entries across replicas.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	max     int

	now func() time.Time // test seam
}

type entry struct {
	resp       llm.Response
	insertedAt time.Time
	expiresAt  time.Time
}

// New creates a cache bounded to maxEntries. When full, the oldest entry is
// evicted on insert.
func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		entries: make(map[string]entry),
		max:     maxEntries,
		now:     time.Now,
	}
}

// Get returns a copy of the stored response, treating expired entries as
// misses and removing them.
func (c *Cache) Get(_ context.Context, key string) (*llm.Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	cp := e.resp
	return &cp, true, nil
}

// Set stores a copy of resp under key. A ttl of zero or less stores nothing,
// which disables caching for that entry.
func (c *Cache) Set(_ context.Context, key string, resp *llm.Response, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	now := c.now()
	c.entries[key] = entry{
		resp:       *resp,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	return nil
}

// Len reports the number of stored entries, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the entry inserted earliest. Caller holds c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.insertedAt.Before(oldest) {
			oldestKey, oldest = k, e.insertedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Package cache implements the in-memory computed-field cache named in
// §5's "Shared resources": an optimisation only, keyed
// "computed-fields:<entityType>:<entityId>:<branchId>". Any inconsistency
// is resolved by eviction and recomputation, never by trusting a stale
// read past an explicit invalidation.
package cache

import (
	"fmt"
	"sync"
	"time"
)

// entry pairs a cached value with the wall-clock time it expires, so the
// grace-period sweep (internal/jobs) can reap entries without a caller
// ever needing to evict them explicitly.
type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a thread-safe, TTL-expiring key/value store. The zero value is
// not usable; construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New constructs a Cache whose entries expire after ttl. A ttl of zero
// means entries never expire on their own and must be evicted explicitly.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]entry), ttl: ttl, now: time.Now}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, starting a fresh TTL window.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
}

// Evict removes key, if present. Safe to call on a key that was never set.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// EvictExpired drops every entry whose TTL has elapsed as of now, and
// reports how many were removed. Called by the grace-period sweep job
// rather than on every read, so readers never pay a full-map scan.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// ComputedFieldKey builds the cache key for a computed/derived field
// belonging to (entityType, entityId, branchId), per §5.
func ComputedFieldKey(entityType, entityID, branchID string) string {
	return fmt.Sprintf("computed-fields:%s:%s:%s", entityType, entityID, branchID)
}

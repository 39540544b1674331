package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL-bounded set of recently seen message keys.
// It sits in front of the store's durable dedup index and absorbs webhook
// retries / double-delivery without a database round-trip.
// Safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	maxEntries int
}

// NewDedupeCache creates a cache that forgets keys after ttl and holds at
// most maxEntries keys.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Seen records key and reports whether it was already present and fresh.
func (c *DedupeCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxEntries {
		c.evict(now)
	}

	c.seen[key] = now
	return false
}

// Forget removes key so a later redelivery passes the cache again. Used
// when the operation the key guarded did not complete; the source retries
// with the same key and must not be swallowed.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// evict drops expired entries, then oldest-first until under the cap.
// Caller holds c.mu.
func (c *DedupeCache) evict(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey = k
				oldestAt = at
			}
		}
		delete(c.seen, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

package client

import (
	"sync"
	"time"
)

// sweepAt is the size at which set first drops expired entries.
const sweepAt = 1024

// cacheEntry holds a cached verification.
type cacheEntry struct {
	result    *Verification
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// resultCache is a thread-safe in-memory TTL cache of anchored verifications,
// keyed by digest hex.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{entries: make(map[string]*cacheEntry), ttl: ttl, now: time.Now}
}

func (c *resultCache) get(key string) (*Verification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.result, true
}

// set stores result if it is anchored; other statuses can still change.
func (c *resultCache) set(key string, result *Verification) {
	if result.Status != StatusAnchored {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= sweepAt {
		c.evictLocked()
	}
	c.entries[key] = &cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)}
}

// evict removes all expired entries.
func (c *resultCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

func (c *resultCache) evictLocked() int {
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *resultCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

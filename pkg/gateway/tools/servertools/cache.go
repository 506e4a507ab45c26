package servertools

import (
	"time"
)

type cachedResult struct {
	Payload   map[string]any
	Status    string
	CachedAt  time.Time
	ExpiresAt time.Time
}

// resultCache keeps the last async result per tool name, bounded by TTL and entry count.
// Callers hold the dispatcher lock.
type resultCache struct {
	results    map[string]*cachedResult
	ttl        time.Duration
	maxEntries int
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	return &resultCache{
		results:    make(map[string]*cachedResult),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *resultCache) get(key string, now time.Time) (*cachedResult, bool) {
	entry, ok := c.results[key]
	if !ok {
		return nil, false
	}
	if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		delete(c.results, key)
		return nil, false
	}
	return entry, true
}

func (c *resultCache) put(key string, payload map[string]any, status string, now time.Time) {
	entry := &cachedResult{Payload: payload, Status: status, CachedAt: now}
	if c.ttl > 0 {
		entry.ExpiresAt = now.Add(c.ttl)
	}
	c.results[key] = entry
	if c.maxEntries <= 0 {
		return
	}
	for len(c.results) > c.maxEntries {
		c.evictOldest()
	}
}

func (c *resultCache) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range c.results {
		if oldestKey == "" || entry.CachedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.CachedAt
		}
	}
	delete(c.results, oldestKey)
}

func (c *resultCache) delete(key string) bool {
	_, ok := c.results[key]
	delete(c.results, key)
	return ok
}

func (c *resultCache) clear() int {
	n := len(c.results)
	clear(c.results)
	return n
}

func (c *resultCache) sweep(now time.Time) int {
	removed := 0
	for key, entry := range c.results {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			delete(c.results, key)
			removed++
		}
	}
	return removed
}

func (c *resultCache) len() int {
	return len(c.results)
}

package threatfeed

import (
	"sync"
	"time"
)

type cacheEntry struct {
	resp    *Response
	expires time.Time
}

// cache is a TTL map of aggregated responses. Entries are checked for
// expiry on read; purge removes dead entries in bulk.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newCache() *cache {
	return &cache{entries: make(map[string]cacheEntry)}
}

func (c *cache) get(key string, now time.Time) (*Response, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || now.After(e.expires) {
		return nil, false
	}
	return e.resp, true
}

func (c *cache) put(key string, resp *Response, expires time.Time) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{resp: resp, expires: expires}
	c.mu.Unlock()
}

func (c *cache) purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

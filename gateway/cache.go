package gateway

import (
	"path"
	"sync"
	"time"
)

// responseCache is a per-process TTL cache of upstream responses.
// Enforcement is intentionally per gateway process, like the rate
// limiter and breaker.
type responseCache struct {
	mu    sync.Mutex
	items map[string]cacheItem
}

type cacheItem struct {
	response  Response
	expiresAt time.Time
}

func newResponseCache() *responseCache {
	return &responseCache{items: make(map[string]cacheItem)}
}

func (c *responseCache) Get(key string, now time.Time) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if now.After(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	resp := item.response
	return &resp, true
}

func (c *responseCache) Put(key string, resp Response, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{response: resp, expiresAt: now.Add(ttl)}
}

// Clear removes entries whose key matches the glob pattern. An empty
// pattern clears everything. Returns the number removed.
func (c *responseCache) Clear(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" || pattern == "*" {
		n := len(c.items)
		c.items = make(map[string]cacheItem)
		return n
	}
	removed := 0
	for key := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *responseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// sweep drops expired entries
func (c *responseCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

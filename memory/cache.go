package memory

import (
	"container/list"
)

// lruCache is a bounded least-recently-used mirror of memory entries.
// Not safe for concurrent use; the coordinator serializes access.
type lruCache struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
	evicted  uint64
}

type lruItem struct {
	key   string
	entry *MemoryEntry
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) Get(key string) (*MemoryEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

// Peek reads without refreshing recency
func (c *lruCache) Peek(key string) (*MemoryEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*lruItem).entry, true
}

func (c *lruCache) Put(key string, entry *MemoryEntry) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruItem{key: key, entry: entry})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruItem).key)
			c.evicted++
		}
	}
}

func (c *lruCache) Remove(key string) {
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *lruCache) Len() int { return c.order.Len() }

func (c *lruCache) Evicted() uint64 { return c.evicted }

// Keys returns the cached keys from most to least recently used
func (c *lruCache) Keys() []string {
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruItem).key)
	}
	return out
}

package embedding

import (
	"container/list"
	"crypto/sha256"
	"sync"
	"time"
)

// cache is a thread-safe LRU with per-entry TTL, keyed by content hash.
// Capacity and TTL come from configuration (defaults: 10k entries, 1h).
type cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[[32]byte]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

type cacheEntry struct {
	key      [32]byte
	vector   []float32
	storedAt time.Time
}

func newCache(capacity int, ttl time.Duration) *cache {
	return &cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[[32]byte]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

func cacheKey(text string) [32]byte {
	return sha256.Sum256([]byte(text))
}

func (c *cache) get(text string) ([]float32, bool) {
	key := cacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.vector, true
}

func (c *cache) put(text string, vector []float32) {
	key := cacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).vector = vector
		el.Value.(*cacheEntry).storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vector: vector, storedAt: c.now()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

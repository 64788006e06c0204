package embedding

import (
	"container/list"
	"context"
	"sync"
)

// Cache keeps recently indexed vectors in memory so similarity checks can
// resolve a node's embedding reference without a round trip. It is filled
// as an index target of the embedding dispatcher.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type cacheEntry struct {
	ref    string
	vector []float32
}

// NewCache creates a cache holding at most size vectors.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 10000
	}
	return &Cache{max: size, order: list.New(), entries: make(map[string]*list.Element)}
}

// Index stores vector under ref.
func (c *Cache) Index(_ context.Context, ref string, vector []float32, _ map[string]string) error {
	c.Put(ref, vector)
	return nil
}

// Put stores vector under ref, evicting the least recently used entry when full.
func (c *Cache) Put(ref string, vector []float32) {
	v := append([]float32(nil), vector...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ref]; ok {
		el.Value.(*cacheEntry).vector = v
		c.order.MoveToFront(el)
		return
	}
	c.entries[ref] = c.order.PushFront(&cacheEntry{ref: ref, vector: v})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).ref)
	}
}

// Remove drops the vectors of deleted nodes.
func (c *Cache) Remove(_ context.Context, refs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		if el, ok := c.entries[ref]; ok {
			c.order.Remove(el)
			delete(c.entries, ref)
		}
	}
	return nil
}

// Vector implements memory.VectorLookup.
func (c *Cache) Vector(ref string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[ref]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vector, true
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

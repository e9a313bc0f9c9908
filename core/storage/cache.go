package storage

import (
	"container/list"
	"sync"
)

// pageCache is an LRU over clean page buffers, shared by the data and log
// origins. Buffers stored here are never handed out directly; readers get a
// copy through LoadPage so cache entries stay immutable.
type pageCache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	entries  map[cacheKey]*list.Element
}

type cacheKey struct {
	origin   FileOrigin
	position int64
}

type cacheEntry struct {
	key cacheKey
	buf []byte
}

func newPageCache(capacity int) *pageCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &pageCache{
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[cacheKey]*list.Element, capacity),
	}
}

func (c *pageCache) get(origin FileOrigin, position int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[cacheKey{origin, position}]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	buf := el.Value.(*cacheEntry).buf
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func (c *pageCache) put(origin FileOrigin, position int64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{origin, position}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).buf = buf
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&cacheEntry{key: key, buf: buf})
	c.entries[key] = el
	for c.lru.Len() > c.capacity {
		victim := c.lru.Back()
		c.lru.Remove(victim)
		delete(c.entries, victim.Value.(*cacheEntry).key)
	}
}

func (c *pageCache) drop(origin FileOrigin, position int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{origin, position}
	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
}

func (c *pageCache) dropOrigin(origin FileOrigin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if key.origin == origin {
			c.lru.Remove(el)
			delete(c.entries, key)
		}
	}
}

package chunk

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a byte-bounded LRU with per-entry TTL. Buffers are immutable
// after insertion and shared by reference with any number of readers.
type lruCache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	curBytes int64
	order    *list.List               // front = most recent
	entries  map[cacheKey]*list.Element

	now func() time.Time // test hook
}

type cacheKey struct {
	fileID int64
	offset int64
	limit  int
}

type cacheEntry struct {
	key     cacheKey
	data    []byte
	addedAt time.Time
}

func newLRUCache(maxBytes int64, ttl time.Duration) *lruCache {
	return &lruCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[cacheKey]*list.Element),
		now:      time.Now,
	}
}

func (c *lruCache) get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(ent.addedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.data, true
}

func (c *lruCache) put(key cacheKey, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	el := c.order.PushFront(&cacheEntry{key: key, data: data, addedAt: c.now()})
	c.entries[key] = el
	c.curBytes += int64(len(data))
	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

func (c *lruCache) removeLocked(el *list.Element) {
	ent := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	c.curBytes -= int64(len(ent.data))
}

func (c *lruCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

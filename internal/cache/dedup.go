package cache

import (
	"container/list"
	"sync"
)

// defaultDedupCapacity bounds how many recent object ids the relay
// remembers for duplicate-Announce suppression. Old entries are evicted
// least-recently-seen first once the cache is full.
const defaultDedupCapacity = 4096

// ObjectDedupCache is a bounded LRU set of object ids the relay has already
// announced, so a redelivered or re-Created activity for the same object
// doesn't get forwarded twice.
type ObjectDedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewObjectDedupCache creates a cache bounded at capacity entries.
// capacity <= 0 uses defaultDedupCapacity.
func NewObjectDedupCache(capacity int) *ObjectDedupCache {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &ObjectDedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen reports whether id has been recorded before, without marking it.
func (c *ObjectDedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// MarkSeen records id as seen, touching it to the front of the LRU if
// already present. Returns true if this is the first time id has been
// seen (i.e. the caller should proceed), false if it's a duplicate.
func (c *ObjectDedupCache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return false
	}

	el := c.order.PushFront(id)
	c.index[id] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return true
}

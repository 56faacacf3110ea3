package pipeline

import (
	"container/list"
	"sync"
)

// seenCache is a bounded LRU set of catalog IDs already known to be stored.
// Stored events are never deleted, so entries need no expiry: a hit is always
// accurate and a miss only costs a store lookup.
type seenCache struct {
	mu    sync.Mutex
	limit int
	order *list.List               // of string IDs, most recent at front
	index map[string]*list.Element // ID -> element in order
}

func newSeenCache(limit int) *seenCache {
	if limit <= 0 {
		limit = 1
	}
	return &seenCache{
		limit: limit,
		order: list.New(),
		index: make(map[string]*list.Element, limit),
	}
}

func (c *seenCache) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[id]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

func (c *seenCache) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.index[id] = c.order.PushFront(id)
	for c.order.Len() > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
	}
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

package executor

import (
	"container/list"
	"sync"
)

// dedupeRecord tracks one recently seen opportunity id. conflictSent caps the
// lock-conflict duplicate results at one per id.
type dedupeRecord struct {
	id           string
	conflictSent bool
}

// duplicateCache is a bounded LRU set of recently seen opportunity ids. It
// distinguishes a redelivery of work this instance already completed (cache
// hit) from contention with a peer instance (cache miss, lock busy). It is
// not persisted; after a restart redeliveries manifest as legitimate retries,
// bounded by the distributed lock TTL.
type duplicateCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDuplicateCache(capacity int) *duplicateCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &duplicateCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen records id and reports whether it was already present. A repeat
// sighting refreshes recency.
func (c *duplicateCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[id]; ok {
		c.order.MoveToFront(elem)
		return true
	}

	c.index[id] = c.order.PushFront(&dedupeRecord{id: id})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*dedupeRecord).id)
	}
	return false
}

// FirstConflict marks that a lock-conflict result is being published for id
// and reports whether this is the first one. Later duplicates of the same id
// are acknowledged silently.
func (c *duplicateCache) FirstConflict(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[id]
	if !ok {
		return false
	}
	rec := elem.Value.(*dedupeRecord)
	if rec.conflictSent {
		return false
	}
	rec.conflictSent = true
	return true
}

// Forget drops id so a later redelivery is treated as fresh work. Used when
// this instance lost the lock race and never executed the id.
func (c *duplicateCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[id]; ok {
		c.order.Remove(elem)
		delete(c.index, id)
	}
}

// Len returns the current number of tracked ids.
func (c *duplicateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

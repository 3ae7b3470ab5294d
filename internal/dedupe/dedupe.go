// Package dedupe provides a bounded LRU used to suppress repeated
// heartbeat/error notifications (spec.md §9 Open Question #3): a
// fixed-capacity cache rather than an unbounded map, so a long-running
// workspace can't leak memory on a persistently failing check.
package dedupe

import "container/list"

// LRU is a fixed-capacity set: Seen reports whether key was already
// present, inserting it (and evicting the least-recently-used entry, if
// the cache is full) when it was not.
type LRU struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

// New builds an LRU with the given capacity. A non-positive capacity is
// normalized to 1.
func New(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether key has already been recorded, refreshing its
// recency if so. If key is new, it is inserted and true is never implied
// for it.
func (l *LRU) Seen(key string) bool {
	if el, ok := l.entries[key]; ok {
		l.order.MoveToFront(el)
		return true
	}

	el := l.order.PushFront(key)
	l.entries[key] = el

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.entries, oldest.Value.(string))
		}
	}
	return false
}

// Len reports the number of entries currently cached.
func (l *LRU) Len() int {
	return l.order.Len()
}

package ufs

import (
	"container/list"
	"sync"

	"github.com/squidcore/storecore/internal/store"
)

// lruEntry is the bookkeeping record kept in the replacement policy's
// list, cheap enough to duplicate alongside the bbolt index.
type lruEntry struct {
	key     store.CacheKey
	fileN   int64
	size    int64
	element *list.Element
}

// LRU is the replacement policy the periodic maintenance event scans
// for removal candidates: a doubly-linked list ordered by last
// reference, tail is least-recently-used.
type LRU struct {
	mu      sync.Mutex
	l       *list.List
	entries map[store.CacheKey]*lruEntry
	size    int64
}

func NewLRU() *LRU {
	return &LRU{l: list.New(), entries: make(map[store.CacheKey]*lruEntry)}
}

// Touch records key as most-recently-used, inserting it if new.
func (c *LRU) Touch(key store.CacheKey, fileN, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.size += size - e.size
		e.size = size
		e.fileN = fileN
		c.l.MoveToFront(e.element)
		return
	}
	e := &lruEntry{key: key, fileN: fileN, size: size}
	e.element = c.l.PushFront(e)
	c.entries[key] = e
	c.size += size
}

// Remove drops key from the policy, e.g. on Unlink.
func (c *LRU) Remove(key store.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.l.Remove(e.element)
	delete(c.entries, key)
	c.size -= e.size
}

// Size reports the total bytes currently tracked.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Candidates returns up to n least-recently-used entries, tail first,
// without removing them -- the caller unlinks and then Removes each one
// that was actually evicted.
func (c *LRU) Candidates(n int) []store.CacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.CacheKey, 0, n)
	for e := c.l.Back(); e != nil && len(out) < n; e = e.Prev() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}

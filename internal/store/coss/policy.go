package coss

import (
	"container/list"
	"sync"

	"github.com/squidcore/storecore/internal/store"
)

type policyEntry struct {
	key     store.CacheKey
	offset  int64
	size    int64
	element *list.Element
}

// policy is COSS's replacement-policy integration: an LRU ordering plus the
// range query the allocator needs to evict entries about to be overwritten
// by a reused membuf.
type policy struct {
	mu      sync.Mutex
	l       *list.List
	entries map[store.CacheKey]*policyEntry
}

func newPolicy() *policy {
	return &policy{l: list.New(), entries: make(map[store.CacheKey]*policyEntry)}
}

func (p *policy) Touch(key store.CacheKey, offset, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.offset, e.size = offset, size
		p.l.MoveToFront(e.element)
		return
	}
	e := &policyEntry{key: key, offset: offset, size: size}
	e.element = p.l.PushFront(e)
	p.entries[key] = e
}

func (p *policy) Remove(key store.CacheKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return
	}
	p.l.Remove(e.element)
	delete(p.entries, key)
}

// EntriesInRange returns every tracked key whose offset falls in
// [start, end), the set a new membuf's allocation is about to overwrite.
func (p *policy) EntriesInRange(start, end int64) []store.CacheKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []store.CacheKey
	for e := p.l.Back(); e != nil; e = e.Prev() {
		pe := e.Value.(*policyEntry)
		if pe.offset >= start && pe.offset < end {
			out = append(out, pe.key)
		}
	}
	return out
}

func (p *policy) Candidates(n int) []store.CacheKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.CacheKey, 0, n)
	for e := p.l.Back(); e != nil && len(out) < n; e = e.Prev() {
		out = append(out, e.Value.(*policyEntry).key)
	}
	return out
}

func (p *policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.l.Len()
}

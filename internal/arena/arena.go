// Package arena implements the generational-handle pattern behind
// callback validity checks. A Handle is valid only as long
// as the slot it was issued from hasn't been reused; firing a stale handle
// is a safe no-op rather than a dangling-pointer dereference.
package arena

import "sync"

// Handle addresses one slot in an Arena at a specific generation.
type Handle struct {
	index      int
	generation uint64
}

// Valid reports whether h refers to any slot at all (the zero Handle is
// never valid).
func (h Handle) Valid() bool { return h.generation != 0 }

type slot struct {
	generation uint64
	value      any
	live       bool
}

// Arena is a generation-checked object table. Zero value is not usable;
// use New.
type Arena struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	gen   uint64
}

// New returns an empty Arena.
func New() *Arena {
	return &Arena{}
}

// Put stores value and returns a Handle referencing it.
func (a *Arena) Put(value any) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	gen := a.gen
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = slot{generation: gen, value: value, live: true}
		return Handle{index: idx, generation: gen}
	}
	idx := len(a.slots)
	a.slots = append(a.slots, slot{generation: gen, value: value, live: true})
	return Handle{index: idx, generation: gen}
}

// Get dereferences h. ok is false if h is stale (its slot was freed and
// possibly reused) or out of range.
func (a *Arena) Get(h Handle) (value any, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.index < 0 || h.index >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil, false
	}
	return s.value, true
}

// Release frees the slot referenced by h if it is still current. Releasing
// a stale or already-released handle is a no-op.
func (a *Arena) Release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.index < 0 || h.index >= len(a.slots) {
		return
	}
	s := &a.slots[h.index]
	if !s.live || s.generation != h.generation {
		return
	}
	s.live = false
	s.value = nil
	a.free = append(a.free, h.index)
}

// Len reports the number of live entries (arena occupancy).
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if s.live {
			n++
		}
	}
	return n
}

package coss

import (
	"sync"

	"github.com/pkg/errors"
)

// EvictFunc is invoked once per membuf boundary the allocator crosses, with
// the byte range about to be reused, so the caller's replacement policy can
// release any entry whose file number lies in that range before the membuf's
// backing memory is overwritten. It reports whether curFileN (the entry
// currently being allocated for) collided with the reused range.
type EvictFunc func(rangeStart, rangeEnd int64) (collided bool)

// Allocator owns the single current write cursor and membuf,
// performing wrap-around circular allocation over the stripe file.
type Allocator struct {
	mu sync.Mutex

	addressing    Addressing
	maxSize       int64
	currentOffset int64
	current       *Membuf
}

// NewAllocator builds an Allocator starting its write cursor at 0.
func NewAllocator(addressing Addressing, maxSize int64) *Allocator {
	return &Allocator{addressing: addressing, maxSize: maxSize, current: newMembuf(0)}
}

func (a *Allocator) alignUp(size int64) int64 {
	bs := a.addressing.BlockSize()
	return (size + bs - 1) / bs * bs
}

// Allocate reserves size bytes, returning the file number and owning membuf
// for the write. When the write would cross the current membuf's diskEnd,
// the buffer is marked full, evict is called with the new membuf's
// prospective range so the caller can free colliding entries, and
// current_offset wraps to 0 once it would pass max_size.
func (a *Allocator) Allocate(size int64, evict EvictFunc) (fileN int64, mb *Membuf, collision bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := a.alignUp(size)
	if aligned > MembufSize {
		return 0, nil, false, errors.Errorf("coss: object size %d exceeds membuf size %d", size, MembufSize)
	}

	for a.currentOffset+aligned > a.current.diskEnd {
		a.current.MarkFull()
		nextStart := a.current.diskEnd
		if nextStart+MembufSize > a.maxSize {
			nextStart = 0
		}
		newBuf := newMembuf(nextStart)
		if evict != nil && evict(newBuf.diskStart, newBuf.diskEnd) {
			collision = true
		}
		a.currentOffset = nextStart
		a.current = newBuf
	}

	offset := a.currentOffset
	fn, encErr := a.addressing.Encode(offset)
	if encErr != nil {
		return 0, nil, false, encErr
	}
	a.currentOffset += aligned
	return fn, a.current, collision, nil
}

// Current returns the presently active membuf.
func (a *Allocator) Current() *Membuf {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// CurrentOffset returns the write cursor's current stripe offset.
func (a *Allocator) CurrentOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentOffset
}

package ufs

import "sync"

// FileMap is the dynamically-grown bitmap tracking allocated file
// numbers for one UFS directory: a bit set means the
// file exists on disk or is being created; a bit cleared means the number is
// free for allocation. suggest is the next-fit allocation cursor.
type FileMap struct {
	mu      sync.Mutex
	bits    []uint64
	suggest int64
	count   int64 // live bits, reported by Count
}

// NewFileMap returns an empty map.
func NewFileMap() *FileMap {
	return &FileMap{}
}

func (m *FileMap) wordFor(n int64) (idx int, bit uint64) {
	return int(n / 64), uint64(1) << uint(n%64)
}

func (m *FileMap) ensure(n int64) {
	idx := int(n/64) + 1
	for len(m.bits) < idx {
		m.bits = append(m.bits, 0)
	}
}

// testLocked reports whether n is set; caller holds m.mu.
func (m *FileMap) testLocked(n int64) bool {
	idx, bit := m.wordFor(n)
	if idx >= len(m.bits) {
		return false
	}
	return m.bits[idx]&bit != 0
}

// Test reports whether file number n is currently allocated.
func (m *FileMap) Test(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testLocked(n)
}

// Set marks n allocated unconditionally, used when installing an entry
// recovered from swap.state or a dirty-scan during rebuild (the bit
// may already be clear -- we are establishing ground truth, not toggling
// it).
func (m *FileMap) Set(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(n)
	idx, bit := m.wordFor(n)
	if m.bits[idx]&bit == 0 {
		m.bits[idx] |= bit
		m.count++
	}
}

// Allocate returns the first free bit at or after suggest, sets it,
// and advances suggest past it (next-fit).
func (m *FileMap) Allocate() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.suggest
	for m.testLocked(n) {
		n++
	}
	m.ensure(n)
	idx, bit := m.wordFor(n)
	m.bits[idx] |= bit
	m.count++
	m.suggest = n + 1
	return n
}

// Reset clears n's bit, but only if it was set -- "map_bit_reset(n) only
// clears if set (guards against double-free accounting)".
func (m *FileMap) Reset(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.testLocked(n) {
		return
	}
	idx, bit := m.wordFor(n)
	m.bits[idx] &^= bit
	m.count--
	if n < m.suggest {
		m.suggest = n
	}
}

// Count reports the number of currently-allocated file numbers.
func (m *FileMap) Count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

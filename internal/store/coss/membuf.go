package coss

import "sync"

// MembufSize is the fixed 1 MiB in-memory write-buffer window.
const MembufSize = 1 << 20

// Membuf is one contiguous in-memory window over the stripe file, pinned by
// lockcount while readers/writers reference it.
type Membuf struct {
	mu sync.Mutex

	diskStart, diskEnd int64
	buf                []byte

	full      bool
	writing   bool
	lockCount int32
}

func newMembuf(diskStart int64) *Membuf {
	return &Membuf{
		diskStart: diskStart,
		diskEnd:   diskStart + MembufSize,
		buf:       make([]byte, MembufSize),
	}
}

// Contains reports whether offset falls within this buffer's disk range.
func (m *Membuf) Contains(offset int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return offset >= m.diskStart && offset < m.diskEnd
}

// Range returns the buffer's [diskStart, diskEnd) window.
func (m *Membuf) Range() (start, end int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diskStart, m.diskEnd
}

// WriteAt copies p into the buffer at offset (relative to diskStart).
// The caller must already hold a lock (via Pin) covering the duration
// of the write.
func (m *Membuf) WriteAt(p []byte, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := offset - m.diskStart
	copy(m.buf[rel:], p)
}

// ReadAt copies out len(p) bytes at offset (relative to diskStart) into p.
func (m *Membuf) ReadAt(p []byte, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := offset - m.diskStart
	copy(p, m.buf[rel:rel+int64(len(p))])
}

// Pin increments lockcount, pinning the buffer against write-out and reuse.
func (m *Membuf) Pin() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCount++
	return m.lockCount
}

// Unpin decrements lockcount.
func (m *Membuf) Unpin() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockCount > 0 {
		m.lockCount--
	}
	return m.lockCount
}

// MarkFull freezes this buffer's disk range, making it eligible for write-
// out once unpinned.
func (m *Membuf) MarkFull() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.full = true
}

// IsFull reports whether the buffer's range has been frozen.
func (m *Membuf) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// ReadyToWriteOut reports `full && !writing && lockcount==0`.
func (m *Membuf) ReadyToWriteOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full && !m.writing && m.lockCount == 0
}

// SetWriting marks this buffer as having its async write-out in flight.
func (m *Membuf) SetWriting(w bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writing = w
}

// Bytes returns the live backing buffer (callers must not retain it
// past the buffer's free-on-write-out lifetime).
func (m *Membuf) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf
}

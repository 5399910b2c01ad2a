package coss

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/diskio"
	"github.com/squidcore/storecore/internal/store"
)

// ioState is the membuf-backed store.IO: every write lands in the
// pinned membuf window and reads are memcpy'd straight back out of it,
// so the stripe file itself is only ever touched by the asynchronous
// membuf write-out. Completion callbacks therefore fire synchronously,
// from the caller's own goroutine.
type ioState struct {
	d     *SwapDir
	entry *store.StoreEntry
	mb    *Membuf
	base  int64 // absolute stripe offset of the object's slot
	limit int64 // reserved byte length of the slot

	mu    sync.Mutex
	state store.IOState
	err   error
}

// newMembufIO pins mb for the lifetime of the returned handle; Close
// unpins it, which is what finally lets a full membuf write out.
func newMembufIO(d *SwapDir, entry *store.StoreEntry, mb *Membuf, base, limit int64) *ioState {
	mb.Pin()
	return &ioState{d: d, entry: entry, mb: mb, base: base, limit: limit, state: store.StateOpen}
}

func (s *ioState) State() store.IOState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ioState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// open reports whether the handle still accepts operations; closed
// handles fail them with Corruption rather than panicking on a freed
// buffer.
func (s *ioState) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != store.StateClosing && s.state != store.StateClosed
}

func (s *ioState) Write(buf []byte, offset int64, cb store.WriteCallback) {
	if !s.open() {
		if cb != nil {
			cb(0, diskio.Corruption, errors.Errorf("coss: write on closed io for %s", s.entry.Key))
		}
		return
	}
	if offset < 0 || offset+int64(len(buf)) > s.limit {
		if cb != nil {
			cb(0, diskio.Corruption, errors.Errorf("coss: write [%d,%d) outside the %d-byte slot for %s", offset, offset+int64(len(buf)), s.limit, s.entry.Key))
		}
		return
	}
	s.mb.WriteAt(buf, s.base+offset)
	if cb != nil {
		cb(len(buf), diskio.OK, nil)
	}
}

func (s *ioState) Read(buf []byte, offset int64, cb store.ReadCallback) {
	if !s.open() {
		if cb != nil {
			cb(0, diskio.Corruption, errors.Errorf("coss: read on closed io for %s", s.entry.Key))
		}
		return
	}
	if offset < 0 || offset >= s.limit {
		if cb != nil {
			cb(0, diskio.OK, nil) // past the slot: clean EOF
		}
		return
	}
	n := int64(len(buf))
	if offset+n > s.limit {
		n = s.limit - offset
	}
	s.mb.ReadAt(buf[:n], s.base+offset)
	if cb != nil {
		cb(int(n), diskio.OK, nil)
	}
}

// Close is idempotent; the first call unpins the membuf and kicks the
// write-out scan, since this handle may have been the last pin holding
// a full buffer in memory.
func (s *ioState) Close(cb store.CloseCallback) {
	s.mu.Lock()
	if s.state == store.StateClosed {
		err := s.err
		s.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}
	s.state = store.StateClosed
	err := s.err
	s.mu.Unlock()

	s.mb.Unpin()
	s.d.flushReadyMembufs()
	if cb != nil {
		cb(err)
	}
}

var _ store.IO = (*ioState)(nil)

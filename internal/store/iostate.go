package store

import (
	"sync"

	"github.com/squidcore/storecore/internal/diskio"
)

// IOState is a StoreIOState's position in its lifecycle:
//
//	Idle -> Opening|Creating -> Open -> {Reading,Writing}* -> Closing -> Closed
//
// Reading and Writing fall back to Open once their queue drains, and a
// failed open goes straight from Opening or Creating to Closed; Closing
// and Closed are never left.
type IOState int

const (
	StateIdle IOState = iota
	StateOpening
	StateCreating
	StateOpen
	StateReading
	StateWriting
	StateClosing
	StateClosed
)

func (s IOState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateCreating:
		return "creating"
	case StateOpen:
		return "open"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReadCallback reports one read's result.
type ReadCallback func(n int, outcome diskio.Outcome, err error)

// WriteCallback reports one write's result.
type WriteCallback func(n int, outcome diskio.Outcome, err error)

// CloseCallback reports Close's result. Called exactly once regardless
// of how many times Close is requested.
type CloseCallback func(err error)

type writeOp struct {
	buf    []byte
	offset int64
	cb     WriteCallback
}

type readOp struct {
	buf    []byte
	offset int64
	cb     ReadCallback
}

// StoreIOState drives one open swap-file transfer through diskio.
// Writes are queued and drained one at a time in submission order (a
// swap file is written append-only, so out-of-order completion would
// corrupt it); only one read may be outstanding at a time, matching
// the single-armed read-callback discipline the disk layer expects
// of a caller. Close is idempotent and defers until every queued
// operation has drained.
type StoreIOState struct {
	mu       sync.Mutex
	state    IOState
	strategy *diskio.Strategy
	path     string
	entry    *StoreEntry

	// baseOffset shifts every caller-relative Read/Write offset by a
	// fixed amount, letting an engine reserve a header region at the
	// front of the file (e.g. ufs's in-band swap-meta header) without
	// the caller ever seeing disk-relative offsets.
	baseOffset int64

	req *diskio.Request // the open request; its Handle backs every subsequent op

	writeQueue    []writeOp
	writeDraining bool // reentrancy guard: drainWrites never runs twice concurrently

	readQueue []readOp
	readArmed bool // reentrancy guard: at most one Read in flight

	tryClosing bool // reentrancy guard: Close's drain-then-close only runs once
	closeCBs   []CloseCallback
	err        error
}

func newIOState(strategy *diskio.Strategy, entry *StoreEntry, path string) *StoreIOState {
	return &StoreIOState{strategy: strategy, path: path, entry: entry, state: StateIdle}
}

// OpenForRead builds a StoreIOState over path and starts opening it,
// for an engine's OpenIO.
func OpenForRead(strategy *diskio.Strategy, entry *StoreEntry, path string) *StoreIOState {
	return OpenForReadAt(strategy, entry, path, 0)
}

// OpenForCreate builds a StoreIOState over path and starts opening it
// for writing, for an engine's CreateIO. The underlying file is
// created if missing (diskio always opens O_CREATE).
func OpenForCreate(strategy *diskio.Strategy, entry *StoreEntry, path string) *StoreIOState {
	return OpenForCreateAt(strategy, entry, path, 0)
}

// OpenForReadAt is OpenForRead with a non-zero baseOffset, used by
// engines that reserve a header region at the front of the file.
func OpenForReadAt(strategy *diskio.Strategy, entry *StoreEntry, path string, baseOffset int64) *StoreIOState {
	s := newIOState(strategy, entry, path)
	s.baseOffset = baseOffset
	s.open(StateOpening)
	return s
}

// OpenForCreateAt is OpenForCreate with a non-zero baseOffset.
func OpenForCreateAt(strategy *diskio.Strategy, entry *StoreEntry, path string, baseOffset int64) *StoreIOState {
	s := newIOState(strategy, entry, path)
	s.baseOffset = baseOffset
	s.open(StateCreating)
	return s
}

func (s *StoreIOState) open(state IOState) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	req := diskio.NewRequest(diskio.OpOpen, s.path, 0, nil, func(res diskio.Result) {
		s.mu.Lock()
		if res.Outcome != diskio.OK {
			s.err = res.Err
			s.state = StateClosed
			s.mu.Unlock()
			return
		}
		s.state = StateOpen
		s.mu.Unlock()
		// anything queued while the open was still in flight waits for
		// this point to actually reach the strategy, since a write/read
		// submitted before open completes would carry a stale handle.
		s.drainWrites()
		s.drainReads()
		s.maybeFinishClose()
	})
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	s.strategy.Submit(req)
}

// isReadyLocked reports whether open has completed and this IOState can
// submit reads/writes against a live handle. Must be called with mu held.
func (s *StoreIOState) isReadyLocked() bool {
	switch s.state {
	case StateOpen, StateReading, StateWriting:
		return true
	default:
		return false
	}
}

// SetBaseOffset changes the base offset applied to every Read/Write
// submitted after this call (calls already queued keep the base offset
// captured when they were queued). Used by engines that write an in-band
// header first and then want every later application-level offset
// shifted past it.
func (s *StoreIOState) SetBaseOffset(n int64) {
	s.mu.Lock()
	s.baseOffset = n
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *StoreIOState) State() IOState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the first error this IOState observed, if any.
func (s *StoreIOState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Write queues buf at offset. Writes drain strictly in submission
// order regardless of how many are queued before the first one
// completes.
func (s *StoreIOState) Write(buf []byte, offset int64, cb WriteCallback) {
	s.mu.Lock()
	s.writeQueue = append(s.writeQueue, writeOp{buf: buf, offset: offset + s.baseOffset, cb: cb})
	draining := s.writeDraining
	s.writeDraining = true
	s.mu.Unlock()
	if !draining {
		s.drainWrites()
	}
}

// drainWrites pops and submits one queued write at a time; its own
// completion callback re-invokes drainWrites for the next entry, so at
// most one write is ever in flight against this swap file.
func (s *StoreIOState) drainWrites() {
	s.mu.Lock()
	if len(s.writeQueue) == 0 {
		s.writeDraining = false
		s.mu.Unlock()
		s.maybeFinishClose()
		return
	}
	if !s.isReadyLocked() {
		// open hasn't completed yet; its completion callback re-enters
		// drainWrites once the handle is live.
		s.mu.Unlock()
		return
	}
	op := s.writeQueue[0]
	s.writeQueue = s.writeQueue[1:]
	s.state = StateWriting
	handle := s.req.Handle
	s.mu.Unlock()

	req := diskio.NewRequest(diskio.OpWrite, s.path, op.offset, op.buf, func(res diskio.Result) {
		if op.cb != nil {
			op.cb(res.N, res.Outcome, res.Err)
		}
		s.mu.Lock()
		if len(s.writeQueue) == 0 {
			s.state = StateOpen
		}
		s.mu.Unlock()
		s.drainWrites()
	})
	req.Handle = handle
	s.strategy.Submit(req)
}

// Read queues a read into buf at offset. A second Read submitted while
// one is outstanding is queued and served once the first completes,
// preserving the single-armed-callback invariant.
func (s *StoreIOState) Read(buf []byte, offset int64, cb ReadCallback) {
	s.mu.Lock()
	s.readQueue = append(s.readQueue, readOp{buf: buf, offset: offset + s.baseOffset, cb: cb})
	armed := s.readArmed
	s.readArmed = true
	s.mu.Unlock()
	if !armed {
		s.drainReads()
	}
}

func (s *StoreIOState) drainReads() {
	s.mu.Lock()
	if len(s.readQueue) == 0 {
		s.readArmed = false
		s.mu.Unlock()
		s.maybeFinishClose()
		return
	}
	if !s.isReadyLocked() {
		s.mu.Unlock()
		return
	}
	op := s.readQueue[0]
	s.readQueue = s.readQueue[1:]
	s.state = StateReading
	handle := s.req.Handle
	s.mu.Unlock()

	req := diskio.NewRequest(diskio.OpRead, s.path, op.offset, op.buf, func(res diskio.Result) {
		if op.cb != nil {
			op.cb(res.N, res.Outcome, res.Err)
		}
		s.mu.Lock()
		if len(s.readQueue) == 0 {
			s.state = StateOpen
		}
		s.mu.Unlock()
		s.drainReads()
	})
	req.Handle = handle
	s.strategy.Submit(req)
}

// Close requests the swap file be closed once every queued read and
// write has drained. Calling Close more than once, or while operations
// are still queued, is safe: every caller's callback fires exactly
// once, when the close actually completes.
func (s *StoreIOState) Close(cb CloseCallback) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if cb != nil {
			cb(s.err)
		}
		return
	}
	if cb != nil {
		s.closeCBs = append(s.closeCBs, cb)
	}
	if s.tryClosing {
		s.mu.Unlock()
		return
	}
	s.tryClosing = true
	s.mu.Unlock()
	s.maybeFinishClose()
}

// maybeFinishClose issues the actual close once Close has been
// requested and both queues have drained; it is re-entered from every
// drain path but only ever submits the underlying close once, guarded
// by tryClosing staying true and state advancing past StateClosing.
func (s *StoreIOState) maybeFinishClose() {
	s.mu.Lock()
	if !s.tryClosing || s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.isReadyLocked() {
		// open is still in flight; its completion callback re-enters
		// maybeFinishClose once the handle is live.
		s.mu.Unlock()
		return
	}
	if len(s.writeQueue) > 0 || len(s.readQueue) > 0 || s.writeDraining || s.readArmed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	handle := s.req.Handle
	s.mu.Unlock()

	req := diskio.NewRequest(diskio.OpClose, s.path, 0, nil, func(res diskio.Result) {
		s.mu.Lock()
		s.state = StateClosed
		if res.Outcome != diskio.OK && s.err == nil {
			s.err = res.Err
		}
		cbs := s.closeCBs
		s.closeCBs = nil
		err := s.err
		s.mu.Unlock()
		for _, cb := range cbs {
			cb(err)
		}
	})
	req.Handle = handle
	s.strategy.Submit(req)
}

var _ IO = (*StoreIOState)(nil)

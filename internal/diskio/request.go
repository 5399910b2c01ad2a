package diskio

import (
	"sync/atomic"

	"github.com/squidcore/storecore/internal/arena"
)

// Op is an async disk operation. Truncate and Unlink carry distinct
// values; nothing may dispatch on an aliased opcode.
type Op int

// Op values.
const (
	OpOpen Op = iota
	OpRead
	OpWrite
	OpClose
	OpUnlink
	OpTruncate
	OpStat
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	case OpUnlink:
		return "unlink"
	case OpTruncate:
		return "truncate"
	case OpStat:
		return "stat"
	default:
		return "unknown"
	}
}

// Result is the completion payload of a Request, in callback-neutral form.
type Result struct {
	N       int
	Outcome Outcome
	Err     error
	Info    any // *os.FileInfo-shaped data for OpStat, nil otherwise
}

// Callback is invoked exactly once on completion of a non-cancelled
// Request, from PollDone's caller goroutine (never from a worker thread).
type Callback func(Result)

// Request is one in-flight async disk operation. Cancel sets only the
// atomic cancelled flag; the callback field is left in place. fire checks
// that flag before invoking the callback, so a completion that races a
// Cancel skips it.
type Request struct {
	Op     Op
	Path   string
	Offset int64
	Buf    []byte // Read fills it, Write consumes it
	Handle arena.Handle

	cancelled int32
	callback  Callback // set by NewRequest, never cleared; invoked only by fire

	// set by the strategy once queued, used by PollDone bookkeeping.
	id     uint64
	result Result
}

// NewRequest builds a Request for the given operation.
func NewRequest(op Op, path string, offset int64, buf []byte, cb Callback) *Request {
	return &Request{Op: op, Path: path, Offset: offset, Buf: buf, callback: cb}
}

// Cancel marks r cancelled. Safe to call at any time, including after the
// request has already completed or from a different goroutine than
// the one that submitted it; a racing completion is silently dropped.
// The underlying syscall, if already
// dispatched to a worker, still runs to completion (e.g. an in-flight open's
// fd is still closed in cleanup) but its result is discarded.
func (r *Request) Cancel() {
	atomic.StoreInt32(&r.cancelled, 1)
}

// Cancelled reports whether Cancel has been called.
func (r *Request) Cancelled() bool {
	return atomic.LoadInt32(&r.cancelled) == 1
}

// fire invokes the callback if the request is still live, satisfying the
// testable property "exactly one of {user callback fired, r.cancelled} holds
// when r is cleaned up".
func (r *Request) fire(res Result) {
	if r.Cancelled() {
		return
	}
	if r.callback != nil {
		r.callback(res)
	}
}

// Package diskio implements the async disk I/O strategy: a thread pool and
// request/done queue layer presenting a non-blocking file API: size-
// classed buffer pools and a worker pool fed by a request/completion
// queue instead of a channel per handle.
package diskio

import "fmt"

// Outcome is the closed set of error kinds the core distinguishes; no errno
// or third-party error type is allowed to leak past that point.
type Outcome int

// Outcome values.
const (
	OK Outcome = iota
	Transient         // EINTR-like; retried by the caller, never surfaced
	Exhaustion        // ENFILE/EMFILE; non-fatal, raises admission load
	NoSpace           // ENOSPC; SwapDir is marked disk_full
	Corruption        // bad swap.state record or impossible file number
	ProtocolViolation // wrong IPC type tag or truncated frame
	Stale             // qid mismatch or missing request index
	Timeout           // Forwarder/Inquirer wall-clock timeout
	Fatal             // registration timeout, listener-cache assertion
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case Exhaustion:
		return "exhaustion"
	case NoSpace:
		return "no-space"
	case Corruption:
		return "corruption"
	case ProtocolViolation:
		return "protocol-violation"
	case Stale:
		return "stale"
	case Timeout:
		return "timeout"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error implements error so Outcome can be returned and compared directly
// with errors.Is/errors.As at call sites that don't care about the wrapped
// detail.
type Error struct {
	Outcome Outcome
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Outcome.String()
	}
	return fmt.Sprintf("%s: %s", e.Outcome, e.Detail)
}

// Is reports whether target is an *Error with the same Outcome, so
// errors.Is(err, otherErr) works when err wraps a *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Outcome == e.Outcome
}

// NewError wraps detail (already errors.Wrapf-annotated by the caller) as an
// Outcome-typed error.
func NewError(o Outcome, detail string) error {
	return &Error{Outcome: o, Detail: detail}
}

// NewErrorf is NewError with fmt.Sprintf-style formatting of the detail.
func NewErrorf(o Outcome, format string, a ...any) error {
	return &Error{Outcome: o, Detail: fmt.Sprintf(format, a...)}
}

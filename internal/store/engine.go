package store

import (
	"context"
	"fmt"
)

// IO is the per-transfer handle an engine hands back from CreateIO and
// OpenIO. *StoreIOState is the disk-backed implementation every engine
// can fall back to; an engine with its own staging layer (coss serves
// transfers out of a resident membuf) returns its own.
type IO interface {
	Write(buf []byte, offset int64, cb WriteCallback)
	Read(buf []byte, offset int64, cb ReadCallback)
	Close(cb CloseCallback)
	State() IOState
	Err() error
}

// Engine is the capability contract a swap-directory implementation
// (ufs.SwapDir, coss.SwapDir) exposes to the store controller. Naming
// follows the operation set every engine must provide; the controller
// never reaches past this interface into an engine's own types.
type Engine interface {
	fmt.Stringer

	// Init prepares the directory for use: creates missing L1/L2
	// structure, opens the secondary index, replays or rebuilds it.
	Init(ctx context.Context) error

	// CreateIO allocates a fresh swap slot for entry and returns an
	// IO handle positioned to accept writes.
	CreateIO(ctx context.Context, entry *StoreEntry) (IO, error)

	// OpenIO opens entry's existing swap slot for reading.
	OpenIO(ctx context.Context, entry *StoreEntry) (IO, error)

	// Unlink releases entry's swap slot, if any, making it available
	// for reuse. Safe to call on an entry with no slot.
	Unlink(ctx context.Context, entry *StoreEntry) error

	// Sync flushes any buffered engine state (index, log) to disk.
	Sync(ctx context.Context) error

	// StatInto fills entry's Size from the on-disk slot, used by the
	// dirty-scan rebuild path.
	StatInto(ctx context.Context, entry *StoreEntry) error

	// Maintain runs one incremental housekeeping pass: LRU eviction
	// against the configured byte budget, log rotation, and similar.
	Maintain(ctx context.Context) error

	// CanonicalConfig renders the engine's effective configuration,
	// the way cache_dir lines are echoed back by the `info` action.
	CanonicalConfig() string
}

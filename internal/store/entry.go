package store

import (
	"sync"
	"time"
)

// EntryFlags records the small set of orthogonal booleans every engine
// needs to track about a resident object.
type EntryFlags uint32

const (
	FlagCacheable EntryFlags = 1 << iota
	FlagPrivate              // never written to disk, in-transit only
	FlagReleased             // unlink requested, purge on last reference
	FlagValidated            // revalidated against the origin since load
	FlagDirty                // write in progress, readers must wait
)

func (f EntryFlags) Has(bit EntryFlags) bool { return f&bit != 0 }

// StoreEntry is the directory-resident metadata record for one cached
// object. The core (the package using a SwapDir, not the SwapDir
// itself) owns Key/Size/timestamps/RefCount; only the active SwapDir
// engine may mutate DirN/FileN/Flags, and it must hold mu to do so.
type StoreEntry struct {
	mu sync.Mutex

	Key       CacheKey
	Size      int64
	Timestamp time.Time // object added to cache
	LastRef   time.Time // last time a client asked for it
	LastMod   time.Time // origin's last-modified, for revalidation
	Expires   time.Time // zero means no explicit expiry

	RefCount int32
	Flags    EntryFlags

	DirN  int32          // which configured cache_dir owns this entry
	FileN SwapFileNumber // engine-private slot handle
}

func NewStoreEntry(key CacheKey) *StoreEntry {
	return &StoreEntry{Key: key, FileN: NoFile, DirN: -1}
}

func (e *StoreEntry) SetEnginePointer(dirN int32, fileN SwapFileNumber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DirN, e.FileN = dirN, fileN
}

func (e *StoreEntry) EnginePointer() (dirN int32, fileN SwapFileNumber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DirN, e.FileN
}

func (e *StoreEntry) HasSwapSlot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.FileN.Valid()
}

func (e *StoreEntry) SetFlag(bit EntryFlags, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.Flags |= bit
	} else {
		e.Flags &^= bit
	}
}

func (e *StoreEntry) HasFlag(bit EntryFlags) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Flags.Has(bit)
}

func (e *StoreEntry) Retain() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RefCount++
	return e.RefCount
}

func (e *StoreEntry) Release() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RefCount--
	return e.RefCount
}

func (e *StoreEntry) Touch(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LastRef = now
}

func (e *StoreEntry) Expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Expires.IsZero() && now.After(e.Expires)
}

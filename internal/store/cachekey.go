// Package store defines the data model and IO state machine shared by
// every swap-directory engine (UFS, COSS): the cache key, the resident
// StoreEntry, and the per-transfer StoreIOState. Concrete engines live
// in internal/store/ufs and internal/store/coss; this package owns only
// what is common to both.
package store

import (
	"encoding/binary"
	"encoding/hex"
)

// CacheKey identifies a cached object. It is a fixed-width digest
// rather than the original request URL so every engine can size its
// on-disk index records statically.
type CacheKey [16]byte

func (k CacheKey) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether k has never been assigned.
func (k CacheKey) IsZero() bool { return k == CacheKey{} }

// Ref returns the opaque uint64 reference carried in a collapsed-forwarding
// queue element. K is already a content-addressed digest, so its leading 8
// bytes serve directly as a collision-resistant reference without a second
// hash.
func (k CacheKey) Ref() uint64 { return binary.BigEndian.Uint64(k[:8]) }

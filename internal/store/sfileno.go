package store

import "fmt"

// SwapFileNumber is an engine-assigned handle for an entry's on-disk
// slot. Its bits mean different things to different engines (UFS packs
// an L1/L2 directory pair into it, COSS stores the stripe byte offset
// divided by the block size) — store itself only knows -1 means "no slot
// assigned".
type SwapFileNumber int64

// NoFile marks a StoreEntry that carries no swap slot yet (in transit,
// or a HEAD-only negative cache entry).
const NoFile SwapFileNumber = -1

func (f SwapFileNumber) Valid() bool { return f >= 0 }

func (f SwapFileNumber) String() string {
	if !f.Valid() {
		return "sfileno(none)"
	}
	return fmt.Sprintf("sfileno(%d)", int64(f))
}

// Package ufs implements the classic two-level UFS SwapDir: an L1×L2
// directory hierarchy, a file-number bitmap, an append-only swap.state log
// with clean/dirty rebuild, and LRU-driven maintenance. The on-disk
// tree is a plain POSIX directory hierarchy; a bbolt-backed secondary
// index pattern.
package ufs

import (
	"fmt"
	"path/filepath"
)

// DefaultL1 and DefaultL2 size the two directory levels when the
// cache_dir line leaves them unset.
const (
	DefaultL1 = 16
	DefaultL2 = 256
)

// Layout computes the on-disk path for a file number given the
// directory's configured fan-out.
type Layout struct {
	Root   string
	L1, L2 int
}

// NewLayout returns a Layout, substituting the defaults above for
// non-positive L1/L2.
func NewLayout(root string, l1, l2 int) Layout {
	if l1 <= 0 {
		l1 = DefaultL1
	}
	if l2 <= 0 {
		l2 = DefaultL2
	}
	return Layout{Root: root, L1: l1, L2: l2}
}

// Path returns root/<L1>/<L2>/<8-hex-fileno> by slicing fileN:
// outer = (n/L2/L2) mod L1, inner = (n/L2) mod L2, basename = 8-hex n.
func (l Layout) Path(fileN int64) string {
	outer := (fileN / int64(l.L2) / int64(l.L2)) % int64(l.L1)
	inner := (fileN / int64(l.L2)) % int64(l.L2)
	return filepath.Join(l.Root, fmt.Sprintf("%02X", outer), fmt.Sprintf("%02X", inner), fmt.Sprintf("%08X", fileN))
}

// Dirs enumerates every L1/L2 directory this layout will ever address,
// for Init's mkdir-all pass and the dirty-scan rebuild walk.
func (l Layout) Dirs() []string {
	out := make([]string, 0, l.L1*l.L2)
	for outer := 0; outer < l.L1; outer++ {
		for inner := 0; inner < l.L2; inner++ {
			out = append(out, filepath.Join(l.Root, fmt.Sprintf("%02X", outer), fmt.Sprintf("%02X", inner)))
		}
	}
	return out
}

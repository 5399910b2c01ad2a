package ufs

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/djherbis/times"
	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/store"
)

// lastCleanName and friends are the rotation-marker filenames.
const (
	swapStateName      = "swap.state"
	swapStateNewName   = "swap.state.new"
	swapStateLastClean = "swap.state.last-clean"
)

// isClean decides the clean/dirty rebuild path. Not just "does the
// marker exist": the marker's mtime must be at or after the directory's own
// mtime, so a crash mid-rotation (marker written, but the directory
// subsequently touched again before the process died) still falls back to a
// dirty scan.
func isClean(root string) bool {
	markerPath := filepath.Join(root, swapStateLastClean)
	markerInfo, err := os.Stat(markerPath)
	if err != nil {
		return false
	}
	dirInfo, err := os.Stat(root)
	if err != nil {
		return false
	}
	return !markerInfo.ModTime().Before(dirInfo.ModTime())
}

// pendingRebuild tracks an ADD not yet confirmed or cancelled by a later
// DEL, keyed by file number.
type pendingRebuild struct {
	rec Record
}

// rebuildResult is the outcome of one rebuild pass, used both for logging
// and for `store_dirs_rebuilding`-style progress reporting.
type rebuildResult struct {
	installed int
	invalid   int
	dirty     bool
}

// rebuildClean replays root/swap.state, installing a restored,
// un-validated StoreEntry per surviving ADD. A DEL cancels a pending
// ADD unless a newer timestamp already won; unknown ops and keys with
// PRIVATE flag are counted as invalid").
func rebuildClean(d *SwapDir) (rebuildResult, error) {
	pending := make(map[int64]pendingRebuild)
	var invalid int

	total, badRecords, err := ReadAllFunc(filepath.Join(d.layout.Root, swapStateName), func(rec Record) {
		if rec.Flags.Has(store.FlagPrivate) {
			invalid++
			return
		}
		switch rec.Op {
		case OpAdd:
			if prior, ok := pending[rec.FileN]; ok {
				// Two ADD records raced for the same file number with no
				// intervening DEL between them -- an append-ordering
				// artifact of a crash mid-write, not a legitimate
				// double-allocation (the FileMap invariant forbids it
				// going forward). Rather than trust whichever record the
				// log happens to replay last, ask the file itself which
				// record's timestamp it actually corresponds to.
				rec = rebuildWinner(d.layout.Path(rec.FileN), prior.rec, rec)
			}
			pending[rec.FileN] = pendingRebuild{rec: rec}
		case OpDel:
			if prior, ok := pending[rec.FileN]; ok {
				if prior.rec.Timestamp.After(rec.Timestamp) {
					// a newer ADD actually wins over this DEL; leave it.
					return
				}
				delete(pending, rec.FileN)
			}
		}
	}, func(n int) {
		corelog.Debugf(d, "swap.state rebuild: %d records scanned", n)
	})
	if err != nil {
		return rebuildResult{}, err
	}
	invalid += badRecords

	for fileN, p := range pending {
		d.installRestored(fileN, p.rec)
	}
	_ = total
	return rebuildResult{installed: len(pending), invalid: invalid}, nil
}

// rebuildDirty walks the L1/L2 tree and recovers each resident file's key
// from its in-band swap-meta header.
func rebuildDirty(d *SwapDir) (rebuildResult, error) {
	var installed, invalid int

	for _, dir := range d.layout.Dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return rebuildResult{}, errors.Wrapf(err, "ufs: dirty scan %s", dir)
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			fileN, err := parseHexBasename(de.Name())
			if err != nil {
				invalid++
				continue
			}
			rec, err := readMetaHeader(filepath.Join(dir, de.Name()))
			if err != nil {
				invalid++
				continue
			}
			rec.FileN = fileN
			d.installRestored(fileN, rec)
			installed++
		}
	}
	return rebuildResult{installed: installed, invalid: invalid, dirty: true}, nil
}

// rebuildWinner picks between two swap.state ADD records that raced for the
// same file number, using the on-disk file's own birth/change time as the
// tie-break: whichever record's Timestamp sits closest to the file's real
// creation time is the one that actually produced the bytes currently on
// disk. Falls back to the later Timestamp (the previous, log-order-only
// behavior) when the filesystem exposes neither a birth nor a change time.
func rebuildWinner(path string, a, b Record) Record {
	ts, err := times.Stat(path)
	if err != nil {
		if b.Timestamp.After(a.Timestamp) {
			return b
		}
		return a
	}
	ref := ts.ModTime()
	if ts.HasChangeTime() {
		ref = ts.ChangeTime()
	}
	if ts.HasBirthTime() {
		ref = ts.BirthTime()
	}
	if absDuration(ref.Sub(b.Timestamp)) < absDuration(ref.Sub(a.Timestamp)) {
		return b
	}
	return a
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func parseHexBasename(name string) (int64, error) {
	if len(name) != 8 {
		return 0, errors.Errorf("ufs: not an 8-hex-digit basename: %q", name)
	}
	n, err := strconv.ParseInt(name, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "ufs: parse basename %q", name)
	}
	return n, nil
}

// readMetaHeader reads the RecordSize-byte in-band header every UFS
// swap file carries at offset 0 (swaplog.go RecordFromEntry / the
// header write performed by CreateIO).
func readMetaHeader(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Record{}, err
	}
	return Decode(buf)
}

// installRestored builds a StoreEntry from a recovered record and installs
// it into the index and replacement policy, un-validated.
func (d *SwapDir) installRestored(fileN int64, rec Record) {
	d.fileMap.Set(fileN)
	entry := store.NewStoreEntry(rec.Key)
	entry.Size = rec.Size
	entry.Timestamp = rec.Timestamp
	entry.LastRef = rec.LastRef
	entry.Expires = rec.Expires
	entry.LastMod = rec.LastMod
	entry.RefCount = int32(rec.RefCount)
	entry.Flags = rec.Flags &^ store.FlagValidated
	entry.SetEnginePointer(d.dirN, store.SwapFileNumber(fileN))
	d.lru.Touch(rec.Key, fileN, rec.Size)
	if d.index != nil {
		if err := d.index.Put(rec.Key, IndexRecord{FileN: fileN, Size: rec.Size, Timestamp: rec.Timestamp.Unix()}); err != nil {
			corelog.Errorf(nil, d, "rebuild: index put %s: %v", rec.Key, err)
		}
	}
}

// writeCleanLog rotates the log: a fresh swap.state.new listing every
// currently-resident record replaces swap.state, and a sibling.last-clean
// marker is touched.
func (d *SwapDir) writeCleanLog(records []Record) error {
	newPath := filepath.Join(d.layout.Root, swapStateNewName)
	finalPath := filepath.Join(d.layout.Root, swapStateName)
	markerPath := filepath.Join(d.layout.Root, swapStateLastClean)

	log, err := OpenLog(newPath)
	if err != nil {
		return err
	}
	for _, r := range records {
		r.Op = OpAdd
		if err := log.Append(r); err != nil {
			_ = log.Close()
			return err
		}
	}
	if err := log.Sync(); err != nil {
		_ = log.Close()
		return err
	}
	if err := log.Close(); err != nil {
		return err
	}
	if err := os.Rename(newPath, finalPath); err != nil {
		return errors.Wrap(err, "ufs: rotate swap.state")
	}
	now := time.Now()
	if err := os.Chtimes(markerPath, now, now); err != nil {
		// marker doesn't exist yet on a brand new dir.
		f, ferr := os.Create(markerPath)
		if ferr != nil {
			return errors.Wrap(ferr, "ufs: create last-clean marker")
		}
		return f.Close()
	}
	return nil
}

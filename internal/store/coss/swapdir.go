package coss

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/diskio"
	"github.com/squidcore/storecore/internal/store"
	"github.com/squidcore/storecore/internal/store/ufs"
)

// Config parameterizes one COSS cache_dir.
type Config struct {
	Path      string
	SizeMB    int64
	MaxSize   int64
	BlockSize int64
	IOEngine  string
	ReadOnly  bool
}

const maxAllocRetries = 3

// SwapDir is the append-mostly COSS stripe engine, implementing
// store.Engine. It reuses ufs's swap.state record format and bbolt
// index verbatim, so only the addressing, allocation, and membuf
// bookkeeping are COSS-specific.
type SwapDir struct {
	dirN       int32
	cfg        Config
	maxSize    int64
	addressing Addressing
	alloc      *Allocator
	policy     *policy
	strategy   *diskio.Strategy
	stripePath string

	mu    sync.Mutex
	log   *ufs.Log
	index *ufs.Index

	// live in-memory stripe windows, newest last. The current membuf is
	// tracked from its first allocation; a full membuf stays here until
	// its asynchronous write-out lands, after which reads of its range
	// fall through to the stripe file.
	mbMu    sync.Mutex
	membufs []*Membuf
}

// New validates cfg and builds a SwapDir bound to it. The stripe file
// and index are not touched until Init.
func New(dirN int32, cfg Config, strategy *diskio.Strategy) (*SwapDir, error) {
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	addressing, err := NewAddressing(blockSize)
	if err != nil {
		return nil, err
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = cfg.SizeMB * 1_000_000
	}
	if maxSize <= 0 {
		return nil, errors.Errorf("coss: %s needs a positive size (max-size= or size-MB)", cfg.Path)
	}
	if maxSize > addressing.MaxSize() {
		return nil, errors.Errorf("coss: %s max-size %d exceeds the 25-bit/block-size=%d addressable limit %d", cfg.Path, maxSize, blockSize, addressing.MaxSize())
	}
	return &SwapDir{
		dirN:       dirN,
		cfg:        cfg,
		maxSize:    maxSize,
		addressing: addressing,
		alloc:      NewAllocator(addressing, maxSize),
		policy:     newPolicy(),
		strategy:   strategy,
		stripePath: filepath.Join(cfg.Path, "stripe"),
	}, nil
}

func (d *SwapDir) String() string { return fmt.Sprintf("coss.SwapDir(%s)", d.cfg.Path) }

// Init creates the cache_dir and stripe file if missing, opens the secondary
// index, and replays swap.state to repopulate the replacement policy.
func (d *SwapDir) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Path, 0755); err != nil {
		return errors.Wrapf(err, "coss: mkdir %s", d.cfg.Path)
	}
	f, err := os.OpenFile(d.stripePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "coss: open stripe %s", d.stripePath)
	}
	_ = f.Close()

	index, err := ufs.OpenIndex(filepath.Join(d.cfg.Path, "index.bbolt"))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.index = index
	d.mu.Unlock()

	total, invalid, err := ufs.ReadAllFunc(filepath.Join(d.cfg.Path, "swap.state"), func(rec ufs.Record) {
		if rec.Op != ufs.OpAdd {
			return
		}
		d.installRestored(rec)
	}, nil)
	if err != nil {
		return errors.Wrap(err, "coss: rebuild")
	}
	corelog.Infof(d, "rebuild: %d records scanned, %d invalid", total, invalid)

	log, err := ufs.OpenLog(filepath.Join(d.cfg.Path, "swap.state"))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.log = log
	d.mu.Unlock()
	return nil
}

func (d *SwapDir) installRestored(rec ufs.Record) {
	offset := d.addressing.Decode(rec.FileN)
	d.policy.Touch(rec.Key, offset, rec.Size)
	if d.index != nil {
		if err := d.index.Put(rec.Key, ufs.IndexRecord{FileN: rec.FileN, Size: rec.Size, Timestamp: rec.Timestamp.Unix()}); err != nil {
			corelog.Errorf(nil, d, "rebuild: index put %s: %v", rec.Key, err)
		}
	}
}

// CanStore reports whether size is admissible for this directory right
// now: it must fit a single membuf, the dir must not be read-only, and
// diskio must not be past its overload threshold.
func (d *SwapDir) CanStore(size int64) (ok bool, load float64) {
	if d.cfg.ReadOnly || size > MembufSize {
		return false, 1
	}
	if d.strategy != nil && d.strategy.Overloaded() {
		return false, 1
	}
	if d.strategy != nil {
		load = d.strategy.LoadScore()
	}
	return true, load
}

// CreateIO reserves a slot for entry in the current membuf and returns
// a handle whose writes land in that in-memory window; the bytes reach
// the stripe file when the filled buffer is written out.
func (d *SwapDir) CreateIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	if d.cfg.ReadOnly {
		return nil, errors.Errorf("coss: %s is read-only", d)
	}
	if entry.Size > MembufSize {
		return nil, errors.Errorf("coss: %s object size %d exceeds membuf size %d", d, entry.Size, MembufSize)
	}

	_, priorFileN := entry.EnginePointer()

	var fileN int64
	var mb *Membuf
	var err error
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		var collision bool
		fileN, mb, collision, err = d.alloc.Allocate(entry.Size, func(rangeStart, rangeEnd int64) bool {
			d.dropMembufs(rangeStart, rangeEnd)
			d.evictRange(rangeStart, rangeEnd)
			if !priorFileN.Valid() {
				return false
			}
			priorOffset := d.addressing.Decode(int64(priorFileN))
			return priorOffset >= rangeStart && priorOffset < rangeEnd
		})
		if err != nil {
			return nil, err
		}
		if !collision {
			break
		}
	}

	if d.trackMembuf(mb) {
		// first allocation in this window: anything restored from a
		// prior run whose bytes sat in this range is about to be
		// overwritten, so release it now. Rolled-over windows already
		// had this done by the allocator's evict callback.
		start, end := mb.Range()
		d.evictRange(start, end)
	}

	offset := d.addressing.Decode(fileN)
	entry.SetEnginePointer(d.dirN, store.SwapFileNumber(fileN))
	handle := newMembufIO(d, entry, mb, offset, entry.Size)

	// a roll-over may have left the previous membuf full and unpinned.
	d.flushReadyMembufs()

	d.mu.Lock()
	log := d.log
	d.mu.Unlock()
	if log != nil {
		if err := log.Append(ufs.RecordFromEntry(ufs.OpAdd, fileN, entry)); err != nil {
			corelog.Errorf(ctx, d, "append swap.state ADD: %v", err)
		}
	}
	d.policy.Touch(entry.Key, offset, entry.Size)
	if d.index != nil {
		if err := d.index.Put(entry.Key, ufs.IndexRecord{FileN: fileN, Size: entry.Size, Timestamp: entry.Timestamp.Unix()}); err != nil {
			corelog.Errorf(ctx, d, "index put: %v", err)
		}
	}
	return handle, nil
}

// OpenIO opens entry's existing stripe slot for reading. While the
// slot's window is still resident in a membuf the bytes are served
// straight from memory; once the buffer has been written out and freed,
// the read falls through to the stripe file.
func (d *SwapDir) OpenIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return nil, errors.Errorf("coss: %s has no swap slot for %s", d, entry.Key)
	}
	offset := d.addressing.Decode(int64(fileN))
	d.policy.Touch(entry.Key, offset, entry.Size)
	if mb := d.residentMembuf(offset); mb != nil {
		limit := entry.Size
		if limit <= 0 {
			_, end := mb.Range()
			limit = end - offset
		}
		return newMembufIO(d, entry, mb, offset, limit), nil
	}
	return store.OpenForReadAt(d.strategy, entry, d.stripePath, offset), nil
}

// trackMembuf remembers mb as live, reporting whether it was newly
// added.
func (d *SwapDir) trackMembuf(mb *Membuf) bool {
	d.mbMu.Lock()
	defer d.mbMu.Unlock()
	for _, m := range d.membufs {
		if m == mb {
			return false
		}
	}
	d.membufs = append(d.membufs, mb)
	return true
}

// dropMembufs forgets any tracked membuf overlapping [start, end): the
// circular allocator is about to reuse that range, so a stale window
// over it must never satisfy a read again.
func (d *SwapDir) dropMembufs(start, end int64) {
	d.mbMu.Lock()
	defer d.mbMu.Unlock()
	kept := d.membufs[:0]
	for _, m := range d.membufs {
		s, e := m.Range()
		if s < end && start < e {
			continue
		}
		kept = append(kept, m)
	}
	d.membufs = kept
}

// residentMembuf returns the live membuf whose window covers offset,
// preferring the newest when ranges were reused.
func (d *SwapDir) residentMembuf(offset int64) *Membuf {
	d.mbMu.Lock()
	defer d.mbMu.Unlock()
	for i := len(d.membufs) - 1; i >= 0; i-- {
		if d.membufs[i].Contains(offset) {
			return d.membufs[i]
		}
	}
	return nil
}

// evictRange releases every policy/index entry whose slot lies in
// [start, end).
func (d *SwapDir) evictRange(start, end int64) {
	for _, k := range d.policy.EntriesInRange(start, end) {
		d.policy.Remove(k)
		if d.index != nil {
			_ = d.index.Delete(k)
		}
	}
}

// flushReadyMembufs schedules an asynchronous write-out for every
// tracked membuf that is full, unpinned, and not already writing. Each
// write-out is an open -> write -> close chain through diskio; on
// success the membuf is freed and later reads of its range come from
// the stripe file.
func (d *SwapDir) flushReadyMembufs() {
	d.mbMu.Lock()
	var ready []*Membuf
	for _, mb := range d.membufs {
		if mb.ReadyToWriteOut() {
			mb.SetWriting(true)
			ready = append(ready, mb)
		}
	}
	d.mbMu.Unlock()
	for _, mb := range ready {
		d.writeOut(mb)
	}
}

// isTracked reports whether mb is still live; a membuf dropped for
// range reuse must not write its stale bytes over the new occupant.
func (d *SwapDir) isTracked(mb *Membuf) bool {
	d.mbMu.Lock()
	defer d.mbMu.Unlock()
	for _, m := range d.membufs {
		if m == mb {
			return true
		}
	}
	return false
}

func (d *SwapDir) writeOut(mb *Membuf) {
	start, _ := mb.Range()
	var openReq *diskio.Request
	openReq = diskio.NewRequest(diskio.OpOpen, d.stripePath, 0, nil, func(res diskio.Result) {
		if res.Outcome != diskio.OK {
			corelog.Errorf(nil, d, "membuf write-out open: %v", res.Err)
			mb.SetWriting(false) // retried by the next flush scan
			return
		}
		if !d.isTracked(mb) {
			closeReq := diskio.NewRequest(diskio.OpClose, d.stripePath, 0, nil, nil)
			closeReq.Handle = openReq.Handle
			d.strategy.Submit(closeReq)
			return
		}
		writeReq := diskio.NewRequest(diskio.OpWrite, d.stripePath, start, mb.Bytes(), func(wres diskio.Result) {
			closeReq := diskio.NewRequest(diskio.OpClose, d.stripePath, 0, nil, nil)
			closeReq.Handle = openReq.Handle
			d.strategy.Submit(closeReq)
			if wres.Outcome != diskio.OK {
				corelog.Errorf(nil, d, "membuf write-out at %d: %v", start, wres.Err)
				mb.SetWriting(false)
				return
			}
			d.mbMu.Lock()
			kept := d.membufs[:0]
			for _, m := range d.membufs {
				if m != mb {
					kept = append(kept, m)
				}
			}
			d.membufs = kept
			d.mbMu.Unlock()
		})
		writeReq.Handle = openReq.Handle
		d.strategy.Submit(writeReq)
	})
	d.strategy.Submit(openReq)
}

// anyFullMembufs reports whether a frozen window is still awaiting its
// write-out.
func (d *SwapDir) anyFullMembufs() bool {
	d.mbMu.Lock()
	defer d.mbMu.Unlock()
	for _, m := range d.membufs {
		if m.IsFull() {
			return true
		}
	}
	return false
}

// flushCurrentSnapshot pushes the still-open current membuf's bytes to
// the stripe file so a clean shutdown loses nothing, without freeing
// the buffer (it stays resident and writable). A current membuf that
// never saw an allocation is skipped: it holds no data and its zeroes
// must not clobber restored slots.
func (d *SwapDir) flushCurrentSnapshot() error {
	mb := d.alloc.Current()
	if mb == nil {
		return nil
	}
	start, _ := mb.Range()
	if d.residentMembuf(start) != mb {
		return nil
	}
	f, err := os.OpenFile(d.stripePath, os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "coss: open stripe %s", d.stripePath)
	}
	defer f.Close()
	if _, err := f.WriteAt(mb.Bytes(), start); err != nil {
		return errors.Wrapf(err, "coss: flush current membuf at %d", start)
	}
	return nil
}

// Unlink drops entry from the replacement policy and index. COSS never
// punches a hole in the stripe file: reclaimed space is only ever
// overwritten later by the circular allocator's wrap-around.
func (d *SwapDir) Unlink(ctx context.Context, entry *store.StoreEntry) error {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return nil
	}
	d.mu.Lock()
	log := d.log
	d.mu.Unlock()
	if log != nil {
		if err := log.Append(ufs.RecordFromEntry(ufs.OpDel, int64(fileN), entry)); err != nil {
			corelog.Errorf(ctx, d, "append swap.state DEL: %v", err)
		}
	}
	d.policy.Remove(entry.Key)
	if d.index != nil {
		if err := d.index.Delete(entry.Key); err != nil {
			corelog.Errorf(ctx, d, "index delete: %v", err)
		}
	}
	entry.SetEnginePointer(-1, store.NoFile)
	return nil
}

// Sync spins until every full membuf has been written out, snapshots
// the current one, then rewrites swap.state from the index's current
// contents.
func (d *SwapDir) Sync(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		d.flushReadyMembufs()
		d.strategy.Sync()
		if !d.anyFullMembufs() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1000 {
			return errors.Errorf("coss: %s sync: a full membuf is still pinned", d)
		}
		time.Sleep(time.Millisecond)
	}
	if err := d.flushCurrentSnapshot(); err != nil {
		return err
	}
	if d.index == nil {
		return nil
	}
	var records []ufs.Record
	if err := d.index.ForEach(func(key store.CacheKey, rec ufs.IndexRecord) error {
		records = append(records, ufs.Record{
			Op:        ufs.OpAdd,
			FileN:     rec.FileN,
			Size:      rec.Size,
			Timestamp: time.Unix(rec.Timestamp, 0).UTC(),
			Key:       key,
		})
		return nil
	}); err != nil {
		return errors.Wrap(err, "coss: sync: collect index")
	}

	d.mu.Lock()
	if d.log != nil {
		_ = d.log.Close()
	}
	d.mu.Unlock()

	newPath := filepath.Join(d.cfg.Path, "swap.state.new")
	finalPath := filepath.Join(d.cfg.Path, "swap.state")
	log, err := ufs.OpenLog(newPath)
	if err != nil {
		return err
	}
	for _, r := range records {
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
		return errors.Wrap(err, "coss: rotate swap.state")
	}

	reopened, err := ufs.OpenLog(finalPath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.log = reopened
	d.mu.Unlock()
	return nil
}

// StatInto fills entry.Size from the index (COSS has no per-object
// file to stat; the index is the authority on object size).
func (d *SwapDir) StatInto(ctx context.Context, entry *store.StoreEntry) error {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return errors.Errorf("coss: %s has no swap slot for %s", d, entry.Key)
	}
	rec, ok, err := d.index.Get(entry.Key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("coss: %s no index record for %s", d, entry.Key)
	}
	entry.Size = rec.Size
	return nil
}

// Maintain is a no-op for COSS: space is reclaimed purely by the circular
// allocator's wrap-around eviction as new writes arrive, not by a separate
// periodic low-water-mark scan.
func (d *SwapDir) Maintain(ctx context.Context) error { return nil }

// CanonicalConfig renders the effective cache_dir line.
func (d *SwapDir) CanonicalConfig() string {
	return fmt.Sprintf("cache_dir coss %s %d max-size=%d block-size=%d", d.cfg.Path, d.cfg.SizeMB, d.maxSize, d.addressing.BlockSize())
}

var _ store.Engine = (*SwapDir)(nil)

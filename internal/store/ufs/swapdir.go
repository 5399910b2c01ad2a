package ufs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/diskio"
	"github.com/squidcore/storecore/internal/store"
)

// Config parameterizes one UFS cache_dir.
type Config struct {
	Path          string
	SizeMB        int64
	L1, L2        int
	ReadOnly      bool
	MinObjectSize int64
}

// SwapDir is the classic two-level UFS cache engine, implementing
// store.Engine.
type SwapDir struct {
	dirN     int32
	cfg      Config
	layout   Layout
	strategy *diskio.Strategy

	fileMap *FileMap
	lru     *LRU
	index   *Index

	mu       sync.Mutex
	log      *Log
	diskFull bool
	rebuilt  rebuildResult
}

// New constructs a SwapDir bound to cfg but does not touch the
// filesystem -- call Init for that.
func New(dirN int32, cfg Config, strategy *diskio.Strategy) *SwapDir {
	return &SwapDir{
		dirN:     dirN,
		cfg:      cfg,
		layout:   NewLayout(cfg.Path, cfg.L1, cfg.L2),
		strategy: strategy,
		fileMap:  NewFileMap(),
		lru:      NewLRU(),
	}
}

func (d *SwapDir) String() string { return fmt.Sprintf("ufs.SwapDir(%s)", d.cfg.Path) }

// Init creates missing L1/L2 structure, opens the secondary index, and
// replays or rebuilds swap.state.
func (d *SwapDir) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Path, 0755); err != nil {
		return errors.Wrapf(err, "ufs: mkdir cache root %s", d.cfg.Path)
	}
	for _, dir := range d.layout.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "ufs: mkdir %s", dir)
		}
	}

	index, err := OpenIndex(filepath.Join(d.cfg.Path, "index.bbolt"))
	if err != nil {
		return err
	}
	d.index = index

	clean := isClean(d.cfg.Path)
	var result rebuildResult
	if clean {
		result, err = rebuildClean(d)
	} else {
		corelog.Infof(d, "no clean shutdown marker, rebuilding from directory scan")
		result, err = rebuildDirty(d)
	}
	if err != nil {
		return errors.Wrap(err, "ufs: rebuild")
	}
	corelog.Infof(d, "rebuild complete: %d installed, %d invalid, dirty=%v", result.installed, result.invalid, result.dirty)
	d.mu.Lock()
	d.rebuilt = result
	d.mu.Unlock()

	log, err := OpenLog(filepath.Join(d.cfg.Path, swapStateName))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.log = log
	d.mu.Unlock()

	// a successful Init always leaves the dir in the "dirty" state from
	// here on; only a clean Sync/shutdown re-establishes last-clean.
	_ = os.Remove(filepath.Join(d.cfg.Path, swapStateLastClean))
	return nil
}

// loadScore derives the admission score from diskio backpressure
// rather than reporting a constant load.
func (d *SwapDir) loadScore() float64 {
	if d.strategy == nil {
		return 0
	}
	return d.strategy.LoadScore()
}

// CanStore reports whether size is admissible for this directory right now:
// within [MinObjectSize, SizeMB*1e6], not read-only, not disk-full, and not
// past the diskio overload threshold.
func (d *SwapDir) CanStore(size int64) (ok bool, load float64) {
	d.mu.Lock()
	full := d.diskFull
	d.mu.Unlock()
	if d.cfg.ReadOnly || full {
		return false, 1
	}
	if size < d.cfg.MinObjectSize {
		return false, 0
	}
	if d.cfg.SizeMB > 0 && size > d.cfg.SizeMB*1_000_000 {
		return false, 0
	}
	if d.strategy != nil && d.strategy.Overloaded() {
		return false, 1
	}
	return true, d.loadScore()
}

// CreateIO allocates a fresh file number, writes the in-band swap-meta
// header (so a future dirty-scan rebuild can recover this entry without
// swap.state), and returns an IOState positioned past the header for
// application writes.
func (d *SwapDir) CreateIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	if ok, _ := d.CanStore(entry.Size); !ok {
		return nil, errors.Errorf("ufs: %s refuses admission for size %d", d, entry.Size)
	}
	fileN := d.fileMap.Allocate()
	path := d.layout.Path(fileN)
	entry.SetEnginePointer(d.dirN, store.SwapFileNumber(fileN))

	ioState := store.OpenForCreate(d.strategy, entry, path)
	header := Encode(RecordFromEntry(OpAdd, fileN, entry))
	ioState.Write(header, 0, nil)
	ioState.SetBaseOffset(int64(RecordSize))

	d.mu.Lock()
	log := d.log
	d.mu.Unlock()
	if log != nil {
		if err := log.Append(RecordFromEntry(OpAdd, fileN, entry)); err != nil {
			corelog.Errorf(ctx, d, "append swap.state ADD: %v", err)
		}
	}
	d.lru.Touch(entry.Key, fileN, entry.Size)
	if d.index != nil {
		if err := d.index.Put(entry.Key, IndexRecord{FileN: fileN, Size: entry.Size, Timestamp: entry.Timestamp.Unix()}); err != nil {
			corelog.Errorf(ctx, d, "index put: %v", err)
		}
	}
	return ioState, nil
}

// OpenIO opens entry's existing swap slot for reading, positioned past
// the in-band header.
func (d *SwapDir) OpenIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return nil, errors.Errorf("ufs: %s has no swap slot for %s", d, entry.Key)
	}
	path := d.layout.Path(int64(fileN))
	d.lru.Touch(entry.Key, int64(fileN), entry.Size)
	return store.OpenForReadAt(d.strategy, entry, path, int64(RecordSize)), nil
}

// Unlink releases entry's swap slot, appending a DEL record and clearing the
// file map bit.
func (d *SwapDir) Unlink(ctx context.Context, entry *store.StoreEntry) error {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return nil
	}
	path := d.layout.Path(int64(fileN))

	d.mu.Lock()
	log := d.log
	d.mu.Unlock()
	if log != nil {
		if err := log.Append(RecordFromEntry(OpDel, int64(fileN), entry)); err != nil {
			corelog.Errorf(ctx, d, "append swap.state DEL: %v", err)
		}
	}
	d.fileMap.Reset(int64(fileN))
	d.lru.Remove(entry.Key)
	if d.index != nil {
		if err := d.index.Delete(entry.Key); err != nil {
			corelog.Errorf(ctx, d, "index delete: %v", err)
		}
	}
	entry.SetEnginePointer(-1, store.NoFile)

	req := diskio.NewRequest(diskio.OpUnlink, path, 0, nil, func(res diskio.Result) {
		if res.Outcome != diskio.OK {
			corelog.Errorf(ctx, d, "unlink %s: %v", path, res.Err)
		}
	})
	d.strategy.Submit(req)
	return nil
}

// Sync rotates the clean log, listing every currently-resident entry and
// touching swap.state.last-clean.
func (d *SwapDir) Sync(ctx context.Context) error {
	d.strategy.Sync()

	if d.index == nil {
		return nil
	}
	var records []Record
	if err := d.index.ForEach(func(key store.CacheKey, rec IndexRecord) error {
		records = append(records, Record{
			Op:        OpAdd,
			FileN:     rec.FileN,
			Size:      rec.Size,
			Timestamp: fromUnixSec(uint32(rec.Timestamp)),
			Key:       key,
		})
		return nil
	}); err != nil {
		return errors.Wrap(err, "ufs: sync: collect index")
	}

	d.mu.Lock()
	if d.log != nil {
		_ = d.log.Close()
	}
	d.mu.Unlock()

	if err := d.writeCleanLog(records); err != nil {
		return err
	}

	log, err := OpenLog(filepath.Join(d.cfg.Path, swapStateName))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.log = log
	d.mu.Unlock()
	return nil
}

// StatInto fills entry.Size from the on-disk slot minus the header.
func (d *SwapDir) StatInto(ctx context.Context, entry *store.StoreEntry) error {
	_, fileN := entry.EnginePointer()
	if !fileN.Valid() {
		return errors.Errorf("ufs: %s has no swap slot for %s", d, entry.Key)
	}
	info, err := os.Stat(d.layout.Path(int64(fileN)))
	if err != nil {
		return errors.Wrapf(err, "ufs: stat fileno %d", int64(fileN))
	}
	entry.Size = info.Size() - int64(RecordSize)
	return nil
}

// DoubleCheck is a diagnostic consistency pass: stat each resident
// file and compare its size against the metadata the index carries.
func (d *SwapDir) DoubleCheck(ctx context.Context) (mismatches int, err error) {
	if d.index == nil {
		return 0, nil
	}
	err = d.index.ForEach(func(key store.CacheKey, rec IndexRecord) error {
		info, statErr := os.Stat(d.layout.Path(rec.FileN))
		if statErr != nil {
			mismatches++
			return nil
		}
		if info.Size()-int64(RecordSize) != rec.Size {
			mismatches++
		}
		return nil
	})
	return mismatches, err
}

// Maintain runs one incremental housekeeping pass: scan/remove budgets scale
// linearly with how far over the low-water mark the directory is, clamped to
// [0,1].
func (d *SwapDir) Maintain(ctx context.Context) error {
	if d.cfg.SizeMB <= 0 {
		return nil
	}
	maxSize := d.cfg.SizeMB * 1_000_000
	lowSize := maxSize * 9 / 10 // 90% low-water mark
	cur := d.lru.Size()
	if cur <= lowSize {
		return nil
	}
	frac := float64(cur-lowSize) / float64(maxSize-lowSize)
	if frac > 1 {
		frac = 1
	}
	const maxRemoveBudget = 64
	removeBudget := int(frac * maxRemoveBudget)
	if removeBudget == 0 {
		removeBudget = 1
	}
	candidates := d.lru.Candidates(removeBudget)
	for _, key := range candidates {
		entry := store.NewStoreEntry(key)
		// the controller normally supplies the live StoreEntry with its
		// real engine pointer; Maintain only has the LRU's shadow copy,
		// so it looks the file number back up through the index before
		// unlinking.
		rec, ok, err := d.index.Get(key)
		if err != nil || !ok {
			continue
		}
		entry.SetEnginePointer(d.dirN, store.SwapFileNumber(rec.FileN))
		if err := d.Unlink(ctx, entry); err != nil {
			corelog.Errorf(ctx, d, "maintain: unlink %s: %v", key, err)
		}
	}
	return nil
}

// CanonicalConfig renders the effective cache_dir line the way the `info`
// cache-manager action echoes configuration back.
func (d *SwapDir) CanonicalConfig() string {
	return fmt.Sprintf("cache_dir ufs %s %d %d %d", d.cfg.Path, d.cfg.SizeMB, d.layout.L1, d.layout.L2)
}

var _ store.Engine = (*SwapDir)(nil)

// Package controller implements the store-wide front door: entry
// creation/open/unlink across whichever engine admits the object, the
// process-local key->entry directory, and collapsed-forwarding publication
// when a write starts. Each configured cache_dir is represented only through
// the store.Engine capability interface, so the controller never
// distinguishes ufs.SwapDir from coss.SwapDir.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/cfqueue"
	"github.com/squidcore/storecore/internal/corelog"
	"github.com/squidcore/storecore/internal/store"
)

// PeerLister returns the kid-ids of every other registered strand, used to
// fan a collapsed-forwarding publish out to every peer. Supplied by the ipc
// layer rather than imported directly, so this package never depends on
// port.Coordinator.
type PeerLister func() []int32

// Controller is the per-strand store front door.
type Controller struct {
	kidID   int32
	engines []store.Engine

	cf    *cfqueue.Set // nil when collapsed forwarding is disabled (single-kid deployment)
	peers PeerLister

	mu       sync.Mutex
	entries  map[store.CacheKey]*store.StoreEntry
	waiters  map[uint64][]chan struct{}
}

// New builds a Controller over engines (index i backs dirN i). cf and
// peers may both be nil to disable collapsed forwarding entirely (a
// single-kid, non-SMP deployment).
func New(kidID int32, engines []store.Engine, cf *cfqueue.Set, peers PeerLister) *Controller {
	return &Controller{
		kidID:   kidID,
		engines: engines,
		cf:      cf,
		peers:   peers,
		entries: make(map[store.CacheKey]*store.StoreEntry),
		waiters: make(map[uint64][]chan struct{}),
	}
}

func (c *Controller) String() string { return fmt.Sprintf("store.Controller(kid=%d)", c.kidID) }

// Init initializes every configured engine in dirN order.
func (c *Controller) Init(ctx context.Context) error {
	for i, e := range c.engines {
		if err := e.Init(ctx); err != nil {
			return errors.Wrapf(err, "controller: init dir %d (%s)", i, e)
		}
	}
	return nil
}

// GetPublic returns the resident entry for key, if this process has seen it
// created or installed by a rebuild.
func (c *Controller) GetPublic(key store.CacheKey) (*store.StoreEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Install registers an already-located entry.
func (c *Controller) Install(entry *store.StoreEntry) {
	c.mu.Lock()
	c.entries[entry.Key] = entry
	c.mu.Unlock()
}

// candidate engines admitting size, in dirN order; CanStore is probed
// via a type assertion since the capability lives on the concrete
// engine, not store.Engine itself. An engine without it is always
// probed as admitting at zero load.
type admitter interface {
	CanStore(size int64) (ok bool, load float64)
}

// selectEngine picks the least-loaded admitting engine; ties broken by
// lowest dirN for determinism.
func (c *Controller) selectEngine(size int64) (int32, store.Engine, error) {
	type candidate struct {
		dirN int32
		eng  store.Engine
		load float64
	}
	var candidates []candidate
	for i, e := range c.engines {
		if a, ok := e.(admitter); ok {
			admit, load := a.CanStore(size)
			if !admit {
				continue
			}
			candidates = append(candidates, candidate{dirN: int32(i), eng: e, load: load})
			continue
		}
		candidates = append(candidates, candidate{dirN: int32(i), eng: e, load: 0})
	}
	if len(candidates) == 0 {
		return -1, nil, errors.Errorf("controller: no cache_dir admits an object of size %d", size)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].load < candidates[j].load })
	best := candidates[0]
	return best.dirN, best.eng, nil
}

// Create selects an admitting cache_dir, allocates a fresh swap slot through
// it, installs the entry in the local directory, and publishes a collapsed-
// forwarding notification to every peer strand.
func (c *Controller) Create(ctx context.Context, key store.CacheKey, size int64) (*store.StoreEntry, store.IO, error) {
	_, engine, err := c.selectEngine(size)
	if err != nil {
		return nil, nil, err
	}
	entry := store.NewStoreEntry(key)
	entry.Size = size
	entry.SetFlag(store.FlagCacheable, true)

	ioState, err := engine.CreateIO(ctx, entry)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "controller: create %s", key)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.publish(ctx, key)
	return entry, ioState, nil
}

// publish fans a collapsed-forwarding notification for key out to every
// known peer strand. A nil cf/peers disables the feature silently, matching
// a single-kid deployment with no SMP coordination.
func (c *Controller) publish(ctx context.Context, key store.CacheKey) {
	if c.cf == nil || c.peers == nil {
		return
	}
	peers := c.peers()
	if len(peers) == 0 {
		return
	}
	if err := c.cf.Publish(c.kidID, peers, key.Ref()); err != nil {
		corelog.Errorf(ctx, c, "publish collapsed-forwarding for %s: %v", key, err)
	}
}

// Open opens entry's existing swap slot for reading. The caller must
// already hold the entry (via GetPublic).
func (c *Controller) Open(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	dirN, fileN := entry.EnginePointer()
	if !fileN.Valid() || dirN < 0 || int(dirN) >= len(c.engines) {
		return nil, errors.Errorf("controller: %s has no resident swap slot", entry.Key)
	}
	return c.engines[dirN].OpenIO(ctx, entry)
}

// Unlink releases entry's swap slot and drops it from the local directory.
func (c *Controller) Unlink(ctx context.Context, entry *store.StoreEntry) error {
	dirN, fileN := entry.EnginePointer()
	if fileN.Valid() && dirN >= 0 && int(dirN) < len(c.engines) {
		if err := c.engines[dirN].Unlink(ctx, entry); err != nil {
			return errors.Wrapf(err, "controller: unlink %s", entry.Key)
		}
	}
	entry.SetFlag(store.FlagReleased, true)
	c.mu.Lock()
	delete(c.entries, entry.Key)
	c.mu.Unlock()
	return nil
}

// Sync flushes every engine's buffered state.
func (c *Controller) Sync(ctx context.Context) error {
	for i, e := range c.engines {
		if err := e.Sync(ctx); err != nil {
			return errors.Wrapf(err, "controller: sync dir %d", i)
		}
	}
	return nil
}

// Maintain runs one incremental housekeeping pass across every engine.
func (c *Controller) Maintain(ctx context.Context) error {
	for i, e := range c.engines {
		if err := e.Maintain(ctx); err != nil {
			corelog.Errorf(ctx, c, "maintain dir %d: %v", i, err)
		}
	}
	return nil
}

// Engines exposes the configured engines in dirN order, for the `info`
// cache-manager action's CanonicalConfig listing.
func (c *Controller) Engines() []store.Engine {
	out := make([]store.Engine, len(c.engines))
	copy(out, c.engines)
	return out
}

// AwaitNewData returns a channel that is closed the next time
// DeliverNewData(ref) runs, for collapsed-forwarding readers waiting on a
// specific in-flight key. The returned channel is only ever closed once;
// callers must call AwaitNewData again after it fires if they want to keep
// waiting on the same ref.
func (c *Controller) AwaitNewData(ref uint64) <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[ref] = append(c.waiters[ref], ch)
	c.mu.Unlock()
	return ch
}

// DeliverNewData wakes every reader waiting on ref. Called by the strand-
// level glue once it has drained a cfqueue notification into concrete
// elements.
func (c *Controller) DeliverNewData(ref uint64) {
	c.mu.Lock()
	chans := c.waiters[ref]
	delete(c.waiters, ref)
	c.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

var _ fmt.Stringer = (*Controller)(nil)

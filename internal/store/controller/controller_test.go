package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/cfqueue"
	"github.com/squidcore/storecore/internal/store"
)

// fakeEngine is a minimal in-memory store.Engine used to exercise the
// controller's selection/bookkeeping logic without a real filesystem.
type fakeEngine struct {
	name     string
	admits   bool
	load     float64
	created  []store.CacheKey
	unlinked []store.CacheKey
}

func (e *fakeEngine) String() string { return e.name }
func (e *fakeEngine) Init(ctx context.Context) error { return nil }

func (e *fakeEngine) CreateIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	e.created = append(e.created, entry.Key)
	entry.SetEnginePointer(0, store.SwapFileNumber(len(e.created)))
	return nil, nil
}

func (e *fakeEngine) OpenIO(ctx context.Context, entry *store.StoreEntry) (store.IO, error) {
	return nil, nil
}

func (e *fakeEngine) Unlink(ctx context.Context, entry *store.StoreEntry) error {
	e.unlinked = append(e.unlinked, entry.Key)
	return nil
}

func (e *fakeEngine) Sync(ctx context.Context) error            { return nil }
func (e *fakeEngine) StatInto(ctx context.Context, entry *store.StoreEntry) error { return nil }
func (e *fakeEngine) Maintain(ctx context.Context) error        { return nil }
func (e *fakeEngine) CanonicalConfig() string                   { return "cache_dir fake " + e.name }
func (e *fakeEngine) CanStore(size int64) (bool, float64)       { return e.admits, e.load }

func key(b byte) store.CacheKey {
	var k store.CacheKey
	k[0] = b
	return k
}

func TestCreatePicksLeastLoadedAdmittingEngine(t *testing.T) {
	low := &fakeEngine{name: "low", admits: true, load: 0.1}
	high := &fakeEngine{name: "high", admits: true, load: 0.9}
	full := &fakeEngine{name: "full", admits: false}

	c := New(1, []store.Engine{full, high, low}, nil, nil)
	entry, _, err := c.Create(context.Background(), key(1), 4096)
	require.NoError(t, err)
	assert.Equal(t, []store.CacheKey{key(1)}, low.created)
	assert.Empty(t, high.created)
	assert.Empty(t, full.created)

	got, ok := c.GetPublic(key(1))
	require.True(t, ok)
	assert.Same(t, entry, got)
}

func TestCreateFailsWhenNoEngineAdmits(t *testing.T) {
	full := &fakeEngine{name: "full", admits: false}
	c := New(1, []store.Engine{full}, nil, nil)
	_, _, err := c.Create(context.Background(), key(2), 10)
	assert.Error(t, err)
}

func TestUnlinkRemovesFromDirectory(t *testing.T) {
	eng := &fakeEngine{name: "e", admits: true}
	c := New(1, []store.Engine{eng}, nil, nil)
	entry, _, err := c.Create(context.Background(), key(3), 10)
	require.NoError(t, err)

	require.NoError(t, c.Unlink(context.Background(), entry))
	_, ok := c.GetPublic(key(3))
	assert.False(t, ok)
	assert.Equal(t, []store.CacheKey{key(3)}, eng.unlinked)
	assert.True(t, entry.HasFlag(store.FlagReleased))
}

func TestCreatePublishesCollapsedForwardingToPeers(t *testing.T) {
	dir := t.TempDir()
	notified := make(chan int32, 4)
	cf := cfqueue.NewSet(dir, 8, func(consumerKid, fromKid int32) { notified <- consumerKid })
	defer cf.Close()

	eng := &fakeEngine{name: "e", admits: true}
	c := New(1, []store.Engine{eng}, cf, func() []int32 { return []int32{1, 2, 3} })

	k := key(9)
	_, _, err := c.Create(context.Background(), k, 10)
	require.NoError(t, err)

	seen := map[int32]bool{}
	for i := 0; i < 2; i++ {
		seen[<-notified] = true
	}
	assert.True(t, seen[2])
	assert.True(t, seen[3])
	assert.False(t, seen[1], "a producer never notifies itself")

	elems, err := cf.Drain(1, 2)
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, k.Ref(), elems[0].EntryRef)
}

func TestAwaitNewDataWakesOnDeliver(t *testing.T) {
	c := New(1, nil, nil, nil)
	ref := key(7).Ref()
	ch := c.AwaitNewData(ref)

	select {
	case <-ch:
		t.Fatal("channel fired before DeliverNewData")
	default:
	}

	c.DeliverNewData(ref)
	<-ch // must not block
}

package ufs

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/diskio"
	"github.com/squidcore/storecore/internal/store"
)

func waitForPoll(t *testing.T, s *diskio.Strategy, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	seen := 0
	for seen < n {
		if r := s.PollDone(); r != nil {
			seen++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d completions, saw %d", n, seen)
		case <-time.After(time.Millisecond):
		}
	}
}

func newTestStrategy(t *testing.T) *diskio.Strategy {
	t.Helper()
	s := diskio.New(2)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)
	return s
}

// TestSwapDirRoundTrip exercises the full store/retrieve cycle:
// create an entry, write 4096 bytes of 0xAB, close, reopen by key, read
// it back, and confirm the body and reported size match.
func TestSwapDirRoundTrip(t *testing.T) {
	root := t.TempDir()
	strategy := newTestStrategy(t)
	d := New(0, Config{Path: root, L1: 2, L2: 4}, strategy)
	require.NoError(t, d.Init(context.Background()))

	body := bytes.Repeat([]byte{0xAB}, 4096)
	var k1 store.CacheKey
	copy(k1[:], []byte("test-key-k1-----"))
	entry := store.NewStoreEntry(k1)
	entry.Size = int64(len(body))

	ioState, err := d.CreateIO(context.Background(), entry)
	require.NoError(t, err)

	// the header write queued by CreateIO, then the application write.
	writeDone := make(chan struct{}, 1)
	ioState.Write(body, 0, func(n int, outcome diskio.Outcome, werr error) {
		require.NoError(t, werr)
		assert.Equal(t, len(body), n)
		writeDone <- struct{}{}
	})

	// pump completions: open, header write, body write.
	waitForPoll(t, strategy, 3, 2*time.Second)
	<-writeDone

	closeDone := make(chan struct{}, 1)
	ioState.Close(func(err error) {
		require.NoError(t, err)
		closeDone <- struct{}{}
	})
	waitForPoll(t, strategy, 1, 2*time.Second)
	<-closeDone

	require.NoError(t, d.StatInto(context.Background(), entry))
	assert.Equal(t, int64(4096), entry.Size)

	readEntry := store.NewStoreEntry(k1)
	readEntry.SetEnginePointer(entry.DirN, entry.FileN)
	readIO, err := d.OpenIO(context.Background(), readEntry)
	require.NoError(t, err)
	waitForPoll(t, strategy, 1, 2*time.Second) // open

	readBuf := make([]byte, 4096)
	readDone := make(chan struct{}, 1)
	readIO.Read(readBuf, 0, func(n int, outcome diskio.Outcome, rerr error) {
		require.NoError(t, rerr)
		assert.Equal(t, 4096, n)
		readDone <- struct{}{}
	})
	waitForPoll(t, strategy, 1, 2*time.Second)
	<-readDone
	assert.Equal(t, body, readBuf)

	rcDone := make(chan struct{}, 1)
	readIO.Close(func(err error) {
		require.NoError(t, err)
		rcDone <- struct{}{}
	})
	waitForPoll(t, strategy, 1, 2*time.Second)
	<-rcDone
}

// TestSwapDirDirtyRebuildRecoversKey exercises the dirty rebuild
// path: without a swap.state.last-clean marker, a fresh
// SwapDir must recover a resident object's key from its in-band header.
func TestSwapDirDirtyRebuildRecoversKey(t *testing.T) {
	root := t.TempDir()
	strategy := newTestStrategy(t)
	d := New(0, Config{Path: root, L1: 2, L2: 4}, strategy)
	require.NoError(t, d.Init(context.Background()))

	var k1 store.CacheKey
	copy(k1[:], []byte("dirty-rebuild-k1"))
	entry := store.NewStoreEntry(k1)
	entry.Size = 128
	body := bytes.Repeat([]byte{0xCD}, 128)

	ioState, err := d.CreateIO(context.Background(), entry)
	require.NoError(t, err)
	writeDone := make(chan struct{}, 1)
	ioState.Write(body, 0, func(n int, outcome diskio.Outcome, werr error) {
		require.NoError(t, werr)
		writeDone <- struct{}{}
	})
	waitForPoll(t, strategy, 3, 2*time.Second)
	<-writeDone
	closeDone := make(chan struct{}, 1)
	ioState.Close(func(err error) { closeDone <- struct{}{} })
	waitForPoll(t, strategy, 1, 2*time.Second)
	<-closeDone

	// simulate an unclean shutdown: no Sync/last-clean marker written.
	// The index lock is released the way a dead process's would be, so
	// the second SwapDir can open index.bbolt.
	require.NoError(t, d.index.Close())
	d2 := New(0, Config{Path: root, L1: 2, L2: 4}, strategy)
	require.NoError(t, d2.Init(context.Background()))

	d2.mu.Lock()
	result := d2.rebuilt
	d2.mu.Unlock()
	assert.True(t, result.dirty)
	assert.Equal(t, 1, result.installed)

	rec, ok, err := d2.index.Get(k1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(128), rec.Size)
}

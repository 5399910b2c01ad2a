package ufs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/store"
)

func newTestSwapDir(t *testing.T) (*SwapDir, string) {
	t.Helper()
	root := t.TempDir()
	d := New(0, Config{Path: root, L1: 2, L2: 4}, nil)
	return d, root
}

func TestRebuildCleanCancelsMatchingDel(t *testing.T) {
	d, root := newTestSwapDir(t)
	index, err := OpenIndex(filepath.Join(root, "index.bbolt"))
	require.NoError(t, err)
	d.index = index
	t.Cleanup(func() { _ = index.Close() })

	log, err := OpenLog(filepath.Join(root, swapStateName))
	require.NoError(t, err)

	ts := time.Unix(5000, 0).UTC()
	var k1, k2 store.CacheKey
	copy(k1[:], []byte("survivor-key----"))
	copy(k2[:], []byte("deleted-key-----"))

	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 1, Key: k1, Size: 10, Timestamp: ts}))
	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 2, Key: k2, Size: 20, Timestamp: ts}))
	require.NoError(t, log.Append(Record{Op: OpDel, FileN: 2, Key: k2, Timestamp: ts}))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	result, err := rebuildClean(d)
	require.NoError(t, err)
	assert.Equal(t, 1, result.installed)
	assert.Equal(t, 0, result.invalid)

	rec, ok, err := d.index.Get(k1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.Size)

	_, ok, err = d.index.Get(k2)
	require.NoError(t, err)
	assert.False(t, ok, "a DEL at or after its ADD's timestamp must cancel the pending entry")
}

func TestRebuildCleanCountsPrivateAsInvalid(t *testing.T) {
	d, root := newTestSwapDir(t)

	log, err := OpenLog(filepath.Join(root, swapStateName))
	require.NoError(t, err)

	var k1 store.CacheKey
	copy(k1[:], []byte("private-key-----"))
	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 1, Key: k1, Size: 10, Flags: store.FlagPrivate}))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	result, err := rebuildClean(d)
	require.NoError(t, err)
	assert.Equal(t, 0, result.installed)
	assert.Equal(t, 1, result.invalid)
}

func TestIsCleanFalseWithoutMarker(t *testing.T) {
	root := t.TempDir()
	assert.False(t, isClean(root))
}

func TestRebuildWinnerFallsBackToLaterTimestampWithoutFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	older := Record{Timestamp: time.Unix(100, 0)}
	newer := Record{Timestamp: time.Unix(200, 0)}

	assert.Equal(t, newer, rebuildWinner(missing, older, newer))
	assert.Equal(t, newer, rebuildWinner(missing, newer, older))
}

func TestRebuildWinnerPicksRecordClosestToFileTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000001")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	now := time.Now()
	near := Record{Timestamp: now}
	far := Record{Timestamp: now.Add(-365 * 24 * time.Hour)}

	assert.Equal(t, near, rebuildWinner(path, near, far))
	assert.Equal(t, near, rebuildWinner(path, far, near))
}

func TestRebuildCleanResolvesRacingAddsViaRebuildWinner(t *testing.T) {
	d, root := newTestSwapDir(t)
	index, err := OpenIndex(filepath.Join(root, "index.bbolt"))
	require.NoError(t, err)
	d.index = index
	t.Cleanup(func() { _ = index.Close() })

	filePath := d.layout.Path(1)
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	require.NoError(t, os.WriteFile(filePath, []byte("resident"), 0o644))

	log, err := OpenLog(filepath.Join(root, swapStateName))
	require.NoError(t, err)

	now := time.Now()
	var stale, resident store.CacheKey
	copy(stale[:], []byte("stale-crash-key-"))
	copy(resident[:], []byte("resident-key----"))

	// Two ADDs race for FileN 1 with no intervening DEL: a crash
	// mid-append left the stale record's bytes overwritten by the
	// resident one, but replayed in an order that would otherwise make
	// the stale (later-logged, earlier-timestamped by clock skew)
	// record win on a naive "last one replayed wins" rule.
	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 1, Key: resident, Size: 8, Timestamp: now}))
	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 1, Key: stale, Size: 4, Timestamp: now.Add(-365 * 24 * time.Hour)}))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	result, err := rebuildClean(d)
	require.NoError(t, err)
	assert.Equal(t, 1, result.installed)

	_, ok, err := d.index.Get(resident)
	require.NoError(t, err)
	assert.True(t, ok, "rebuildWinner must pick the record matching the resident file's own timestamp")

	_, ok, err = d.index.Get(stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

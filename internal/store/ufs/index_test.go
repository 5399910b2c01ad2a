package ufs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/store"
)

func TestIndexPutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bbolt")
	ix, err := OpenIndex(path)
	require.NoError(t, err)
	defer ix.Close()

	k := key(7)
	require.NoError(t, ix.Put(k, IndexRecord{FileN: 3, Size: 99, Timestamp: 123}))

	rec, ok, err := ix.Get(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.FileN)
	assert.Equal(t, int64(99), rec.Size)

	n, err := ix.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, ix.Delete(k))
	_, ok, err = ix.Get(k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexForEach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bbolt")
	ix, err := OpenIndex(path)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put(key(1), IndexRecord{FileN: 1, Size: 10}))
	require.NoError(t, ix.Put(key(2), IndexRecord{FileN: 2, Size: 20}))

	seen := map[int64]int64{}
	require.NoError(t, ix.ForEach(func(_ store.CacheKey, rec IndexRecord) error {
		seen[rec.FileN] = rec.Size
		return nil
	}))
	assert.Equal(t, map[int64]int64{1: 10, 2: 20}, seen)
}

func TestIndexPurgeEmptiesBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bbolt")
	ix, err := OpenIndex(path)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put(key(1), IndexRecord{FileN: 1, Size: 10}))
	require.NoError(t, ix.Purge())

	n, err := ix.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

package ufs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squidcore/storecore/internal/store"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	var key store.CacheKey
	copy(key[:], []byte("0123456789abcdef"))
	r := Record{
		Op:        OpAdd,
		FileN:     42,
		Timestamp: time.Unix(1000, 0).UTC(),
		LastRef:   time.Unix(2000, 0).UTC(),
		Size:      4096,
		RefCount:  3,
		Flags:     store.FlagCacheable,
		Key:       key,
	}
	b := Encode(r)
	assert.Len(t, b, RecordSize)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, r.Op, got.Op)
	assert.Equal(t, r.FileN, got.FileN)
	assert.Equal(t, r.Timestamp, got.Timestamp)
	assert.Equal(t, r.Size, got.Size)
	assert.Equal(t, r.RefCount, got.RefCount)
	assert.Equal(t, r.Flags, got.Flags)
	assert.Equal(t, r.Key, got.Key)
}

func TestDecodeRejectsUnknownOp(t *testing.T) {
	b := make([]byte, RecordSize)
	b[0] = 99
	_, err := Decode(b)
	assert.Error(t, err)
}

func TestLogAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swap.state")

	log, err := OpenLog(path)
	require.NoError(t, err)

	var key1, key2 store.CacheKey
	copy(key1[:], []byte("key-one---------"))
	copy(key2[:], []byte("key-two---------"))

	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 1, Key: key1, Size: 10}))
	require.NoError(t, log.Append(Record{Op: OpAdd, FileN: 2, Key: key2, Size: 20}))
	require.NoError(t, log.Append(Record{Op: OpDel, FileN: 1, Key: key1}))
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	var seen []Record
	total, invalid, err := ReadAllFunc(path, func(r Record) { seen = append(seen, r) }, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, invalid)
	assert.Len(t, seen, 3)
}

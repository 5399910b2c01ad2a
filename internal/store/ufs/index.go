package ufs

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/squidcore/storecore/internal/store"
)

// indexBucket is the single bbolt bucket holding key -> IndexRecord:
// a derived, rebuildable index accelerating lookups by key without
// walking the flat swap.state log every time.
var indexBucket = []byte("ufs-index")

// IndexRecord is the value stored per key: just enough to reconstruct a
// StoreEntry's engine pointer and size without re-reading swap.state.
type IndexRecord struct {
	FileN     int64
	Size      int64
	Timestamp int64 // unix seconds
}

func encodeIndexRecord(r IndexRecord) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.FileN))
	binary.LittleEndian.PutUint64(b[8:], uint64(r.Size))
	binary.LittleEndian.PutUint64(b[16:], uint64(r.Timestamp))
	return b
}

func decodeIndexRecord(b []byte) (IndexRecord, error) {
	if len(b) != 24 {
		return IndexRecord{}, errors.New("ufs: malformed index record")
	}
	return IndexRecord{
		FileN:     int64(binary.LittleEndian.Uint64(b[0:])),
		Size:      int64(binary.LittleEndian.Uint64(b[8:])),
		Timestamp: int64(binary.LittleEndian.Uint64(b[16:])),
	}, nil
}

// Index is the bbolt-backed secondary index for one UFS directory. Refreshed
// on every ADD/DEL append: it is a cache over swap.state, always rebuildable
// from it, never the system of record.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if necessary) the bbolt file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "ufs: open index %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ufs: create index bucket")
	}
	return &Index{db: db}, nil
}

// Put inserts or overwrites key's index record.
func (ix *Index) Put(key store.CacheKey, r IndexRecord) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put(key[:], encodeIndexRecord(r))
	})
}

// Get looks up key, returning ok=false if absent.
func (ix *Index) Get(key store.CacheKey) (rec IndexRecord, ok bool, err error) {
	err = ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket).Get(key[:])
		if b == nil {
			return nil
		}
		ok = true
		rec, err = decodeIndexRecord(b)
		return err
	})
	return rec, ok, err
}

// Delete removes key's index record, if any.
func (ix *Index) Delete(key store.CacheKey) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(key[:])
	})
}

// Purge empties the index entirely, used when a rebuild decides the
// index itself can't be trusted (e.g. it predates a dirty-scan
// recovery).
func (ix *Index) Purge() error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(indexBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(indexBucket)
		return err
	})
}

// ForEach iterates every (key, record) pair in the index. fn's error,
// if any, aborts the iteration and is returned to the caller.
func (ix *Index) ForEach(fn func(key store.CacheKey, rec IndexRecord) error) error {
	return ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(k, v []byte) error {
			var key store.CacheKey
			copy(key[:], k)
			rec, err := decodeIndexRecord(v)
			if err != nil {
				return err
			}
			return fn(key, rec)
		})
	})
}

// Len reports the number of indexed keys.
func (ix *Index) Len() (int, error) {
	var n int
	err := ix.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(indexBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying bbolt file.
func (ix *Index) Close() error { return ix.db.Close() }

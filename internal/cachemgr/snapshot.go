package cachemgr

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// snapshotCountersBucket and snapshotSbufBucket hold the two float64
// maps that survive a `rotate` cycle: counters and sbuf_stats. Same
// bbolt shape as internal/store/ufs/index.go: open-bucket-if-missing,
// put-raw-bytes idiom, applied to a name -> float64 map instead of a
// cache_key -> IndexRecord map.
var (
	snapshotCountersBucket = []byte("counters")
	snapshotSbufBucket     = []byte("sbuf_stats")
)

// snapshot is the bbolt-backed durable store for a Stats bank's counters and
// sbuf maps, written by the `rotate` action and restored when a strand opens
// it at startup so historical counters survive a process restart instead of
// resetting to zero.
type snapshot struct {
	db *bolt.DB
}

func openSnapshot(path string) (*snapshot, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cachemgr: open snapshot %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotCountersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotSbufBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cachemgr: create snapshot buckets")
	}
	return &snapshot{db: db}, nil
}

func (s *snapshot) load() (counters, sbuf map[string]float64, err error) {
	counters = make(map[string]float64)
	sbuf = make(map[string]float64)
	err = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(snapshotCountersBucket); b != nil {
			_ = b.ForEach(func(k, v []byte) error {
				counters[string(k)] = decodeFloat(v)
				return nil
			})
		}
		if b := tx.Bucket(snapshotSbufBucket); b != nil {
			_ = b.ForEach(func(k, v []byte) error {
				sbuf[string(k)] = decodeFloat(v)
				return nil
			})
		}
		return nil
	})
	return counters, sbuf, err
}

func (s *snapshot) save(counters, sbuf map[string]float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(snapshotCountersBucket)
		for k, v := range counters {
			if err := cb.Put([]byte(k), encodeFloat(v)); err != nil {
				return err
			}
		}
		sb := tx.Bucket(snapshotSbufBucket)
		for k, v := range sbuf {
			if err := sb.Put([]byte(k), encodeFloat(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *snapshot) close() error {
	return s.db.Close()
}

func encodeFloat(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func decodeFloat(b []byte) float64 {
	if len(b) != 8 {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

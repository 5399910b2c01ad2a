package ufs

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/squidcore/storecore/internal/store"
)

// Op is a swap.state record's operation.
type Op uint8

const (
	OpAdd Op = 1
	OpDel Op = 2
)

// RecordSize is the fixed on-disk width of one swap.state record and also
// the width of the in-band swap-meta header every UFS-written file carries
// at offset 0. Layout: op:u8, pad:u8, file_n:u32, timestamp:u32,
// lastref:u32, expires:u32, lastmod:u32, swap_file_sz:u64, refcount:u32,
// flags:u16, key:u8[16]
const RecordSize = 1 + 1 + 4 + 4 + 4 + 4 + 4 + 8 + 4 + 2 + 16

// Record is one decoded swap.state entry.
type Record struct {
	Op        Op
	FileN     int64
	Timestamp time.Time
	LastRef   time.Time
	Expires   time.Time
	LastMod   time.Time
	Size      int64
	RefCount  uint32
	Flags     store.EntryFlags
	Key       store.CacheKey
}

func unixSec(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

func fromUnixSec(s uint32) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(int64(s), 0).UTC()
}

// Encode writes r into a fresh RecordSize-byte buffer.
func Encode(r Record) []byte {
	b := make([]byte, RecordSize)
	b[0] = byte(r.Op)
	b[1] = 0
	binary.LittleEndian.PutUint32(b[2:], uint32(r.FileN))
	binary.LittleEndian.PutUint32(b[6:], unixSec(r.Timestamp))
	binary.LittleEndian.PutUint32(b[10:], unixSec(r.LastRef))
	binary.LittleEndian.PutUint32(b[14:], unixSec(r.Expires))
	binary.LittleEndian.PutUint32(b[18:], unixSec(r.LastMod))
	binary.LittleEndian.PutUint64(b[22:], uint64(r.Size))
	binary.LittleEndian.PutUint32(b[30:], r.RefCount)
	binary.LittleEndian.PutUint16(b[34:], uint16(r.Flags))
	copy(b[36:52], r.Key[:])
	return b
}

// Decode parses a RecordSize-byte buffer. A wrong length or an
// out-of-range Op is reported as a corruption error, rather than
// panicking or silently accepting garbage; file_n is an unsigned 32-bit
// field, so the decoded file number is never negative.
func Decode(b []byte) (Record, error) {
	var r Record
	if len(b) != RecordSize {
		return r, errors.Errorf("ufs: short swap.state record (%d bytes)", len(b))
	}
	r.Op = Op(b[0])
	if r.Op != OpAdd && r.Op != OpDel {
		return r, errors.Errorf("ufs: unknown swap.state op %d", b[0])
	}
	r.FileN = int64(binary.LittleEndian.Uint32(b[2:]))
	r.Timestamp = fromUnixSec(binary.LittleEndian.Uint32(b[6:]))
	r.LastRef = fromUnixSec(binary.LittleEndian.Uint32(b[10:]))
	r.Expires = fromUnixSec(binary.LittleEndian.Uint32(b[14:]))
	r.LastMod = fromUnixSec(binary.LittleEndian.Uint32(b[18:]))
	r.Size = int64(binary.LittleEndian.Uint64(b[22:]))
	r.RefCount = binary.LittleEndian.Uint32(b[30:])
	r.Flags = store.EntryFlags(binary.LittleEndian.Uint16(b[34:]))
	copy(r.Key[:], b[36:52])
	return r, nil
}

// RecordFromEntry builds an ADD or DEL record describing e.
func RecordFromEntry(op Op, fileN int64, e *store.StoreEntry) Record {
	return Record{
		Op:        op,
		FileN:     fileN,
		Timestamp: e.Timestamp,
		LastRef:   e.LastRef,
		Expires:   e.Expires,
		LastMod:   e.LastMod,
		Size:      e.Size,
		RefCount:  uint32(e.RefCount),
		Flags:     e.Flags,
		Key:       e.Key,
	}
}

// Log is the append-only swap.state writer/reader for one UFS directory.
type Log struct {
	path string
	f    *os.File
}

// OpenLog opens (creating if necessary) the swap.state file at path for
// appending.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "ufs: open swap log %s", path)
	}
	return &Log{path: path, f: f}, nil
}

// Append writes one record to the end of the log.
func (l *Log) Append(r Record) error {
	_, err := l.f.Write(Encode(r))
	if err != nil {
		return errors.Wrap(err, "ufs: append swap.state record")
	}
	return nil
}

// Sync flushes the log to disk.
func (l *Log) Sync() error { return l.f.Sync() }

// Close closes the underlying file.
func (l *Log) Close() error { return l.f.Close() }

// ReadAllFunc streams every decoded record to fn, reporting a corrupt record
// (short read, bad op) as a skipped/counted entry instead of aborting the
// whole scan. progress is invoked every 4096 records.
func ReadAllFunc(path string, fn func(Record), progress func(n int)) (total, invalid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, errors.Wrapf(err, "ufs: open swap.state %s for read", path)
	}
	defer f.Close()

	buf := make([]byte, RecordSize)
	for {
		_, rerr := io.ReadFull(f, buf)
		if rerr == io.EOF {
			break
		}
		if rerr == io.ErrUnexpectedEOF {
			// a torn final record from a crash mid-append; counted but
			// not fatal to the rest of the scan.
			invalid++
			break
		}
		if rerr != nil {
			return total, invalid, errors.Wrap(rerr, "ufs: read swap.state")
		}
		total++
		rec, derr := Decode(buf)
		if derr != nil {
			invalid++
			if progress != nil && total%4096 == 0 {
				progress(total)
			}
			continue
		}
		fn(rec)
		if progress != nil && total%4096 == 0 {
			progress(total)
		}
	}
	return total, invalid, nil
}

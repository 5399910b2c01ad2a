// Package cfqueue implements the collapsed-forwarding queue: a fixed-
// capacity ring, one per (producer, consumer) worker pair, backed by a file-
// mapped shared-memory region so two different strand processes can see the
// same ring without routing the payload itself over the UDS control plane —
// only a lightweight "go look" notification travels there
// (internal/ipc/msgtypes CollapsedForwardingNotification).
package cfqueue

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultCapacity is the default number of elements per pairwise queue.
const DefaultCapacity = 1024

// Element is the small POD published on the queue: the producer's kid id and
// an opaque reference to the entry that gained data.
type Element struct {
	ProducerKid int32
	EntryRef    uint64
}

const elemSize = 16 // 4 (kid) + 4 (pad) + 8 (ref)

// header layout within the mapped region, all fields little-endian:
//
//	0  : head      uint64  (consumer-owned read cursor)
//	8  : tail      uint64  (producer-owned write cursor)
//	16 : signal    uint32  (reader-notification-in-flight flag)
//	20 : capacity  uint32  (element slots)
//	24 : dropped   uint64  (cf_queue_drops counter)
const (
	headerSize   = 64
	offHead      = 0
	offTail      = 8
	offSignal    = 16
	offCapacity  = 20
	offDropped   = 24
)

// Ring is one pairwise collapsed-forwarding queue, memory-mapped from a
// regular file so it is visible to both the producer and the consumer
// process. Every method takes the file lock for the duration of the
// operation: a real SPSC ring could do this lock-free with atomics on
// the mapped memory, but doing so safely across process boundaries
// needs platform memory-barrier guarantees outside what plain
// sync/atomic promises on a byte slice; flock is the conservative
// choice that keeps the invariants easy to verify by inspection.
type Ring struct {
	f    *os.File
	data []byte
	cap  int
}

// OpenRing opens or creates the ring file at path. The first opener
// creates and sizes the file and initializes the header; later openers
// (from the peer process) just map it.
func OpenRing(path string, capacity int) (*Ring, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	size := int64(headerSize + capacity*elemSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "cfqueue: open %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "cfqueue: flock init")
	}
	info, err := f.Stat()
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, errors.Wrap(err, "cfqueue: stat")
	}
	fresh := info.Size() == 0
	if fresh {
		if err := f.Truncate(size); err != nil {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			return nil, errors.Wrap(err, "cfqueue: truncate")
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, errors.Wrap(err, "cfqueue: mmap")
	}

	r := &Ring{f: f, data: data, cap: capacity}
	if fresh {
		binary.LittleEndian.PutUint32(r.data[offCapacity:], uint32(capacity))
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return r, nil
}

// Close unmaps and closes the backing file. The file itself is left in
// place so the peer process keeps a valid mapping.
func (r *Ring) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.f.Close()
}

func (r *Ring) lock() error   { return unix.Flock(int(r.f.Fd()), unix.LOCK_EX) }
func (r *Ring) unlock() error { return unix.Flock(int(r.f.Fd()), unix.LOCK_UN) }

func (r *Ring) readHeader() (head, tail uint64, signal uint32) {
	head = binary.LittleEndian.Uint64(r.data[offHead:])
	tail = binary.LittleEndian.Uint64(r.data[offTail:])
	signal = binary.LittleEndian.Uint32(r.data[offSignal:])
	return
}

func (r *Ring) slot(i uint64) []byte {
	idx := i % uint64(r.cap)
	start := headerSize + int(idx)*elemSize
	return r.data[start : start+elemSize]
}

func putElement(b []byte, e Element) {
	binary.LittleEndian.PutUint32(b[0:], uint32(e.ProducerKid))
	binary.LittleEndian.PutUint64(b[8:], e.EntryRef)
}

func getElement(b []byte) Element {
	return Element{
		ProducerKid: int32(binary.LittleEndian.Uint32(b[0:])),
		EntryRef:    binary.LittleEndian.Uint64(b[8:]),
	}
}

// Push appends e to the ring. If the ring is full, the element is dropped
// and the dropped counter is incremented. shouldNotify reports whether this
// push is the one that should trigger a CollapsedForwardingNotification: at
// most one notification may be in flight per pair at a time, so the flag is
// only raised on the transition from clear to set.
func (r *Ring) Push(e Element) (dropped bool, shouldNotify bool, err error) {
	if err := r.lock(); err != nil {
		return false, false, err
	}
	defer r.unlock()

	head, tail, signal := r.readHeader()
	if tail-head >= uint64(r.cap) {
		dropped := binary.LittleEndian.Uint64(r.data[offDropped:])
		binary.LittleEndian.PutUint64(r.data[offDropped:], dropped+1)
		return true, false, nil
	}
	putElement(r.slot(tail), e)
	binary.LittleEndian.PutUint64(r.data[offTail:], tail+1)

	if signal == 0 {
		binary.LittleEndian.PutUint32(r.data[offSignal:], 1)
		return false, true, nil
	}
	return false, false, nil
}

// PopAll drains every available element and clears the reader-signal flag.
func (r *Ring) PopAll() ([]Element, error) {
	if err := r.lock(); err != nil {
		return nil, err
	}
	defer r.unlock()

	head, tail, _ := r.readHeader()
	if head == tail {
		binary.LittleEndian.PutUint32(r.data[offSignal:], 0)
		return nil, nil
	}
	out := make([]Element, 0, tail-head)
	for i := head; i < tail; i++ {
		out = append(out, getElement(r.slot(i)))
	}
	binary.LittleEndian.PutUint64(r.data[offHead:], tail)
	binary.LittleEndian.PutUint32(r.data[offSignal:], 0)
	return out, nil
}

// Dropped returns the cf_queue_drops counter for this pair, exposed via the
// cache manager `info` action.
func (r *Ring) Dropped() (uint64, error) {
	if err := r.lock(); err != nil {
		return 0, err
	}
	defer r.unlock()
	return binary.LittleEndian.Uint64(r.data[offDropped:]), nil
}

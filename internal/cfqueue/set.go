package cfqueue

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// NotifyFunc sends the directed CollapsedForwardingNotification{from_kid} to
// consumerKid; the caller supplies this so cfqueue itself never depends on
// the IPC transport/message packages.
type NotifyFunc func(consumerKid int32, fromKid int32)

// Set owns every pairwise Ring this process touches, opening them
// lazily and keyed by (producer, consumer). A strand is a producer to
// every other strand and a consumer from every other strand, so a
// single process-wide Set covers all of a strand's CF traffic.
type Set struct {
	dir      string
	capacity int
	notify   NotifyFunc

	mu    sync.Mutex
	rings map[pairKey]*Ring
}

type pairKey struct {
	producer int32
	consumer int32
}

func NewSet(dir string, capacity int, notify NotifyFunc) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{dir: dir, capacity: capacity, notify: notify, rings: make(map[pairKey]*Ring)}
}

func (s *Set) String() string { return fmt.Sprintf("cfqueue.Set(%s)", s.dir) }

func (s *Set) ringFor(producer, consumer int32) (*Ring, error) {
	key := pairKey{producer, consumer}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[key]; ok {
		return r, nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("cfq-%d-%d.ring", producer, consumer))
	r, err := OpenRing(path, s.capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "cfqueue: open ring for (%d,%d)", producer, consumer)
	}
	s.rings[key] = r
	return r, nil
}

// Publish pushes entryRef onto every peer's queue from producerKid and fires
// NotifyFunc for each consumer whose reader-signal flag transitioned from
// clear to set.
func (s *Set) Publish(producerKid int32, peers []int32, entryRef uint64) error {
	var firstErr error
	for _, consumer := range peers {
		if consumer == producerKid {
			continue
		}
		r, err := s.ringFor(producerKid, consumer)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, shouldNotify, err := r.Push(Element{ProducerKid: producerKid, EntryRef: entryRef})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if shouldNotify && s.notify != nil {
			s.notify(consumer, producerKid)
		}
	}
	return firstErr
}

// Drain pops every available element from the queue producer→consumer,
// called by consumerKid upon receiving a CollapsedForwardingNotification
// naming producer as the sender.
func (s *Set) Drain(producer, consumer int32) ([]Element, error) {
	r, err := s.ringFor(producer, consumer)
	if err != nil {
		return nil, err
	}
	return r.PopAll()
}

// Dropped reports the cumulative drop count across every ring this Set
// has opened, for the `info` cache-manager action.
func (s *Set) Dropped() (uint64, error) {
	s.mu.Lock()
	rings := make([]*Ring, 0, len(s.rings))
	for _, r := range s.rings {
		rings = append(rings, r)
	}
	s.mu.Unlock()

	var total uint64
	for _, r := range rings {
		n, err := r.Dropped()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close unmaps every ring this Set opened.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, r := range s.rings {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

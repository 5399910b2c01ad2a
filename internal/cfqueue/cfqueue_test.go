package cfqueue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPopRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(filepath.Join(dir, "a.ring"), 4)
	require.NoError(t, err)
	defer r.Close()

	dropped, notify, err := r.Push(Element{ProducerKid: 1, EntryRef: 0xBEEF})
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.True(t, notify, "first push should request a notification")

	dropped, notify, err = r.Push(Element{ProducerKid: 1, EntryRef: 0xCAFE})
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.False(t, notify, "second push before a pop must not request another notification")

	elems, err := r.PopAll()
	require.NoError(t, err)
	require.Len(t, elems, 2)
	assert.Equal(t, uint64(0xBEEF), elems[0].EntryRef)
	assert.Equal(t, uint64(0xCAFE), elems[1].EntryRef)

	// after a pop, the signal flag is clear again, so a fresh push should
	// ask for another notification: at most one is in flight per
	// (producer, consumer) pair.
	_, notify, err = r.Push(Element{ProducerKid: 1, EntryRef: 1})
	require.NoError(t, err)
	assert.True(t, notify)
}

func TestRingDropsOnOverflow(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRing(filepath.Join(dir, "b.ring"), 2)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Push(Element{EntryRef: 1})
	require.NoError(t, err)
	_, _, err = r.Push(Element{EntryRef: 2})
	require.NoError(t, err)
	dropped, _, err := r.Push(Element{EntryRef: 3})
	require.NoError(t, err)
	assert.True(t, dropped)

	n, err := r.Dropped()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestRingReopenSharesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.ring")
	producer, err := OpenRing(path, 8)
	require.NoError(t, err)
	defer producer.Close()

	_, _, err = producer.Push(Element{ProducerKid: 5, EntryRef: 99})
	require.NoError(t, err)

	consumer, err := OpenRing(path, 8)
	require.NoError(t, err)
	defer consumer.Close()

	elems, err := consumer.PopAll()
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, int32(5), elems[0].ProducerKid)
	assert.Equal(t, uint64(99), elems[0].EntryRef)
}

func TestSetPublishNotifiesEachPeerOnce(t *testing.T) {
	dir := t.TempDir()
	notified := make(map[int32]int)
	s := NewSet(dir, 8, func(consumerKid, fromKid int32) {
		notified[consumerKid]++
	})
	defer s.Close()

	require.NoError(t, s.Publish(1, []int32{1, 2, 3}, 0xAAAA))
	assert.Equal(t, 1, notified[2])
	assert.Equal(t, 1, notified[3])
	_, ok := notified[1]
	assert.False(t, ok, "a producer never notifies itself")

	elems, err := s.Drain(1, 2)
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, uint64(0xAAAA), elems[0].EntryRef)
}

func TestSetDroppedAggregatesAcrossRings(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir, 1, func(int32, int32) {})
	defer s.Close()

	require.NoError(t, s.Publish(1, []int32{2}, 1))
	require.NoError(t, s.Publish(1, []int32{2}, 2)) // second push overflows capacity-1 ring

	n, err := s.Dropped()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

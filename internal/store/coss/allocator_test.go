package coss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorPacksSequentially(t *testing.T) {
	addressing, err := NewAddressing(512)
	require.NoError(t, err)
	alloc := NewAllocator(addressing, MembufSize*4)

	f1, mb1, collided1, err := alloc.Allocate(1024, nil)
	require.NoError(t, err)
	assert.False(t, collided1)
	f2, mb2, collided2, err := alloc.Allocate(1024, nil)
	require.NoError(t, err)
	assert.False(t, collided2)

	assert.Equal(t, mb1, mb2, "both allocations land in the same membuf")
	assert.Equal(t, addressing.Decode(f1)+1024, addressing.Decode(f2))
}

func TestAllocatorCrossesMembufBoundaryAndEvicts(t *testing.T) {
	addressing, err := NewAddressing(512)
	require.NoError(t, err)
	alloc := NewAllocator(addressing, MembufSize*4)

	// fill the first membuf to its edge.
	_, first, _, err := alloc.Allocate(MembufSize-512, nil)
	require.NoError(t, err)

	var evictedStart, evictedEnd int64
	evictCalled := false
	_, second, _, err := alloc.Allocate(1024, func(rangeStart, rangeEnd int64) bool {
		evictCalled = true
		evictedStart, evictedEnd = rangeStart, rangeEnd
		return false
	})
	require.NoError(t, err)

	assert.True(t, evictCalled)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int64(MembufSize), evictedStart)
	assert.Equal(t, int64(2*MembufSize), evictedEnd)
}

func TestAllocatorWrapsAtMaxSize(t *testing.T) {
	addressing, err := NewAddressing(512)
	require.NoError(t, err)
	maxSize := int64(MembufSize * 2)
	alloc := NewAllocator(addressing, maxSize)

	// first membuf.
	_, _, _, err = alloc.Allocate(MembufSize-512, nil)
	require.NoError(t, err)
	// crosses into the second (and last) membuf.
	_, _, _, err = alloc.Allocate(1024, nil)
	require.NoError(t, err)

	// filling the second membuf to its edge and allocating again must
	// wrap the cursor back to offset 0 rather than exceed maxSize.
	_, _, _, err = alloc.Allocate(MembufSize-1024, nil)
	require.NoError(t, err)

	var wrapped bool
	_, _, _, err = alloc.Allocate(512, func(rangeStart, rangeEnd int64) bool {
		wrapped = rangeStart == 0
		return false
	})
	require.NoError(t, err)
	assert.True(t, wrapped)
	assert.Equal(t, int64(512), alloc.CurrentOffset())
}

func TestAllocatorReportsCollisionWithCurFileN(t *testing.T) {
	addressing, err := NewAddressing(512)
	require.NoError(t, err)
	alloc := NewAllocator(addressing, MembufSize*4)

	_, _, _, err = alloc.Allocate(MembufSize-512, nil)
	require.NoError(t, err)

	_, _, collision, err := alloc.Allocate(1024, func(rangeStart, rangeEnd int64) bool {
		// simulate the entry being (re)allocated already owning a slot
		// inside the range about to be reused.
		return true
	})
	require.NoError(t, err)
	assert.True(t, collision)
}

func TestAllocatorRejectsOversizeObject(t *testing.T) {
	addressing, err := NewAddressing(512)
	require.NoError(t, err)
	alloc := NewAllocator(addressing, MembufSize*4)
	_, _, _, err = alloc.Allocate(MembufSize+1, nil)
	assert.Error(t, err)
}

package diskio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolClasses(t *testing.T) {
	bp := NewBufferPool()
	b := bp.Get(100)
	assert.Len(t, b, 100)
	assert.Equal(t, 128, cap(b))

	stats := bp.Stats()
	inUse, inPool, alloced := stats[128][0], stats[128][1], stats[128][2]
	assert.Equal(t, 1, inUse)
	assert.Equal(t, 0, inPool)
	assert.Equal(t, 1, alloced)

	bp.Put(b)
	stats = bp.Stats()
	assert.Equal(t, 0, stats[128][0])
	assert.Equal(t, 1, stats[128][1])
}

func TestBufferPoolOversize(t *testing.T) {
	bp := NewBufferPool()
	b := bp.Get(1 << 20)
	assert.Len(t, b, 1<<20)
	// oversize buffers aren't pooled; Put is a harmless no-op.
	bp.Put(b)
	for _, sz := range bucketSizes {
		stats := bp.Stats()
		assert.Equal(t, 0, stats[sz][0])
	}
}

func TestBufferPoolReuse(t *testing.T) {
	bp := NewBufferPool()
	a := bp.Get(10)
	bp.Put(a)
	c := bp.Get(10)
	assert.Equal(t, cap(a), cap(c))
	stats := bp.Stats()
	assert.Equal(t, 1, stats[128][2]) // only one real allocation happened
}

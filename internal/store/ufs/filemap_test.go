package ufs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileMapAllocateAdvancesSuggest(t *testing.T) {
	m := NewFileMap()
	a := m.Allocate()
	b := m.Allocate()
	assert.Equal(t, int64(0), a)
	assert.Equal(t, int64(1), b)
	assert.True(t, m.Test(0))
	assert.True(t, m.Test(1))
	assert.Equal(t, int64(2), m.Count())
}

func TestFileMapResetOnlyClearsIfSet(t *testing.T) {
	m := NewFileMap()
	m.Reset(5) // never set; must be a no-op, not a negative count
	assert.Equal(t, int64(0), m.Count())

	n := m.Allocate()
	m.Reset(n)
	assert.False(t, m.Test(n))
	assert.Equal(t, int64(0), m.Count())

	// reset again is still a no-op
	m.Reset(n)
	assert.Equal(t, int64(0), m.Count())
}

func TestFileMapReallocatesFreedSlot(t *testing.T) {
	m := NewFileMap()
	a := m.Allocate()
	m.Reset(a)
	b := m.Allocate()
	assert.Equal(t, a, b, "freeing the lowest slot should make Allocate reuse it")
}

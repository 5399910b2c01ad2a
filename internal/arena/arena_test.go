package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaPutGet(t *testing.T) {
	a := New()
	h := a.Put("payload")
	assert.True(t, h.Valid())

	v, ok := a.Get(h)
	assert.True(t, ok)
	assert.Equal(t, "payload", v)
	assert.Equal(t, 1, a.Len())
}

func TestArenaStaleHandleAfterRelease(t *testing.T) {
	a := New()
	h := a.Put("first")
	a.Release(h)

	_, ok := a.Get(h)
	assert.False(t, ok, "released handle must not dereference")
	assert.Equal(t, 0, a.Len())

	// the freed slot is reused, but under a new generation: the old
	// handle stays dead even though the index is live again.
	h2 := a.Put("second")
	_, ok = a.Get(h)
	assert.False(t, ok)
	v, ok := a.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestArenaReleaseIsIdempotent(t *testing.T) {
	a := New()
	h := a.Put("once")
	a.Release(h)
	a.Release(h) // no-op

	h2 := a.Put("again")
	a.Release(h) // stale: must not free h2's slot
	_, ok := a.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, 1, a.Len())
}

func TestArenaZeroHandleInvalid(t *testing.T) {
	a := New()
	var h Handle
	assert.False(t, h.Valid())
	_, ok := a.Get(h)
	assert.False(t, ok)
}

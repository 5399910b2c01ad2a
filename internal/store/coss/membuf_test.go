package coss

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMembufContainsAndRange(t *testing.T) {
	m := newMembuf(MembufSize)
	start, end := m.Range()
	assert.Equal(t, int64(MembufSize), start)
	assert.Equal(t, int64(2*MembufSize), end)
	assert.True(t, m.Contains(MembufSize))
	assert.False(t, m.Contains(0))
	assert.False(t, m.Contains(2*MembufSize))
}

func TestMembufWriteReadRoundTrip(t *testing.T) {
	m := newMembuf(0)
	payload := []byte("hello coss")
	m.WriteAt(payload, 512)

	out := make([]byte, len(payload))
	m.ReadAt(out, 512)
	assert.Equal(t, payload, out)
}

func TestMembufReadyToWriteOutLifecycle(t *testing.T) {
	m := newMembuf(0)
	assert.False(t, m.ReadyToWriteOut())

	m.MarkFull()
	assert.True(t, m.ReadyToWriteOut())

	m.Pin()
	assert.False(t, m.ReadyToWriteOut())
	m.Unpin()
	assert.True(t, m.ReadyToWriteOut())

	m.SetWriting(true)
	assert.False(t, m.ReadyToWriteOut())
	m.SetWriting(false)
	assert.True(t, m.ReadyToWriteOut())
}

func TestMembufUnpinFloorsAtZero(t *testing.T) {
	m := newMembuf(0)
	assert.Equal(t, int32(0), m.Unpin())
}

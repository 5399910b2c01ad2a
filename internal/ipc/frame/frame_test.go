package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typePing Type = 1
	typePong Type = 2
)

func TestSetTypeOnceThenMismatch(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	assert.Error(t, f.SetType(typePong), "a second SetType must fail")
	assert.NoError(t, f.CheckType(typePing))
	assert.Error(t, f.CheckType(typePong))
}

func TestPODRoundTrip(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	require.NoError(t, PutPOD[uint8](f, 7))
	require.NoError(t, PutPOD[int32](f, -42))
	require.NoError(t, PutPOD[uint64](f, 1<<40))

	raw := f.Bytes()
	r, err := NewReader(raw)
	require.NoError(t, err)
	require.NoError(t, r.CheckType(typePing))

	v8, err := GetPOD[uint8](r)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), v8)

	v32, err := GetPOD[int32](r)
	require.NoError(t, err)
	assert.Equal(t, int32(-42), v32)

	v64, err := GetPOD[uint64](r)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v64)
}

// Op is a named uint8 type, the case a literal type switch on the
// concrete dynamic type would fail to dispatch correctly.
type Op uint8

func TestPODRoundTripNamedType(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	require.NoError(t, PutPOD[Op](f, Op(3)))

	raw := f.Bytes()
	r, err := NewReader(raw)
	require.NoError(t, err)
	require.NoError(t, r.CheckType(typePing))

	got, err := GetPOD[Op](r)
	require.NoError(t, err)
	assert.Equal(t, Op(3), got)
	// a 1-byte field must not have been mistakenly encoded as 8 bytes
	assert.False(t, r.HasMoreData())
}

func TestStringRoundTrip(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	require.NoError(t, f.PutString("hello cache"))

	r, err := NewReader(f.Bytes())
	require.NoError(t, err)
	require.NoError(t, r.CheckType(typePing))

	s, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello cache", s)
}

func TestFixedRoundTrip(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, f.PutFixed(payload))

	r, err := NewReader(f.Bytes())
	require.NoError(t, err)
	require.NoError(t, r.CheckType(typePing))

	got, err := r.GetFixed(len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.False(t, r.HasMoreData())
}

func TestFDSingleDescriptorOnly(t *testing.T) {
	f := New()
	assert.False(t, f.HasFD())
	require.NoError(t, f.PutFD(3))
	assert.True(t, f.HasFD())
	assert.Error(t, f.PutFD(4), "at most one fd per frame")

	fd, ok := f.GetFD()
	assert.True(t, ok)
	assert.Equal(t, 3, fd)
}

func TestGetBeforeSetTypeFails(t *testing.T) {
	f := New()
	assert.Error(t, f.CheckType(typePing))
}

func TestTruncatedFrameErrors(t *testing.T) {
	_, err := NewReader([]byte{0, 0})
	assert.Error(t, err)

	f := New()
	require.NoError(t, f.SetType(typePing))
	require.NoError(t, PutPOD[uint32](f, 99))
	raw := f.Bytes()

	r, err := NewReader(raw[:len(raw)-2])
	require.NoError(t, err)
	require.NoError(t, r.CheckType(typePing))
	_, err = GetPOD[uint32](r)
	assert.Error(t, err)
}

func TestOverflowRejected(t *testing.T) {
	f := New()
	require.NoError(t, f.SetType(typePing))
	big := make([]byte, MaxSize)
	assert.Error(t, f.PutFixed(big))
}

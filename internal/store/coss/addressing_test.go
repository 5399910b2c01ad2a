package coss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressingRejectsNonPowerOfTwoBlockSize(t *testing.T) {
	_, err := NewAddressing(300)
	require.Error(t, err)
}

func TestAddressingRejectsOversizeBlockSize(t *testing.T) {
	_, err := NewAddressing(16384)
	require.Error(t, err)
}

func TestAddressingEncodeDecodeRoundTrip(t *testing.T) {
	a, err := NewAddressing(512)
	require.NoError(t, err)

	n, err := a.Encode(512 * 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(512*7), a.Decode(n))
}

func TestAddressingEncodeRejectsMisalignedOffset(t *testing.T) {
	a, err := NewAddressing(512)
	require.NoError(t, err)
	_, err = a.Encode(513)
	assert.Error(t, err)
}

func TestAddressingEncodeRejectsOutOfRange(t *testing.T) {
	a, err := NewAddressing(512)
	require.NoError(t, err)
	tooFar := (int64(1) << 25) * 512
	_, err = a.Encode(tooFar)
	assert.Error(t, err)
}

func TestAddressingMaxSizeGrowsWithBlockSize(t *testing.T) {
	small, err := NewAddressing(512)
	require.NoError(t, err)
	large, err := NewAddressing(4096)
	require.NoError(t, err)
	assert.Less(t, small.MaxSize(), large.MaxSize())
}

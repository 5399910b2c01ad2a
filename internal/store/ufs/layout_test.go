package ufs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutDefaultsApplied(t *testing.T) {
	l := NewLayout("/cache", 0, 0)
	assert.Equal(t, DefaultL1, l.L1)
	assert.Equal(t, DefaultL2, l.L2)
}

func TestLayoutPathIsStableAndFitsFanout(t *testing.T) {
	l := NewLayout("/cache", 2, 4)
	p := l.Path(0)
	assert.Equal(t, "/cache/00/00/00000000", p)

	// fileN=9 with L2=4: inner=(9/4)%4=2, outer=(9/4/4)%2=0
	p2 := l.Path(9)
	assert.Equal(t, "/cache/00/02/00000009", p2)
}

func TestLayoutDirsCoversFullFanout(t *testing.T) {
	l := NewLayout("/cache", 2, 4)
	dirs := l.Dirs()
	assert.Len(t, dirs, 8)
}

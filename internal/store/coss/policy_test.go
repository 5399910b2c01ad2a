package coss

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/squidcore/storecore/internal/store"
)

func pkey(b byte) store.CacheKey {
	var k store.CacheKey
	k[0] = b
	return k
}

func TestPolicyTouchAndCandidatesOrder(t *testing.T) {
	p := newPolicy()
	p.Touch(pkey(1), 0, 100)
	p.Touch(pkey(2), 1024, 100)
	p.Touch(pkey(3), 2048, 100)

	// candidates are returned least-recently-touched first.
	assert.Equal(t, []store.CacheKey{pkey(1), pkey(2)}, p.Candidates(2))
}

func TestPolicyTouchPromotesExisting(t *testing.T) {
	p := newPolicy()
	p.Touch(pkey(1), 0, 100)
	p.Touch(pkey(2), 1024, 100)
	p.Touch(pkey(1), 0, 100)

	assert.Equal(t, []store.CacheKey{pkey(2)}, p.Candidates(1))
	assert.Equal(t, 2, p.Len())
}

func TestPolicyRemove(t *testing.T) {
	p := newPolicy()
	p.Touch(pkey(1), 0, 100)
	p.Remove(pkey(1))
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Candidates(5))
}

func TestPolicyEntriesInRange(t *testing.T) {
	p := newPolicy()
	p.Touch(pkey(1), 0, 100)
	p.Touch(pkey(2), 1<<20, 100)
	p.Touch(pkey(3), 2*(1<<20), 100)

	got := p.EntriesInRange(1<<20, 2*(1<<20))
	assert.Equal(t, []store.CacheKey{pkey(2)}, got)
}

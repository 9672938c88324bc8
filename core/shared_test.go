package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMakeOptimisticAndRelease(t *testing.T) {
	sp := newTestServiceProxy(t)
	proxy, err := sp.GetOrCreateObjectProxy(700, DoNothing)
	require.NoError(t, err)

	shared := NewShared(proxy)
	assert.False(t, shared.IsNull())

	opt, err := shared.MakeOptimistic()
	require.NoError(t, err)
	assert.False(t, opt.IsNull())
	assert.Equal(t, uint64(1), proxy.OptimisticCount())

	require.NoError(t, opt.Release())
	assert.Equal(t, uint64(0), proxy.OptimisticCount())

	// A second Release on the same handle must be a safe no-op, since Go
	// gives no destructor to stop a caller from calling it twice.
	require.NoError(t, opt.Release())
}

func TestSharedReleaseIsIdempotent(t *testing.T) {
	sp := newTestServiceProxy(t)
	proxy, err := sp.GetOrCreateObjectProxy(701, DoNothing)
	require.NoError(t, err)

	shared := NewShared(proxy)
	_ = shared.Release()
	err = shared.Release()
	assert.NoError(t, err, "releasing an already-released Shared handle must be a no-op, not an error")
}

func TestNullSharedReleaseIsNoOp(t *testing.T) {
	var s Shared
	assert.True(t, s.IsNull())
	assert.NoError(t, s.Release())
}

package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServiceProxy(t *testing.T) *ServiceProxy {
	t.Helper()
	svc := NewService(1, NopLogger())
	return NewServiceProxy(svc, 2, nil, NopLogger())
}

// TestObjectProxyUniqueness verifies that a second GetOrCreateObjectProxy
// call for the same object returns the same instance rather than creating a
// duplicate. DoNothing sends no remote add_ref, but each call still counts
// one more local shared handle on the proxy.
func TestObjectProxyUniqueness(t *testing.T) {
	sp := newTestServiceProxy(t)

	first, err := sp.GetOrCreateObjectProxy(500, DoNothing)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.SharedCount())

	second, err := sp.GetOrCreateObjectProxy(500, DoNothing)
	require.NoError(t, err)
	assert.Same(t, first, second, "the same object must always resolve to the same proxy instance")
	assert.Equal(t, uint64(2), second.SharedCount())
}

func TestObjectProxyReleaseUnderflowIsReferenceCountError(t *testing.T) {
	sp := newTestServiceProxy(t)
	proxy, err := sp.GetOrCreateObjectProxy(501, DoNothing)
	require.NoError(t, err)

	err = proxy.release(ReleaseOptimistic)
	require.Error(t, err)
	assert.Equal(t, ErrCodeReferenceCountError, CodeOf(err))
}

// TestObjectProxyLastDropRemovesFromTable verifies that once both shared and
// optimistic counts reach zero the proxy is erased from its service_proxy's
// table, so a subsequent lookup creates a fresh instance.
func TestObjectProxyLastDropRemovesFromTable(t *testing.T) {
	sp := newTestServiceProxy(t)
	proxy, err := sp.GetOrCreateObjectProxy(502, DoNothing)
	require.NoError(t, err)

	sp.mu.Lock()
	_, stillThere := sp.objectProxies[502]
	sp.mu.Unlock()
	assert.True(t, stillThere)

	err = proxy.release(ReleaseNormal)
	require.Error(t, err, "release fails because no transport is bound to carry the remote release")

	sp.mu.Lock()
	_, stillThere = sp.objectProxies[502]
	sp.mu.Unlock()
	assert.False(t, stillThere, "last-drop algorithm must erase the entry even when the remote release fails")
}

func TestObjectProxyMakeOptimisticRequiresSharedHandle(t *testing.T) {
	sp := newTestServiceProxy(t)
	proxy, err := sp.GetOrCreateObjectProxy(503, DoNothing)
	require.NoError(t, err)
	require.Error(t, proxy.release(ReleaseNormal), "release fails because no transport is bound to carry the remote release")

	err = proxy.addRefOptimisticLocal()
	require.Error(t, err)
	assert.Equal(t, ErrCodeReferenceCountError, CodeOf(err))
}

package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopInterfaceStub struct{}

func (noopInterfaceStub) InterfaceID() InterfaceOrdinal { return 1 }
func (noopInterfaceStub) Call(ProtocolVersion, Encoding, CallerZone, Method, []byte) ([]byte, error) {
	return nil, nil
}
func (noopInterfaceStub) Cast(InterfaceOrdinal) (InterfaceStub, bool) { return nil, false }

func newTestStub(t *testing.T) (*Service, *ObjectStub) {
	t.Helper()
	svc := NewService(1, NopLogger())
	stub := NewObjectStub(svc, 100, noopInterfaceStub{}, NopLogger())
	svc.stubs[stub.Object()] = stub
	return svc, stub
}

// TestStubAddRefReleaseBalance verifies that for one caller_zone, every
// add_ref is matched by a release, and the running total tracks the
// difference exactly.
func TestStubAddRefReleaseBalance(t *testing.T) {
	_, stub := newTestStub(t)

	total, err := stub.AddRef(false, false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)

	total, err = stub.AddRef(false, false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	total, err = stub.Release(false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)

	assert.True(t, stub.HasReferencesFromZone(7))

	total, err = stub.Release(false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), total)
	assert.False(t, stub.HasReferencesFromZone(7))
}

// TestStubLifeInvariant verifies that shared_count > 0 iff the stub is
// present in its owning service's table.
func TestStubLifeInvariant(t *testing.T) {
	svc, stub := newTestStub(t)

	_, err := stub.AddRef(false, false, 7)
	require.NoError(t, err)
	_, ok := svc.lookupStub(stub.Object())
	assert.True(t, ok)

	_, err = stub.Release(false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stub.SharedCount())

	_, ok = svc.lookupStub(stub.Object())
	assert.False(t, ok, "stub must be removed from the service once shared_count reaches zero")
}

func TestStubReleaseWithoutAddRefIsReferenceCountError(t *testing.T) {
	_, stub := newTestStub(t)

	_, err := stub.Release(false, 42)
	require.Error(t, err)
	assert.Equal(t, ErrCodeReferenceCountError, CodeOf(err))
}

func TestStubOptimisticReleaseViaObjectReleased(t *testing.T) {
	_, stub := newTestStub(t)

	_, err := stub.AddRef(true, false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stub.OptimisticCount())

	stub.ReleaseOptimisticFromZone(7)
	assert.Equal(t, uint64(0), stub.OptimisticCount())
}

// TestStubObjectReleasedNeverTouchesSharedCount guards against an
// object_released notification tearing down a stub a caller still holds a
// shared reference to: it only ever accounts for one pre-released
// optimistic handle.
func TestStubObjectReleasedNeverTouchesSharedCount(t *testing.T) {
	svc, stub := newTestStub(t)

	_, err := stub.AddRef(false, false, 7)
	require.NoError(t, err)
	_, err = stub.AddRef(true, false, 7)
	require.NoError(t, err)

	stub.ReleaseOptimisticFromZone(7)
	assert.Equal(t, uint64(1), stub.SharedCount(), "shared count must be untouched by object_released")
	assert.Equal(t, uint64(0), stub.OptimisticCount())

	_, ok := svc.lookupStub(stub.Object())
	assert.True(t, ok, "stub must still be registered while a shared reference remains")
}

// TestStubObjectReleasedClampsAtZero verifies a stray or duplicate
// object_released for a caller with no outstanding optimistic ref is a
// silent no-op rather than a reference-count error.
func TestStubObjectReleasedClampsAtZero(t *testing.T) {
	_, stub := newTestStub(t)
	assert.NotPanics(t, func() { stub.ReleaseOptimisticFromZone(7) })
	assert.Equal(t, uint64(0), stub.OptimisticCount())
}

func TestStubInvalidInterface(t *testing.T) {
	_, stub := newTestStub(t)
	_, err := stub.Call(CurrentProtocolVersion, EncodingYASJSON, 1, 99, 1, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidInterfaceID, CodeOf(err))
}

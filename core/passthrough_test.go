package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// disconnectedTransport builds a Transport with no live wire, pre-marked
// DISCONNECTED so any call through it fails fast without touching the wire
// (roundTrip checks status before ever dereferencing it) -- enough to drive
// a PassThrough's bookkeeping without a real socket.
func disconnectedTransport(zoneID, adjacentID Zone, svc *Service) *Transport {
	tr := NewTransport(nil, zoneID, adjacentID, svc, NopLogger())
	tr.Disconnect()
	return tr
}

func newTestPassThrough() (*Service, *PassThrough) {
	svc := NewService(2, NopLogger())
	forward := disconnectedTransport(2, 1, svc)
	reverse := disconnectedTransport(2, 3, svc)
	pt := newPassThrough(svc, forward, reverse, 1, 3, NopLogger())
	return svc, pt
}

// TestPassThroughPureTransitLeavesCountsUntouched verifies that when both
// build_caller_route and build_destination_route are set and destination
// equals caller, this hop is a pure transit for an out-parameter
// back-pointer and does not book any stake of its own in the target.
func TestPassThroughPureTransitLeavesCountsUntouched(t *testing.T) {
	_, pt := newTestPassThrough()
	pt.forwardDestination = 5
	pt.reverseDestination = 5

	_, err := pt.AddRef(CurrentProtocolVersion, 5, 900, CallerZone(5), 0, AddRefBuildCallerRoute|AddRefBuildDestinationRoute)
	require.Error(t, err, "the forward leg's transport is disconnected for this unit test")
	assert.Equal(t, ErrCodeTransportError, CodeOf(err))
	assert.Equal(t, uint64(0), pt.SharedCount())
	assert.Equal(t, uint64(0), pt.optimisticCount)
}

func TestPassThroughSelfDestructsWhenCountsReachZero(t *testing.T) {
	_, pt := newTestPassThrough()
	pt.mu.Lock()
	pt.sharedCount = 1
	pt.mu.Unlock()

	assert.False(t, pt.shouldSelfDestructLocked())

	pt.mu.Lock()
	pt.sharedCount = 0
	pt.mu.Unlock()
	assert.True(t, pt.shouldSelfDestructLocked())
}

// TestPassThroughReleaseQueuesWhileCallInFlight verifies that a release
// arriving while a call is in flight through the gate is coalesced into the
// pending queue rather than forwarded immediately, so it cannot overtake a
// concurrent add_ref travelling the same path.
func TestPassThroughReleaseQueuesWhileCallInFlight(t *testing.T) {
	_, pt := newTestPassThrough()
	pt.mu.Lock()
	pt.sharedCount = 1
	pt.mu.Unlock()

	pt.enterCall()
	count, err := pt.Release(CurrentProtocolVersion, pt.forwardDestination, 900, CallerZone(pt.reverseDestination), ReleaseNormal)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	pt.mu.Lock()
	pending := len(pt.pending)
	pt.mu.Unlock()
	assert.Equal(t, 1, pending, "release must queue rather than forward while a call is in flight")

	pt.exitCall()
}

func TestPassThroughTransportDownSelfDestructsImmediatelyWhenIdle(t *testing.T) {
	_, pt := newTestPassThrough()
	assert.Equal(t, PassThroughConnected, pt.Status())

	pt.TransportDown(CurrentProtocolVersion, pt.forwardDestination, CallerZone(pt.reverseDestination))
	assert.Equal(t, PassThroughDisconnected, pt.Status())
}

package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNegotiateRetriesDownwardAndPersists verifies that negotiate retries at
// progressively older versions on INVALID_VERSION, and persists the first
// version that is accepted so later calls start from it instead of
// renegotiating from CurrentProtocolVersion every time.
func TestNegotiateRetriesDownwardAndPersists(t *testing.T) {
	sp := newTestServiceProxy(t)
	require.Equal(t, CurrentProtocolVersion, sp.Version())

	var attempts []ProtocolVersion
	acceptAt := CurrentProtocolVersion - 1

	result, err := negotiate(sp, func(v ProtocolVersion) (string, error) {
		attempts = append(attempts, v)
		if v != acceptAt {
			return "", NewCallError(ErrCodeInvalidVersion, "peer wants %v", acceptAt)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []ProtocolVersion{CurrentProtocolVersion, acceptAt}, attempts)
	assert.Equal(t, acceptAt, sp.Version(), "the accepted version must be persisted on the proxy")

	attempts = nil
	_, err = negotiate(sp, func(v ProtocolVersion) (string, error) {
		attempts = append(attempts, v)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []ProtocolVersion{acceptAt}, attempts, "negotiation must resume from the persisted version, not restart from the top")
}

// TestNegotiateExhaustsDownToIncompatible verifies that when every version
// down to the floor is rejected, negotiate gives up with
// ErrCodeIncompatibleService rather than looping forever.
func TestNegotiateExhaustsDownToIncompatible(t *testing.T) {
	sp := newTestServiceProxy(t)

	var attempts int
	_, err := negotiate(sp, func(v ProtocolVersion) (int, error) {
		attempts++
		return 0, NewCallError(ErrCodeInvalidVersion, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, ErrCodeIncompatibleService, CodeOf(err))
	assert.Equal(t, int(CurrentProtocolVersion-LowestSupportedVersion+1), attempts)
}

func TestServiceProxyTransportlessCallsFail(t *testing.T) {
	sp := newTestServiceProxy(t)
	_, err := sp.SendFromThisZone(1, 100, 1, 1, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeZoneNotFound, CodeOf(err))
}

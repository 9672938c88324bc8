package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addStub struct{}

const (
	addInterfaceID InterfaceOrdinal = 1
	addMethod      Method           = 1
)

func (addStub) InterfaceID() InterfaceOrdinal { return addInterfaceID }

func (addStub) Call(version ProtocolVersion, enc Encoding, caller CallerZone, method Method, inBytes []byte) ([]byte, error) {
	if method != addMethod {
		return nil, NewCallError(ErrCodeInvalidData, "no such method")
	}
	var args struct{ A, B int }
	if err := Unmarshal(enc, inBytes, &args); err != nil {
		return nil, err
	}
	return Marshal(enc, struct{ Result int }{args.A + args.B})
}

func (addStub) Cast(InterfaceOrdinal) (InterfaceStub, bool) { return nil, false }

// TestServiceLocalArithmetic drives a bound object entirely within one zone,
// the simplest possible end-to-end path through Send: no transport, no
// wire, just Bind followed by a local dispatch.
func TestServiceLocalArithmetic(t *testing.T) {
	svc := NewService(1, NopLogger())
	svc.RegisterStubFactory("adder", func(interface{}) InterfaceStub { return addStub{} })
	stub, err := svc.Bind("adder", struct{}{})
	require.NoError(t, err)

	in, err := Marshal(EncodingYASJSON, struct{ A, B int }{3, 4})
	require.NoError(t, err)

	out, err := svc.Send(CurrentProtocolVersion, EncodingYASJSON, 0, DestinationZone(svc.Zone()), stub.Object(), addInterfaceID, addMethod, in)
	require.NoError(t, err)

	var result struct{ Result int }
	require.NoError(t, Unmarshal(EncodingYASJSON, out, &result))
	assert.Equal(t, 7, result.Result)
}

func TestServiceBindIsIdempotentPerImplIdentity(t *testing.T) {
	svc := NewService(1, NopLogger())
	svc.RegisterStubFactory("adder", func(interface{}) InterfaceStub { return addStub{} })

	impl := &struct{}{}
	first, err := svc.Bind("adder", impl)
	require.NoError(t, err)
	second, err := svc.Bind("adder", impl)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestServiceSendToUnknownObjectIsObjectNotFound(t *testing.T) {
	svc := NewService(1, NopLogger())
	_, err := svc.Send(CurrentProtocolVersion, EncodingYASJSON, 0, DestinationZone(svc.Zone()), 9999, addInterfaceID, addMethod, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeObjectNotFound, CodeOf(err))
}

func TestServiceSendToUnknownZoneIsZoneNotFound(t *testing.T) {
	svc := NewService(1, NopLogger())
	_, err := svc.Send(CurrentProtocolVersion, EncodingYASJSON, 0, 42, 1, addInterfaceID, addMethod, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeZoneNotFound, CodeOf(err))
}

// TestServiceTransportDownReleasesStubReferences verifies that TransportDown
// unwinds every reference a now-silent caller zone held, rather than leaving
// the stub pinned forever by a zone that can no longer send a release.
func TestServiceTransportDownReleasesStubReferences(t *testing.T) {
	svc := NewService(1, NopLogger())
	svc.RegisterStubFactory("adder", func(interface{}) InterfaceStub { return addStub{} })
	stub, err := svc.Bind("adder", struct{}{})
	require.NoError(t, err)

	_, err = stub.AddRef(false, false, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stub.SharedCount())

	svc.TransportDown(CurrentProtocolVersion, DestinationZone(7), 7)
	assert.Equal(t, uint64(0), stub.SharedCount())

	_, ok := svc.lookupStub(stub.Object())
	assert.False(t, ok)
}

package chantransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopy "github.com/edwardbr/canopy/core"
)

const (
	echoInterfaceID canopy.InterfaceOrdinal = 1
	echoMethod      canopy.Method           = 1
)

type echoStub struct{}

func (echoStub) InterfaceID() canopy.InterfaceOrdinal { return echoInterfaceID }

func (echoStub) Call(version canopy.ProtocolVersion, enc canopy.Encoding, caller canopy.CallerZone, method canopy.Method, inBytes []byte) ([]byte, error) {
	if method != echoMethod {
		return nil, canopy.NewCallError(canopy.ErrCodeInvalidData, "echo has no method %v", method)
	}
	return inBytes, nil
}

func (echoStub) Cast(canopy.InterfaceOrdinal) (canopy.InterfaceStub, bool) { return nil, false }

// TestTwoZoneEcho exercises a call crossing one wire edge end to end: zone A
// binds an object, and zone B sends a call to it straight through B's
// transport (no service_proxy or object_proxy is involved), so the call is
// driven entirely through the transport's request/reply multiplexer.
func TestTwoZoneEcho(t *testing.T) {
	logger := canopy.NopLogger()
	zoneA, zoneB := canopy.Zone(1), canopy.Zone(2)

	svcA := canopy.NewService(zoneA, logger)
	svcA.RegisterStubFactory("echo", func(interface{}) canopy.InterfaceStub { return echoStub{} })
	stub, err := svcA.Bind("echo", struct{}{})
	require.NoError(t, err)

	connA, connB, err := NewPair()
	require.NoError(t, err)

	svcB := canopy.NewService(zoneB, logger)
	transportAtoB := canopy.NewTransport(connA, zoneA, zoneB, svcA, logger)
	transportBtoA := canopy.NewTransport(connB, zoneB, zoneA, svcB, logger)
	connA.Bind(transportAtoB)
	connB.Bind(transportBtoA)
	svcA.AddTransport(transportAtoB)
	svcB.AddTransport(transportBtoA)
	transportAtoB.MarkConnected()
	transportBtoA.MarkConnected()

	in, err := canopy.Marshal(canopy.EncodingYASJSON, struct{ Msg string }{"hello"})
	require.NoError(t, err)

	out, err := transportBtoA.Send(canopy.CurrentProtocolVersion, canopy.EncodingYASJSON, canopy.CallerZone(zoneB), canopy.DestinationZone(zoneA), stub.Object(), echoInterfaceID, echoMethod, in)
	require.NoError(t, err)

	var reply struct{ Msg string }
	require.NoError(t, canopy.Unmarshal(canopy.EncodingYASJSON, out, &reply))
	assert.Equal(t, "hello", reply.Msg)
}

// TestThreeZoneHopThroughPassThrough wires zone C -> zone B -> zone A, with
// zone B acting purely as a transit hop for a call destined for an object it
// does not own: B has a direct edge to both A and C, so its own transport
// table already resolves the route, and its service builds a pass_through
// to bridge the two edges instead of dispatching locally.
func TestThreeZoneHopThroughPassThrough(t *testing.T) {
	logger := canopy.NopLogger()
	zoneA, zoneB, zoneC := canopy.Zone(1), canopy.Zone(2), canopy.Zone(3)

	svcA := canopy.NewService(zoneA, logger)
	svcA.RegisterStubFactory("echo", func(interface{}) canopy.InterfaceStub { return echoStub{} })
	stub, err := svcA.Bind("echo", struct{}{})
	require.NoError(t, err)

	connAB1, connAB2, err := NewPair()
	require.NoError(t, err)
	svcB := canopy.NewService(zoneB, logger)
	transportAtoB := canopy.NewTransport(connAB1, zoneA, zoneB, svcA, logger)
	transportBtoA := canopy.NewTransport(connAB2, zoneB, zoneA, svcB, logger)
	connAB1.Bind(transportAtoB)
	connAB2.Bind(transportBtoA)
	svcA.AddTransport(transportAtoB)
	svcB.AddTransport(transportBtoA)
	transportAtoB.MarkConnected()
	transportBtoA.MarkConnected()

	connBC1, connBC2, err := NewPair()
	require.NoError(t, err)
	svcC := canopy.NewService(zoneC, logger)
	transportBtoC := canopy.NewTransport(connBC1, zoneB, zoneC, svcB, logger)
	transportCtoB := canopy.NewTransport(connBC2, zoneC, zoneB, svcC, logger)
	connBC1.Bind(transportBtoC)
	connBC2.Bind(transportCtoB)
	svcB.AddTransport(transportBtoC)
	svcC.AddTransport(transportCtoB)
	transportBtoC.MarkConnected()
	transportCtoB.MarkConnected()

	in, err := canopy.Marshal(canopy.EncodingYASJSON, struct{ Msg string }{"relay"})
	require.NoError(t, err)

	out, err := transportCtoB.Send(canopy.CurrentProtocolVersion, canopy.EncodingYASJSON, canopy.CallerZone(zoneC), canopy.DestinationZone(zoneA), stub.Object(), echoInterfaceID, echoMethod, in)
	require.NoError(t, err)

	var reply struct{ Msg string }
	require.NoError(t, canopy.Unmarshal(canopy.EncodingYASJSON, out, &reply))
	assert.Equal(t, "relay", reply.Msg)
}

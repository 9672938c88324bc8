// Package canopy implements the Canopy distributed-object lifecycle and
// routing core: the zone/service registry, the proxy/stub pair, the
// pass-through multi-hop router, the distributed reference counters, and the
// transport abstraction and wire envelope that let an object reference cross
// a zone boundary and be invoked as if it were local.
package canopy

import "fmt"

// Zone identifies a local registry (a Service) uniquely within a federation
// for the lifetime of the connection. The zero value means "absent/null".
type Zone uint64

// DestinationZone is the zone a call is ultimately destined for.
type DestinationZone uint64

// CallerZone is the zone that originated a call, as observed at the current hop.
type CallerZone uint64

// KnownDirectionZone is the next hop along the return path. Zero means unknown.
type KnownDirectionZone uint64

// Object identifies a stub within its owning zone.
type Object uint64

// InterfaceOrdinal is the ordinal of an interface contract at a given protocol version.
type InterfaceOrdinal uint64

// Method is the ordinal of a method within an interface.
type Method uint64

// ObjectDummy is used for zone-level calls that aren't bound to a specific
// object (e.g. the child-zone bootstrap handshake itself). It is the max
// uint64 value rather than 0, since 0 already means "no object" / null descriptor.
const ObjectDummy Object = ^Object(0)

func (z Zone) String() string            { return fmt.Sprintf("zone#%d", uint64(z)) }
func (z DestinationZone) String() string { return fmt.Sprintf("dest#%d", uint64(z)) }
func (z CallerZone) String() string      { return fmt.Sprintf("caller#%d", uint64(z)) }
func (o Object) String() string          { return fmt.Sprintf("obj#%d", uint64(o)) }

// InterfaceDescriptor is the on-wire handle for a remote reference: the pair
// (object, destination_zone). The all-zero value means "null reference".
type InterfaceDescriptor struct {
	Object          Object
	DestinationZone DestinationZone
}

// IsNull reports whether this descriptor is the all-zero null reference.
func (d InterfaceDescriptor) IsNull() bool {
	return d.Object == 0 && d.DestinationZone == 0
}

func (d InterfaceDescriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s@%s", d.Object, d.DestinationZone)
}

// Encoding enumerates the wire payload encodings Canopy knows how to
// dispatch. Concrete codecs are pluggable (see codec.go); this enum is the
// stable wire tag.
type Encoding uint8

const (
	// EncodingYASBinary is a compact binary encoding.
	EncodingYASBinary Encoding = iota
	// EncodingYASCompressedBinary is EncodingYASBinary with compression applied.
	EncodingYASCompressedBinary
	// EncodingYASJSON is a human-readable JSON encoding.
	EncodingYASJSON
	// EncodingProtocolBuffers is a protobuf-framed encoding.
	EncodingProtocolBuffers
)

func (e Encoding) String() string {
	switch e {
	case EncodingYASBinary:
		return "yas_binary"
	case EncodingYASCompressedBinary:
		return "yas_compressed_binary"
	case EncodingYASJSON:
		return "yas_json"
	case EncodingProtocolBuffers:
		return "protocol_buffers"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// AddRefOptions is a bitfield controlling add_ref routing behaviour.
type AddRefOptions uint8

const (
	// AddRefNormal is the default: account for the reference locally.
	AddRefNormal AddRefOptions = 0
	// AddRefOptimistic marks the reference as a non-owning optimistic handle.
	AddRefOptimistic AddRefOptions = 1 << iota
	// AddRefBuildCallerRoute asks intermediate hops to build a route back to the caller.
	AddRefBuildCallerRoute
	// AddRefBuildDestinationRoute asks intermediate hops to build a route to the destination.
	AddRefBuildDestinationRoute
)

// Has reports whether all bits in mask are set in o.
func (o AddRefOptions) Has(mask AddRefOptions) bool { return o&mask == mask }

// ReleaseOptions is a bitfield controlling release routing behaviour.
type ReleaseOptions uint8

const (
	// ReleaseNormal releases a shared reference.
	ReleaseNormal ReleaseOptions = 0
	// ReleaseOptimistic releases an optimistic reference.
	ReleaseOptimistic ReleaseOptions = 1 << iota
)

// Has reports whether all bits in mask are set in o.
func (o ReleaseOptions) Has(mask ReleaseOptions) bool { return o&mask == mask }

// TransportStatus is the status machine for a transport edge.
type TransportStatus int32

const (
	// TransportConnecting is the initial state.
	TransportConnecting TransportStatus = iota
	// TransportConnected means the transport is fully operational.
	TransportConnected
	// TransportReconnecting means the transport is attempting to recover.
	TransportReconnecting
	// TransportDisconnected is terminal: no further traffic is allowed.
	TransportDisconnected
)

func (s TransportStatus) String() string {
	switch s {
	case TransportConnecting:
		return "CONNECTING"
	case TransportConnected:
		return "CONNECTED"
	case TransportReconnecting:
		return "RECONNECTING"
	case TransportDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// PassThroughStatus is the status machine for a pass_through router.
type PassThroughStatus int32

const (
	// PassThroughConnected means the pass-through is routing traffic.
	PassThroughConnected PassThroughStatus = iota
	// PassThroughDisconnected is terminal.
	PassThroughDisconnected
)

func (s PassThroughStatus) String() string {
	if s == PassThroughConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// MessageDirection distinguishes an outbound call from its reply on the wire.
type MessageDirection uint8

const (
	// DirectionSend marks an outbound call envelope.
	DirectionSend MessageDirection = iota
	// DirectionReply marks a reply envelope.
	DirectionReply
)

// ProtocolVersion is the negotiated wire protocol version for a service_proxy.
type ProtocolVersion uint64

// LowestSupportedVersion is the floor of the service_proxy downward
// negotiation loop: a proxy retries at progressively older versions down to
// this floor before giving up as incompatible.
const LowestSupportedVersion ProtocolVersion = 1

// CurrentProtocolVersion is the version a freshly constructed ServiceProxy advertises.
const CurrentProtocolVersion ProtocolVersion = 3

// Package chantransport is an in-process canopy.Wire implementation for two
// zones living in the same Go process: frames cross a net.Conn pair created
// with prep/socketpair rather than a real socket, the same technique the
// teacher's loop_stub_endpoint and socks_skeleton_endpoint use to bridge an
// acceptor's ChannelConn to a local service without an extra bridging
// goroutine hop.
package chantransport

import (
	"encoding/gob"
	"net"
	"sync"

	"github.com/prep/socketpair"

	canopy "github.com/edwardbr/canopy/core"
)

// Endpoint is one side of an in-process transport edge. NewPair returns two
// endpoints, each driving one canopy.Transport; frames written on one side
// are delivered to the other's Dispatch.
type Endpoint struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	transport *canopy.Transport

	closeOnce sync.Once
}

// NewPair creates two connected Endpoints sharing a socketpair-backed
// net.Conn, one per side of a zone-to-zone edge.
func NewPair() (a, b *Endpoint, err error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, err
	}
	return newEndpoint(connA), newEndpoint(connB), nil
}

func newEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}
}

// Bind attaches the canopy.Transport that owns this endpoint and starts its
// receive loop. Call once, after constructing the Transport with this
// Endpoint as its Wire.
func (e *Endpoint) Bind(t *canopy.Transport) {
	e.transport = t
	go e.receiveLoop()
}

func (e *Endpoint) receiveLoop() {
	for {
		var frame canopy.Frame
		if err := e.dec.Decode(&frame); err != nil {
			e.transport.StartShutdown(canopy.NewCallError(canopy.ErrCodeTransportError, "socketpair closed: %v", err))
			return
		}
		e.transport.Dispatch(frame)
	}
}

// WriteFrame implements canopy.Wire by gob-encoding frame directly onto the
// socketpair connection; gob round-trips canopy.Frame's exported fields
// (including the nested byte-slice payload) without any further framing,
// since the underlying net.Conn already delivers one gob value at a time to
// a paired Decoder.
func (e *Endpoint) WriteFrame(frame canopy.Frame) error {
	return e.enc.Encode(frame)
}

// handshakeMsg is the one message exchanged before Frame traffic begins:
// the initiating side's name and input descriptor, or the accepting side's
// reply descriptor, reusing the same field names for both directions.
type handshakeMsg struct {
	Name string
	Desc canopy.InterfaceDescriptor
}

// InnerConnect implements canopy.Wire's handshake half as the initiating
// side: it gob-encodes name and inDesc onto the shared connection and blocks
// for the accepting side's Accept to gob-encode its reply descriptor back.
func (e *Endpoint) InnerConnect(name string, inDesc canopy.InterfaceDescriptor) (canopy.InterfaceDescriptor, error) {
	if err := e.enc.Encode(handshakeMsg{Name: name, Desc: inDesc}); err != nil {
		return canopy.InterfaceDescriptor{}, err
	}
	var reply handshakeMsg
	if err := e.dec.Decode(&reply); err != nil {
		return canopy.InterfaceDescriptor{}, err
	}
	return reply.Desc, nil
}

// Accept blocks for the one handshake request InnerConnect sends, invokes
// handler with the caller's name and input descriptor, and gob-encodes its
// returned descriptor back as the reply. Call once on the accepting side,
// before Bind, so the receive loop never competes with the handshake for
// the same decoder.
func (e *Endpoint) Accept(handler func(name string, inDesc canopy.InterfaceDescriptor) (canopy.InterfaceDescriptor, error)) error {
	var req handshakeMsg
	if err := e.dec.Decode(&req); err != nil {
		return err
	}
	outDesc, err := handler(req.Name, req.Desc)
	if err != nil {
		return err
	}
	return e.enc.Encode(handshakeMsg{Name: req.Name, Desc: outDesc})
}

// Close tears down the underlying connection, unblocking the receive loop.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.conn.Close() })
	return err
}

// Package wstransport is a websocket-framed canopy.Wire implementation: two
// zones in different processes exchange Frames as binary websocket messages
// over a single full-duplex connection, one outbound writer goroutine per
// connection matching the "outbound send queue MUST be served by a single
// producer loop" requirement for a conforming transport.
package wstransport

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	canopy "github.com/edwardbr/canopy/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one websocket connection as a canopy.Wire, with a bounded
// outbound queue served by exactly one goroutine.
type Conn struct {
	logger canopy.Logger
	id     uuid.UUID
	ws     *websocket.Conn

	transport *canopy.Transport

	sendMu sync.Mutex
	sendCh chan canopy.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a client-side websocket connection to url and wraps it.
func Dial(url string, logger canopy.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, logger), nil
}

// Upgrade accepts an inbound HTTP request as a server-side websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, logger canopy.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newConn(ws, logger), nil
}

func newConn(ws *websocket.Conn, logger canopy.Logger) *Conn {
	id := uuid.New()
	c := &Conn{
		logger: logger.Fork("wstransport[%s]", id.String()[:8]),
		id:     id,
		ws:     ws,
		sendCh: make(chan canopy.Frame, 64),
		closed: make(chan struct{}),
	}
	go c.sendLoop()
	return c
}

// Bind attaches the canopy.Transport that owns this connection and starts
// its receive loop.
func (c *Conn) Bind(t *canopy.Transport) {
	c.transport = t
	go c.receiveLoop()
}

func (c *Conn) sendLoop() {
	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			raw, err := frameToBytes(frame)
			if err != nil {
				c.logger.ELogErrorf("encode outbound frame: %v", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				c.logger.DLogf("write failed, closing: %v", err)
				c.Close()
				return
			}
			c.logger.TLogf("sent frame seq=%d (%s)", frame.Prefix.SequenceNumber, sizestr.ToString(uint64(len(raw))))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) receiveLoop() {
	defer c.Close()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.DLogf("receive loop ending: %v", err)
			c.transport.StartShutdown(canopy.NewCallError(canopy.ErrCodeTransportError, "websocket closed: %v", err))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := frameFromBytes(data)
		if err != nil {
			c.logger.ELogErrorf("decode inbound frame: %v", err)
			continue
		}
		c.transport.Dispatch(frame)
	}
}

// WriteFrame implements canopy.Wire by queueing frame for the single
// outbound producer goroutine.
func (c *Conn) WriteFrame(frame canopy.Frame) error {
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.closed:
		return canopy.NewCallError(canopy.ErrCodeTransportError, "connection closed")
	}
}

// InnerConnect implements canopy.Wire's client-side handshake: it JSON-encodes
// the caller's descriptor as the first websocket message and waits for the
// peer's reply descriptor as the second, before any Frame traffic begins.
func (c *Conn) InnerConnect(name string, inDesc canopy.InterfaceDescriptor) (canopy.InterfaceDescriptor, error) {
	req := handshakeMsg{Name: name, Descriptor: inDesc}
	if err := c.ws.WriteJSON(req); err != nil {
		return canopy.InterfaceDescriptor{}, fmt.Errorf("handshake send: %w", err)
	}
	var reply handshakeMsg
	if err := c.ws.ReadJSON(&reply); err != nil {
		return canopy.InterfaceDescriptor{}, fmt.Errorf("handshake reply: %w", err)
	}
	return reply.Descriptor, nil
}

// Close tears down the connection and stops both loops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

type handshakeMsg struct {
	Name       string                     `json:"name"`
	Descriptor canopy.InterfaceDescriptor `json:"descriptor"`
}

// frameToBytes renders f through the mandatory prefix||payload_envelope
// binary framing, the same bytes a non-websocket wire would exchange.
func frameToBytes(f canopy.Frame) ([]byte, error) {
	return canopy.EncodeFrame(f)
}

func frameFromBytes(b []byte) (canopy.Frame, error) {
	return canopy.ReadFrame(bytes.NewReader(b))
}

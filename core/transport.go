package canopy

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// ptKey identifies one passthrough route: a call crossing this zone destined
// for destination, originally sent by caller.
type ptKey struct {
	destination DestinationZone
	caller      CallerZone
}

// Wire is implemented by a concrete transport (in-process, SPSC,
// websocket-framed, ...). Transport provides the status machine, the
// destination table and the passthrough registry shared by every
// implementation; Wire supplies the actual bytes-on-the-wire behaviour.
type Wire interface {
	// WriteFrame sends one fully framed message. Concrete transports
	// serialise their own outbound queue; WriteFrame must be safe to call
	// from multiple goroutines, since both direct outbound calls and
	// forwarded passthrough traffic share one Wire.
	WriteFrame(Frame) error

	// InnerConnect performs the transport-specific handshake as the
	// initiating side: sends name and inDesc, returns the peer's reply descriptor.
	InnerConnect(name string, inDesc InterfaceDescriptor) (InterfaceDescriptor, error)
}

// Transport is one edge to an adjacent peer zone: the base machinery common
// to every concrete wire implementation. It multiplexes every outbound
// Marshaller call over a single sequence-numbered request/reply protocol
// and routes every inbound frame either into the local Service or into a
// PassThrough bridging to the next hop.
type Transport struct {
	Lifecycle

	wire           Wire
	zoneID         Zone
	adjacentZoneID Zone
	service        *Service

	statusMu sync.Mutex
	status   TransportStatus

	seqMu   sync.Mutex
	nextSeq uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	ptMu         sync.Mutex
	passthroughs map[ptKey]*PassThrough

	countMu      sync.Mutex
	outboundProxyCounts map[DestinationZone]uint64
	inboundStubCounts   map[CallerZone]uint64
}

type pendingCall struct {
	done  *Event
	reply Frame
	err   error
}

// NewTransport constructs a Transport over wire, connecting zoneID (this
// side) to adjacentZoneID (the peer's side), registered with service.
func NewTransport(wire Wire, zoneID, adjacentZoneID Zone, service *Service, logger Logger) *Transport {
	t := &Transport{
		wire:                wire,
		zoneID:              zoneID,
		adjacentZoneID:      adjacentZoneID,
		service:             service,
		status:              TransportConnecting,
		pending:             map[uint64]*pendingCall{},
		passthroughs:        map[ptKey]*PassThrough{},
		outboundProxyCounts: map[DestinationZone]uint64{},
		inboundStubCounts:   map[CallerZone]uint64{},
	}
	t.InitLifecycle(logger.Fork("transport[%v<->%v]", zoneID, adjacentZoneID), t)
	return t
}

// Zone returns this side's zone identity.
func (t *Transport) Zone() Zone { return t.zoneID }

// AdjacentZone returns the peer's zone identity.
func (t *Transport) AdjacentZone() Zone { return t.adjacentZoneID }

// Status returns the current transport_status.
func (t *Transport) Status() TransportStatus {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	return t.status
}

// setStatus transitions the status machine; entry into DISCONNECTED fires
// notify_all_destinations_of_disconnect exactly once.
func (t *Transport) setStatus(s TransportStatus) {
	t.statusMu.Lock()
	old := t.status
	if old == TransportDisconnected {
		t.statusMu.Unlock()
		return
	}
	t.status = s
	t.statusMu.Unlock()

	if old != s {
		t.service.notify(Event2{Kind: EventTransportStatusChange, Zone: t.zoneID, AdjacentZone: t.adjacentZoneID, OldStatus: old, NewStatus: s})
	}
	if s == TransportDisconnected {
		t.notifyAllDestinationsOfDisconnect()
	}
}

// MarkConnected transitions CONNECTING -> CONNECTED on a successful handshake.
func (t *Transport) MarkConnected() { t.setStatus(TransportConnected) }

// MarkReconnecting transitions to RECONNECTING on a recoverable error;
// transports that never reconnect simply never call this.
func (t *Transport) MarkReconnecting() { t.setStatus(TransportReconnecting) }

// Reconnect marks the transport RECONNECTING and repeatedly invokes dial
// until it returns a new Wire, sleeping with exponential backoff between
// attempts, stopping early if the transport is shut down while it retries.
// On success the transport swaps in the new Wire and transitions CONNECTED.
func (t *Transport) Reconnect(dial func() (Wire, error)) error {
	t.MarkReconnecting()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if t.Status() == TransportDisconnected {
			return NewCallError(ErrCodeTransportError, "reconnect abandoned: transport to %v disconnected", t.adjacentZoneID)
		}
		wire, err := dial()
		if err == nil {
			t.statusMu.Lock()
			t.wire = wire
			t.statusMu.Unlock()
			t.MarkConnected()
			return nil
		}
		t.DLogf("reconnect to %v failed, retrying: %v", t.adjacentZoneID, err)
		time.Sleep(b.Duration())
	}
}

// Disconnect transitions to the terminal DISCONNECTED state, which is also
// what HandleOnceShutdown does: Lifecycle.Shutdown(err) and an explicit
// Disconnect converge on the same terminal state.
func (t *Transport) Disconnect() { t.setStatus(TransportDisconnected) }

// HandleOnceShutdown implements OnceShutdownHandler: any shutdown, explicit
// or triggered by an unrecoverable transport error, ends in DISCONNECTED.
func (t *Transport) HandleOnceShutdown(completionErr error) error {
	t.setStatus(TransportDisconnected)
	t.cancelAllPending(completionErr)
	return completionErr
}

func (t *Transport) cancelAllPending(err error) {
	if err == nil {
		err = NewCallError(ErrCodeCallCancelled, "transport shutdown")
	}
	t.pendingMu.Lock()
	calls := make([]*pendingCall, 0, len(t.pending))
	for _, c := range t.pending {
		calls = append(calls, c)
	}
	t.pending = map[uint64]*pendingCall{}
	t.pendingMu.Unlock()
	for _, c := range calls {
		c.err = err
		c.done.Set()
	}
}

// notifyAllDestinationsOfDisconnect walks the destination table and
// synthesises transport_down(destination, caller) to every registered
// handler, and to the owning service for the adjacent zone itself.
func (t *Transport) notifyAllDestinationsOfDisconnect() {
	t.ptMu.Lock()
	handlers := make(map[ptKey]*PassThrough, len(t.passthroughs))
	for k, pt := range t.passthroughs {
		handlers[k] = pt
	}
	t.ptMu.Unlock()

	for k, pt := range handlers {
		pt.TransportDown(CurrentProtocolVersion, k.destination, k.caller)
		t.service.TransportDown(CurrentProtocolVersion, k.destination, k.caller)
	}
	t.service.TransportDown(CurrentProtocolVersion, DestinationZone(t.adjacentZoneID), CallerZone(t.adjacentZoneID))
}

func (t *Transport) incrementInboundStubCount(caller CallerZone) {
	t.countMu.Lock()
	t.inboundStubCounts[caller]++
	t.countMu.Unlock()
}

func (t *Transport) incrementOutboundProxyCount(dest DestinationZone) {
	t.countMu.Lock()
	t.outboundProxyCounts[dest]++
	t.countMu.Unlock()
}

func (t *Transport) decrementOutboundProxyCount(dest DestinationZone) {
	t.countMu.Lock()
	if t.outboundProxyCounts[dest] > 0 {
		t.outboundProxyCounts[dest]--
	}
	t.countMu.Unlock()
}

// InnerConnect delegates to the concrete Wire's handshake, then marks this
// edge CONNECTED on success.
func (t *Transport) InnerConnect(name string, inDesc InterfaceDescriptor) (InterfaceDescriptor, error) {
	out, err := t.wire.InnerConnect(name, inDesc)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	t.MarkConnected()
	return out, nil
}

// GetOrCreatePassThrough returns the existing passthrough routing
// (destination, caller) through this transport as the forward leg, creating
// one (registered on both legs) if none exists yet. reverseTransport is the
// transport that reaches caller's zone, used as the reverse leg; it may be
// nil (e.g. when caller is this service's own zone), in which case the
// passthrough has no reverse leg and a call routed toward caller fails with
// ErrCodeZoneNotFound.
func (t *Transport) GetOrCreatePassThrough(destination DestinationZone, caller CallerZone, reverseTransport *Transport, svc *Service) (*PassThrough, error) {
	k := ptKey{destination: destination, caller: caller}
	t.ptMu.Lock()
	if pt, ok := t.passthroughs[k]; ok {
		t.ptMu.Unlock()
		return pt, nil
	}
	t.ptMu.Unlock()

	pt := newPassThrough(svc, t, reverseTransport, destination, DestinationZone(caller), svc.Logger)

	t.ptMu.Lock()
	t.passthroughs[k] = pt
	t.ptMu.Unlock()
	if reverseTransport != nil {
		reverseTransport.ptMu.Lock()
		reverseTransport.passthroughs[k] = pt
		reverseTransport.ptMu.Unlock()
	}
	svc.notify(Event2{Kind: EventPassThroughCreation, Zone: svc.zone, DestinationZone: destination})
	return pt, nil
}

// removePassThrough erases pt's entry from this transport's table.
func (t *Transport) removePassThrough(k ptKey) {
	t.ptMu.Lock()
	delete(t.passthroughs, k)
	t.ptMu.Unlock()
}

// --- Marshaller: outbound operations, multiplexed over one seq-numbered stream ---

func (t *Transport) nextSequence() uint64 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.nextSeq++
	return t.nextSeq
}

// callEnvelope is the unified payload carried by every outbound frame; a
// single struct keeps the wire format uniform across all seven Marshaller
// operations instead of one fingerprint-typed payload per op.
type callEnvelope struct {
	Op              string
	Version         ProtocolVersion
	Encoding        Encoding
	Caller          CallerZone
	Destination     DestinationZone
	Object          Object
	Interface       InterfaceOrdinal
	Method          Method
	KnownDirection  KnownDirectionZone
	Options         uint8
	InBytes         []byte
}

// callReply is the unified reply payload.
type callReply struct {
	OutBytes []byte
	Count    uint64
	ErrCode  ErrorCode
	ErrMsg   string
}

func (t *Transport) roundTrip(env callEnvelope) (callReply, error) {
	if t.Status() == TransportDisconnected {
		return callReply{}, NewCallError(ErrCodeTransportError, "transport to %v is disconnected", t.adjacentZoneID)
	}
	seq := t.nextSequence()
	call := &pendingCall{done: NewEvent()}

	t.pendingMu.Lock()
	t.pending[seq] = call
	t.pendingMu.Unlock()

	fp := Fingerprint("callEnvelope", env.Version)
	payload, err := EncodeEnvelope(fp, env.Encoding, env)
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, seq)
		t.pendingMu.Unlock()
		return callReply{}, err
	}
	frame := Frame{
		Prefix:  Prefix{ProtocolVersion: env.Version, Direction: DirectionSend, SequenceNumber: seq},
		Payload: payload,
	}
	if err := t.wire.WriteFrame(frame); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, seq)
		t.pendingMu.Unlock()
		return callReply{}, NewCallError(ErrCodeTransportError, "write frame: %v", err)
	}

	call.done.Wait()
	if call.err != nil {
		return callReply{}, call.err
	}
	var reply callReply
	if err := DecodeEnvelope(call.reply.Payload, fp, &reply); err != nil {
		return callReply{}, err
	}
	if reply.ErrCode != OK {
		return reply, &CallError{Code: reply.ErrCode, Msg: reply.ErrMsg}
	}
	return reply, nil
}

func (t *Transport) Send(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error) {
	reply, err := t.roundTrip(callEnvelope{Op: "send", Version: version, Encoding: enc, Caller: caller, Destination: destination, Object: object, Interface: iface, Method: method, InBytes: inBytes})
	if err != nil {
		return nil, err
	}
	return reply.OutBytes, nil
}

func (t *Transport) Post(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) error {
	_, err := t.roundTrip(callEnvelope{Op: "post", Version: version, Encoding: enc, Caller: caller, Destination: destination, Object: object, Interface: iface, Method: method, InBytes: inBytes})
	return err
}

func (t *Transport) TryCast(version ProtocolVersion, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal) error {
	_, err := t.roundTrip(callEnvelope{Op: "try_cast", Version: version, Caller: caller, Destination: destination, Object: object, Interface: iface})
	return err
}

func (t *Transport) AddRef(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, knownDirection KnownDirectionZone, options AddRefOptions) (uint64, error) {
	reply, err := t.roundTrip(callEnvelope{Op: "add_ref", Version: version, Destination: destination, Object: object, Caller: caller, KnownDirection: knownDirection, Options: uint8(options)})
	if err != nil {
		return 0, err
	}
	t.incrementOutboundProxyCount(destination)
	return reply.Count, nil
}

func (t *Transport) Release(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions) (uint64, error) {
	reply, err := t.roundTrip(callEnvelope{Op: "release", Version: version, Destination: destination, Object: object, Caller: caller, Options: uint8(options)})
	if err == nil {
		t.decrementOutboundProxyCount(destination)
	}
	if err != nil {
		return 0, err
	}
	return reply.Count, nil
}

func (t *Transport) ObjectReleased(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone) {
	_, _ = t.roundTrip(callEnvelope{Op: "object_released", Version: version, Destination: destination, Object: object, Caller: caller})
}

func (t *Transport) TransportDown(version ProtocolVersion, destination DestinationZone, caller CallerZone) {
	_, _ = t.roundTrip(callEnvelope{Op: "transport_down", Version: version, Destination: destination, Caller: caller})
}

// Dispatch is invoked by the concrete Wire's receive loop for every inbound
// frame. A reply resolves the matching pending call by sequence number;
// anything else is an inbound call, routed per the base inbound() router:
// local zone to the service directly, otherwise to this transport's
// passthrough registry (creating one on demand).
func (t *Transport) Dispatch(frame Frame) {
	if frame.Prefix.Direction == DirectionReply {
		t.pendingMu.Lock()
		call, ok := t.pending[frame.Prefix.SequenceNumber]
		if ok {
			delete(t.pending, frame.Prefix.SequenceNumber)
		}
		t.pendingMu.Unlock()
		if ok {
			call.reply = frame
			call.done.Set()
		}
		return
	}

	var env callEnvelope
	if err := DecodeEnvelope(frame.Payload, frame.Payload.Fingerprint, &env); err != nil {
		t.ELogErrorf("dispatch: decode inbound envelope: %v", err)
		return
	}

	reply := t.handleInbound(env)
	replyPayload, err := EncodeEnvelope(frame.Payload.Fingerprint, env.Encoding, reply)
	if err != nil {
		t.ELogErrorf("dispatch: encode reply: %v", err)
		return
	}
	replyFrame := Frame{
		Prefix:  Prefix{ProtocolVersion: env.Version, Direction: DirectionReply, SequenceNumber: frame.Prefix.SequenceNumber},
		Payload: replyPayload,
	}
	if err := t.wire.WriteFrame(replyFrame); err != nil {
		t.ELogErrorf("dispatch: write reply frame: %v", err)
	}
}

func (t *Transport) handleInbound(env callEnvelope) callReply {
	switch env.Op {
	case "send":
		out, err := t.service.Send(env.Version, env.Encoding, env.Caller, env.Destination, env.Object, env.Interface, env.Method, env.InBytes)
		return replyOf(out, 0, err)
	case "post":
		err := t.service.Post(env.Version, env.Encoding, env.Caller, env.Destination, env.Object, env.Interface, env.Method, env.InBytes)
		return replyOf(nil, 0, err)
	case "try_cast":
		err := t.service.TryCast(env.Version, env.Caller, env.Destination, env.Object, env.Interface)
		return replyOf(nil, 0, err)
	case "add_ref":
		count, err := t.service.AddRef(env.Version, env.Destination, env.Object, env.Caller, env.KnownDirection, AddRefOptions(env.Options))
		return replyOf(nil, count, err)
	case "release":
		count, err := t.service.Release(env.Version, env.Destination, env.Object, env.Caller, ReleaseOptions(env.Options))
		return replyOf(nil, count, err)
	case "object_released":
		t.service.ObjectReleased(env.Version, env.Destination, env.Object, env.Caller)
		return replyOf(nil, 0, nil)
	case "transport_down":
		t.service.TransportDown(env.Version, env.Destination, env.Caller)
		return replyOf(nil, 0, nil)
	default:
		return replyOf(nil, 0, NewCallError(ErrCodeInvalidData, "unknown op %q", env.Op))
	}
}

func replyOf(out []byte, count uint64, err error) callReply {
	r := callReply{OutBytes: out, Count: count}
	if err != nil {
		r.ErrCode = CodeOf(err)
		r.ErrMsg = err.Error()
	}
	return r
}

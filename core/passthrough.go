package canopy

import "sync"

// pendingRelease is a release call that arrived while the function-count
// gate was held open by an in-flight call; it is coalesced here instead of
// forwarded immediately, since forwarding it first would let a release
// overtake an add_ref issued by that same in-flight call.
type pendingRelease struct {
	destination DestinationZone
	object      Object
	caller      CallerZone
	options     ReleaseOptions
}

// PassThrough is the multi-hop router installed in a transit zone: a call
// whose destination is neither this zone nor already known arrives over one
// transport and must continue over another. It holds its own shared and
// optimistic counts (the stake this hop has in keeping both transports
// alive), a function-count gate deferring teardown until every in-flight
// call drains, and a self-destruct rule of "alive while count>0 OR
// function_count>0" -- the arena-registry rewrite of the cyclic
// self-reference the routing graph would otherwise need.
type PassThrough struct {
	Logger

	service            *Service
	forwardTransport   *Transport
	reverseTransport   *Transport
	forwardDestination DestinationZone
	reverseDestination DestinationZone

	mu              sync.Mutex
	sharedCount     uint64
	optimisticCount uint64
	status          PassThroughStatus
	functionCount   int
	draining        bool
	destroyed       bool
	pending         []pendingRelease
}

func newPassThrough(service *Service, forward, reverse *Transport, forwardDest, reverseDest DestinationZone, logger Logger) *PassThrough {
	pt := &PassThrough{
		Logger:             logger.Fork("pass_through[%v->%v]", reverseDest, forwardDest),
		service:            service,
		forwardTransport:   forward,
		reverseTransport:   reverse,
		forwardDestination: forwardDest,
		reverseDestination: reverseDest,
		status:             PassThroughConnected,
	}
	return pt
}

// SharedCount returns the current shared stake this hop holds.
func (pt *PassThrough) SharedCount() uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.sharedCount
}

// Status returns the current pass_through_status.
func (pt *PassThrough) Status() PassThroughStatus {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.status
}

// routeFor picks the transport to forward through based on which leg
// destination matches.
func (pt *PassThrough) routeFor(destination DestinationZone) (*Transport, error) {
	switch destination {
	case pt.forwardDestination:
		return pt.forwardTransport, nil
	case pt.reverseDestination:
		if pt.reverseTransport == nil {
			return nil, NewCallError(ErrCodeZoneNotFound, "pass_through has no reverse transport for %v", destination)
		}
		return pt.reverseTransport, nil
	default:
		return nil, NewCallError(ErrCodeZoneNotFound, "pass_through routes only %v/%v, not %v", pt.forwardDestination, pt.reverseDestination, destination)
	}
}

func (pt *PassThrough) enterCall() {
	pt.mu.Lock()
	pt.functionCount++
	pt.mu.Unlock()
}

func (pt *PassThrough) exitCall() {
	pt.mu.Lock()
	pt.functionCount--
	drain := pt.functionCount == 0 && !pt.draining && (len(pt.pending) > 0 || pt.shouldSelfDestructLocked())
	if drain {
		pt.draining = true
	}
	pt.mu.Unlock()
	if drain {
		pt.drain()
	}
}

func (pt *PassThrough) shouldSelfDestructLocked() bool {
	return (pt.sharedCount == 0 && pt.optimisticCount == 0) || pt.status == PassThroughDisconnected
}

// drain flushes any releases that queued up while a call was in flight, then
// re-checks whether self-destruction is now due.
func (pt *PassThrough) drain() {
	for {
		pt.mu.Lock()
		if len(pt.pending) == 0 {
			selfDestruct := pt.functionCount == 0 && pt.shouldSelfDestructLocked()
			pt.draining = false
			pt.mu.Unlock()
			if selfDestruct {
				pt.selfDestruct()
			}
			return
		}
		next := pt.pending[0]
		pt.pending = pt.pending[1:]
		pt.mu.Unlock()

		pt.applyRelease(next.destination, next.object, next.caller, next.options)
	}
}

func (pt *PassThrough) applyRelease(destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions) {
	t, err := pt.routeFor(destination)
	if err != nil {
		return
	}
	_, _ = t.Release(CurrentProtocolVersion, destination, object, caller, options)
}

// selfDestruct transitions to DISCONNECTED, removes this passthrough from
// both transports' tables, and releases the service's notification that it
// is gone. Called only once function_count and both counts have reached
// zero, or a transport has disconnected.
func (pt *PassThrough) selfDestruct() {
	pt.mu.Lock()
	if pt.destroyed {
		pt.mu.Unlock()
		return
	}
	pt.destroyed = true
	pt.status = PassThroughDisconnected
	pt.mu.Unlock()

	k := ptKey{destination: pt.forwardDestination, caller: CallerZone(pt.reverseDestination)}
	if pt.forwardTransport != nil {
		pt.forwardTransport.removePassThrough(k)
	}
	if pt.reverseTransport != nil {
		pt.reverseTransport.removePassThrough(k)
	}
	pt.service.notify(Event2{Kind: EventPassThroughDeletion, Zone: pt.service.zone, DestinationZone: pt.forwardDestination})
}

// --- Marshaller: verbatim forwarding with the function-count gate ---

func (pt *PassThrough) Send(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error) {
	t, err := pt.routeFor(destination)
	if err != nil {
		return nil, err
	}
	pt.enterCall()
	defer pt.exitCall()
	return t.Send(version, enc, caller, destination, object, iface, method, inBytes)
}

func (pt *PassThrough) Post(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) error {
	t, err := pt.routeFor(destination)
	if err != nil {
		return err
	}
	pt.enterCall()
	defer pt.exitCall()
	return t.Post(version, enc, caller, destination, object, iface, method, inBytes)
}

func (pt *PassThrough) TryCast(version ProtocolVersion, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal) error {
	t, err := pt.routeFor(destination)
	if err != nil {
		return err
	}
	pt.enterCall()
	defer pt.exitCall()
	return t.TryCast(version, caller, destination, object, iface)
}

// AddRef forwards the call and bumps this hop's own counts, masking
// build_caller_route/build_destination_route so each flag traverses only
// its own chain. When both flags are set and destination == caller, this
// hop is a pure transit for an out-param back-pointer and its own counts
// are left untouched.
func (pt *PassThrough) AddRef(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, knownDirection KnownDirectionZone, options AddRefOptions) (uint64, error) {
	t, err := pt.routeFor(destination)
	if err != nil {
		return 0, err
	}

	pureTransit := options.Has(AddRefBuildCallerRoute) && options.Has(AddRefBuildDestinationRoute) && destination == DestinationZone(caller)

	pt.enterCall()
	defer pt.exitCall()

	// Each route-building flag only concerns the leg it names, so it is
	// masked off independently before the call continues past this hop:
	// forwarding toward the destination only needs build_destination_route
	// to keep propagating, and forwarding back toward the caller only needs
	// build_caller_route.
	forwardOptions := options
	switch t {
	case pt.forwardTransport:
		forwardOptions &^= AddRefBuildCallerRoute
	case pt.reverseTransport:
		forwardOptions &^= AddRefBuildDestinationRoute
	}

	if !pureTransit {
		optimistic := options.Has(AddRefOptimistic)
		pt.mu.Lock()
		if optimistic {
			pt.optimisticCount++
		} else {
			pt.sharedCount++
		}
		pt.mu.Unlock()
	}

	count, err := t.AddRef(version, destination, object, caller, knownDirection, forwardOptions)
	if err != nil && !pureTransit {
		optimistic := options.Has(AddRefOptimistic)
		pt.mu.Lock()
		if optimistic {
			pt.optimisticCount--
		} else {
			pt.sharedCount--
		}
		pt.mu.Unlock()
	}
	return count, err
}

// Release forwards the call, decrementing this hop's own counts and, if a
// call is currently in flight through this passthrough, coalescing into the
// pending queue instead of forwarding immediately so it cannot overtake a
// concurrent add_ref.
func (pt *PassThrough) Release(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions) (uint64, error) {
	optimistic := options.Has(ReleaseOptimistic)

	pt.mu.Lock()
	if optimistic {
		if pt.optimisticCount > 0 {
			pt.optimisticCount--
		}
	} else {
		if pt.sharedCount > 0 {
			pt.sharedCount--
		}
	}
	if pt.functionCount > 0 {
		pt.pending = append(pt.pending, pendingRelease{destination: destination, object: object, caller: caller, options: options})
		pt.mu.Unlock()
		return 0, nil
	}
	pt.mu.Unlock()

	t, err := pt.routeFor(destination)
	if err != nil {
		return 0, err
	}
	pt.enterCall()
	defer pt.exitCall()
	return t.Release(version, destination, object, caller, options)
}

func (pt *PassThrough) ObjectReleased(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone) {
	t, err := pt.routeFor(destination)
	if err != nil {
		return
	}
	pt.enterCall()
	defer pt.exitCall()
	t.ObjectReleased(version, destination, object, caller)
}

// TransportDown marks this passthrough for self-destruction: either leg
// disconnecting means the route is no longer servable.
func (pt *PassThrough) TransportDown(version ProtocolVersion, destination DestinationZone, caller CallerZone) {
	pt.mu.Lock()
	pt.status = PassThroughDisconnected
	immediate := pt.functionCount == 0
	pt.mu.Unlock()
	if immediate {
		pt.selfDestruct()
	}
}

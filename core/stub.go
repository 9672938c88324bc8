package canopy

import "sync"

// InterfaceStub decodes and dispatches calls for exactly one interface
// contract at one protocol version. Generated code provides one
// implementation per IDL interface; ObjectStub holds a small map of these
// keyed by InterfaceOrdinal.
type InterfaceStub interface {
	InterfaceID() InterfaceOrdinal

	// Call decodes inBytes for method and invokes the local implementation,
	// returning the encoded reply.
	Call(version ProtocolVersion, enc Encoding, caller CallerZone, method Method, inBytes []byte) ([]byte, error)

	// Cast returns a new InterfaceStub for iface if this stub's underlying
	// implementation also satisfies that interface, or ok=false if not.
	Cast(iface InterfaceOrdinal) (stub InterfaceStub, ok bool)
}

// callerCount tracks one caller_zone's stake in an ObjectStub, split by
// ownership kind; shared_count = Σ shared_references[caller] is the
// governing invariant an ObjectStub must hold at all times.
type callerCount struct {
	shared     uint64
	optimistic uint64
}

// ObjectStub is the server-side wrapper around a local implementation: it
// owns one or more InterfaceStubs, holds the shared/optimistic totals, and
// tracks per-caller_zone counts so a silent zone's contribution can be
// unwound precisely on transport_down.
type ObjectStub struct {
	Logger

	service *Service
	object  Object

	mu          sync.Mutex
	ifaces      map[InterfaceOrdinal]InterfaceStub
	sharedTotal uint64
	optTotal    uint64
	perCaller   map[CallerZone]*callerCount
}

// NewObjectStub constructs an ObjectStub for object, owned by service, and
// registers the first InterfaceStub it will dispatch to.
func NewObjectStub(service *Service, object Object, first InterfaceStub, logger Logger) *ObjectStub {
	s := &ObjectStub{
		Logger:    logger.Fork("stub[%v]", object),
		service:   service,
		object:    object,
		ifaces:    map[InterfaceOrdinal]InterfaceStub{first.InterfaceID(): first},
		perCaller: map[CallerZone]*callerCount{},
	}
	return s
}

// Object returns the stub's identity within its owning service.
func (s *ObjectStub) Object() Object { return s.object }

// Call looks up iface in the interface map and delegates; INVALID_INTERFACE_ID
// if absent.
func (s *ObjectStub) Call(version ProtocolVersion, enc Encoding, caller CallerZone, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error) {
	s.mu.Lock()
	impl, ok := s.ifaces[iface]
	s.mu.Unlock()
	if !ok {
		return nil, NewCallError(ErrCodeInvalidInterfaceID, "object %v has no interface %v", s.object, iface)
	}
	return impl.Call(version, enc, caller, method, inBytes)
}

// TryCast reports OK if iface is already present, otherwise asks every
// registered InterfaceStub to produce one via Cast, registering it on success.
func (s *ObjectStub) TryCast(iface InterfaceOrdinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ifaces[iface]; ok {
		return nil
	}
	for _, impl := range s.ifaces {
		if cast, ok := impl.Cast(iface); ok {
			s.ifaces[cast.InterfaceID()] = cast
			return nil
		}
	}
	return NewCallError(ErrCodeInvalidInterfaceID, "object %v cannot produce interface %v", s.object, iface)
}

// AddRef bumps the relevant total and per-caller counter, registers the
// transport edge if one exists for caller, and for an out-going call
// propagates a build_caller_route add_ref so the return path exists before
// the call completes. Returns the new total for the kind added.
func (s *ObjectStub) AddRef(optimistic bool, outcall bool, caller CallerZone) (uint64, error) {
	s.mu.Lock()
	cc, ok := s.perCaller[caller]
	if !ok {
		cc = &callerCount{}
		s.perCaller[caller] = cc
	}
	var total uint64
	if optimistic {
		cc.optimistic++
		s.optTotal++
		total = s.optTotal
	} else {
		cc.shared++
		s.sharedTotal++
		total = s.sharedTotal
	}
	s.mu.Unlock()

	if t, ok := s.service.lookupTransportForCaller(caller); ok {
		t.incrementInboundStubCount(caller)
	}
	if outcall {
		if err := s.service.propagateCallerRouteAddRef(s.object, caller, optimistic); err != nil {
			s.WLogErrorf("propagate caller route add_ref for %v from %v: %v", s.object, caller, err)
		}
	}
	return total, nil
}

// Release decrements total and per-caller; if per-caller reaches zero the
// map entry is erased. When shared_count reaches zero, the stub asks its
// owning service to remove it from the stub table.
func (s *ObjectStub) Release(optimistic bool, caller CallerZone) (uint64, error) {
	s.mu.Lock()
	cc, ok := s.perCaller[caller]
	if !ok {
		s.mu.Unlock()
		return 0, NewCallError(ErrCodeReferenceCountError, "release from caller %v with no outstanding refs on object %v", caller, s.object)
	}
	var total uint64
	if optimistic {
		if cc.optimistic == 0 {
			s.mu.Unlock()
			return 0, NewCallError(ErrCodeReferenceCountError, "optimistic release underflow on object %v from %v", s.object, caller)
		}
		cc.optimistic--
		s.optTotal--
		total = s.optTotal
	} else {
		if cc.shared == 0 {
			s.mu.Unlock()
			return 0, NewCallError(ErrCodeReferenceCountError, "shared release underflow on object %v from %v", s.object, caller)
		}
		cc.shared--
		s.sharedTotal--
		total = s.sharedTotal
	}
	if cc.shared == 0 && cc.optimistic == 0 {
		delete(s.perCaller, caller)
	}
	sharedNowZero := s.sharedTotal == 0
	s.mu.Unlock()

	if sharedNowZero {
		s.service.removeStub(s.object)
	}
	return total, nil
}

// HasReferencesFromZone reports whether caller still holds any shared or
// optimistic count on this stub.
func (s *ObjectStub) HasReferencesFromZone(caller CallerZone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.perCaller[caller]
	return ok && (cc.shared > 0 || cc.optimistic > 0)
}

// ReleaseOptimisticFromZone decrements caller's optimistic count by one, the
// effect of a single object_released notification: a callee pre-releasing
// one optimistic handle it decided it no longer needs. It never touches
// shared counts and never removes the stub, clamping at zero so a stray or
// duplicate notification (legitimate during a reconnect race) is a no-op
// rather than a reference-count error.
func (s *ObjectStub) ReleaseOptimisticFromZone(caller CallerZone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.perCaller[caller]
	if !ok || cc.optimistic == 0 {
		return
	}
	cc.optimistic--
	s.optTotal--
	if cc.shared == 0 && cc.optimistic == 0 {
		delete(s.perCaller, caller)
	}
}

// ReleaseAllFromZone synthesises the releases a silent zone would never
// send, used by transport_down handling. Returns the number of shared
// references it released, since the caller needs to know whether the stub
// may since have torn itself down.
func (s *ObjectStub) ReleaseAllFromZone(caller CallerZone) (releasedShared uint64) {
	s.mu.Lock()
	cc, ok := s.perCaller[caller]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	delete(s.perCaller, caller)
	s.sharedTotal -= cc.shared
	s.optTotal -= cc.optimistic
	sharedNowZero := s.sharedTotal == 0
	released := cc.shared
	s.mu.Unlock()

	if sharedNowZero {
		s.service.removeStub(s.object)
	}
	return released
}

// SharedCount returns the current total shared count. When a release brings
// it to zero the stub is removed from its owning service's table; a freshly
// bound stub is in the table with a count of zero.
func (s *ObjectStub) SharedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedTotal
}

// OptimisticCount returns the current total optimistic count.
func (s *ObjectStub) OptimisticCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optTotal
}

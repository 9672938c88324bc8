package canopy

import "sync"

// Marshaller is the single entry point every zone-crossing call passes
// through, implemented independently by a Service (the terminal zone), a
// Transport (the outbound/inbound wire edges) and a PassThrough (a transit
// hop). Matching the wire contract in full, every operation returns a
// *CallError (or wraps one) rather than panicking or using a language-native
// exception -- nothing else is allowed to cross a transport boundary.
type Marshaller interface {
	Send(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error)
	Post(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) error
	TryCast(version ProtocolVersion, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal) error
	AddRef(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, knownDirection KnownDirectionZone, options AddRefOptions) (uint64, error)
	Release(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions) (uint64, error)
	ObjectReleased(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone)
	TransportDown(version ProtocolVersion, destination DestinationZone, caller CallerZone)
}

// StubFactory builds the first InterfaceStub for a freshly registered
// implementation. Generated "..._register_stubs" calls install one of these
// per IDL interface at service construction time.
type StubFactory func(impl interface{}) InterfaceStub

// Service is the per-zone registry and Marshaller entry point: the stub
// table, the reverse (impl -> stub) table, the service_proxy table, the
// transport table, and the set of observers. The stub, reverse,
// service_proxy and transport tables share one mutex; the stub factory
// table has its own; the observer set has none (see ObserverSet.Add).
type Service struct {
	Logger

	zone Zone

	mu            sync.Mutex
	stubs         map[Object]*ObjectStub
	reverseStubs  map[interface{}]*ObjectStub
	nextObject    Object
	serviceProxies map[DestinationZone]*ServiceProxy
	transports    map[DestinationZone]*Transport

	factoryMu sync.Mutex
	factories map[string]StubFactory

	observers ObserverSet
}

// NewService constructs an empty Service for zone.
func NewService(zone Zone, logger Logger) *Service {
	return &Service{
		Logger:         logger.Fork("service[%v]", zone),
		zone:           zone,
		stubs:          map[Object]*ObjectStub{},
		reverseStubs:   map[interface{}]*ObjectStub{},
		serviceProxies: map[DestinationZone]*ServiceProxy{},
		transports:     map[DestinationZone]*Transport{},
		factories:      map[string]StubFactory{},
	}
}

// Zone returns this service's own zone identity.
func (s *Service) Zone() Zone { return s.zone }

// AddObserver registers o to receive future notifications.
func (s *Service) AddObserver(o Observer) { s.observers.Add(o) }

func (s *Service) notify(ev Event2) { s.observers.Notify(ev) }

// RegisterStubFactory installs factory under name, for use by Bind/CreateStub.
func (s *Service) RegisterStubFactory(name string, factory StubFactory) {
	s.factoryMu.Lock()
	defer s.factoryMu.Unlock()
	s.factories[name] = factory
}

// Bind creates (or returns the existing) ObjectStub wrapping impl, keyed by
// impl's own identity in the reverse table so re-binding the same Go value
// never creates a second stub.
func (s *Service) Bind(factoryName string, impl interface{}) (*ObjectStub, error) {
	s.factoryMu.Lock()
	factory, ok := s.factories[factoryName]
	s.factoryMu.Unlock()
	if !ok {
		return nil, NewCallError(ErrCodeInvalidData, "no stub factory registered for %q", factoryName)
	}

	s.mu.Lock()
	if existing, ok := s.reverseStubs[impl]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.nextObject++
	object := s.nextObject
	s.mu.Unlock()

	stub := NewObjectStub(s, object, factory(impl), s.Logger)

	s.mu.Lock()
	s.stubs[object] = stub
	s.reverseStubs[impl] = stub
	s.mu.Unlock()

	s.notify(Event2{Kind: EventStubCreation, Zone: s.zone, Object: object})
	return stub, nil
}

// lookupStub returns the stub registered for object, if any.
func (s *Service) lookupStub(object Object) (*ObjectStub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stub, ok := s.stubs[object]
	return stub, ok
}

// removeStub erases object from the stub table; called by ObjectStub once
// its shared_count has reached zero. Bind inserts a stub with shared_count
// zero, so a stub can be present here before its first add_ref.
func (s *Service) removeStub(object Object) {
	s.mu.Lock()
	stub, ok := s.stubs[object]
	if ok {
		delete(s.stubs, object)
		for impl, st := range s.reverseStubs {
			if st == stub {
				delete(s.reverseStubs, impl)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify(Event2{Kind: EventStubDeletion, Zone: s.zone, Object: object})
	}
}

// AddTransport registers t as reaching t.AdjacentZone() as a DestinationZone.
func (s *Service) AddTransport(t *Transport) {
	s.mu.Lock()
	s.transports[DestinationZone(t.AdjacentZone())] = t
	s.mu.Unlock()
	s.notify(Event2{Kind: EventTransportCreation, Zone: s.zone, AdjacentZone: t.AdjacentZone()})
}

// RemoveTransport erases the transport reaching dest, if it is t.
func (s *Service) RemoveTransport(dest DestinationZone, t *Transport) {
	s.mu.Lock()
	if cur, ok := s.transports[dest]; ok && cur == t {
		delete(s.transports, dest)
	}
	s.mu.Unlock()
}

func (s *Service) lookupTransport(dest DestinationZone) (*Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transports[dest]
	return t, ok
}

// lookupTransportForCaller resolves the transport reaching caller's zone, if any.
func (s *Service) lookupTransportForCaller(caller CallerZone) (*Transport, bool) {
	return s.lookupTransport(DestinationZone(caller))
}

// AddZoneProxy registers sp as this zone's handle onto its destination.
func (s *Service) AddZoneProxy(sp *ServiceProxy) {
	s.mu.Lock()
	s.serviceProxies[sp.destination] = sp
	s.mu.Unlock()
}

// RemoveZoneProxy erases the service_proxy entry for dest, if it is sp.
func (s *Service) RemoveZoneProxy(dest DestinationZone, sp *ServiceProxy) {
	s.mu.Lock()
	if cur, ok := s.serviceProxies[dest]; ok && cur == sp {
		delete(s.serviceProxies, dest)
	}
	s.mu.Unlock()
}

// GetZoneProxy returns the existing service_proxy for dest, or creates one
// bound to t if none exists yet.
func (s *Service) GetZoneProxy(dest DestinationZone, t *Transport) (*ServiceProxy, error) {
	s.mu.Lock()
	if sp, ok := s.serviceProxies[dest]; ok {
		s.mu.Unlock()
		return sp, nil
	}
	s.mu.Unlock()

	sp := NewServiceProxy(s, dest, t, s.Logger)
	s.AddZoneProxy(sp)
	return sp, nil
}

// ConnectToZone performs the parent-side bootstrap handshake: register the
// transport, create its service_proxy, bind inIface to a descriptor, invoke
// the transport's handshake, then demarshal the peer's reply descriptor into
// outIface. On failure the transport and service_proxy registrations are
// undone.
func (s *Service) ConnectToZone(name string, t *Transport, inStub *ObjectStub, outIface *InterfaceDescriptor) (err error) {
	s.AddTransport(t)
	sp, err := s.GetZoneProxy(DestinationZone(t.AdjacentZone()), t)
	if err != nil {
		s.RemoveTransport(DestinationZone(t.AdjacentZone()), t)
		return err
	}

	defer func() {
		if err != nil {
			s.RemoveZoneProxy(sp.destination, sp)
			s.RemoveTransport(DestinationZone(t.AdjacentZone()), t)
		}
	}()

	var inDesc InterfaceDescriptor
	if inStub != nil {
		inDesc = InterfaceDescriptor{Object: inStub.Object(), DestinationZone: DestinationZone(s.zone)}
	}

	peerDesc, err := t.InnerConnect(name, inDesc)
	if err != nil {
		return s.Errorf("connect_to_zone %q: handshake failed: %w", name, err)
	}
	*outIface = peerDesc
	return nil
}

// AttachRemoteZone is the peer-side half of the bootstrap handshake: it
// demarshals the caller's input descriptor into a parent object_proxy, asks
// factory to build the local child interface, and returns its descriptor for
// the caller to demarshal in turn.
func (s *Service) AttachRemoteZone(name string, t *Transport, inDesc InterfaceDescriptor, factory func(child *Service, parent *ObjectProxy) (*ObjectStub, error)) (InterfaceDescriptor, error) {
	sp, err := s.GetZoneProxy(DestinationZone(t.AdjacentZone()), t)
	if err != nil {
		return InterfaceDescriptor{}, err
	}

	var parent *ObjectProxy
	if !inDesc.IsNull() {
		parent, err = sp.GetOrCreateObjectProxy(inDesc.Object, AddRefIfNew)
		if err != nil {
			return InterfaceDescriptor{}, err
		}
	}

	childStub, err := factory(s, parent)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	t.MarkConnected()
	if childStub == nil {
		return InterfaceDescriptor{}, nil
	}
	return InterfaceDescriptor{Object: childStub.Object(), DestinationZone: DestinationZone(s.zone)}, nil
}

// --- Marshaller: terminal-zone and pass-through dispatch ---

func (s *Service) routeOrDispatch(destination DestinationZone, caller CallerZone) (Marshaller, bool, error) {
	if destination == DestinationZone(s.zone) {
		return nil, true, nil
	}
	t, ok := s.lookupTransport(destination)
	if !ok {
		return nil, false, NewCallError(ErrCodeZoneNotFound, "no route to zone %v", destination)
	}
	reverseTransport, _ := s.lookupTransportForCaller(caller)
	pt, err := t.GetOrCreatePassThrough(destination, caller, reverseTransport, s)
	if err != nil {
		return nil, false, err
	}
	return pt, false, nil
}

func (s *Service) Send(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error) {
	fwd, local, err := s.routeOrDispatch(destination, caller)
	if err != nil {
		return nil, err
	}
	if !local {
		return fwd.Send(version, enc, caller, destination, object, iface, method, inBytes)
	}
	stub, ok := s.lookupStub(object)
	if !ok {
		return nil, NewCallError(ErrCodeObjectNotFound, "object %v not found in zone %v", object, s.zone)
	}
	return stub.Call(version, enc, caller, iface, method, inBytes)
}

func (s *Service) Post(version ProtocolVersion, enc Encoding, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) error {
	_, err := s.Send(version, enc, caller, destination, object, iface, method, inBytes)
	return err
}

func (s *Service) TryCast(version ProtocolVersion, caller CallerZone, destination DestinationZone, object Object, iface InterfaceOrdinal) error {
	fwd, local, err := s.routeOrDispatch(destination, caller)
	if err != nil {
		return err
	}
	if !local {
		return fwd.TryCast(version, caller, destination, object, iface)
	}
	stub, ok := s.lookupStub(object)
	if !ok {
		return NewCallError(ErrCodeObjectNotFound, "object %v not found in zone %v", object, s.zone)
	}
	return stub.TryCast(iface)
}

func (s *Service) AddRef(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, knownDirection KnownDirectionZone, options AddRefOptions) (uint64, error) {
	fwd, local, err := s.routeOrDispatch(destination, caller)
	if err != nil {
		return 0, err
	}
	if !local {
		return fwd.AddRef(version, destination, object, caller, knownDirection, options)
	}
	stub, ok := s.lookupStub(object)
	if !ok {
		return 0, NewCallError(ErrCodeObjectNotFound, "object %v not found in zone %v", object, s.zone)
	}
	return stub.AddRef(options.Has(AddRefOptimistic), options.Has(AddRefBuildCallerRoute), caller)
}

func (s *Service) Release(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions) (uint64, error) {
	fwd, local, err := s.routeOrDispatch(destination, caller)
	if err != nil {
		return 0, err
	}
	if !local {
		return fwd.Release(version, destination, object, caller, options)
	}
	stub, ok := s.lookupStub(object)
	if !ok {
		return 0, NewCallError(ErrCodeObjectNotFound, "object %v not found in zone %v", object, s.zone)
	}
	return stub.Release(options.Has(ReleaseOptimistic), caller)
}

func (s *Service) ObjectReleased(version ProtocolVersion, destination DestinationZone, object Object, caller CallerZone) {
	fwd, local, err := s.routeOrDispatch(destination, caller)
	if err != nil {
		s.DLogErrorf("object_released: %v", err)
		return
	}
	if !local {
		fwd.ObjectReleased(version, destination, object, caller)
		return
	}
	stub, ok := s.lookupStub(object)
	if !ok {
		s.DLogf("object_released for unknown object %v from %v (tolerated)", object, caller)
		return
	}
	stub.ReleaseOptimisticFromZone(caller)
}

// TransportDown unwinds every registry entry touching caller: every stub's
// per-caller count for caller is released, and every service_proxy retaining
// object_proxies reached through caller is notified, so nothing is left
// holding a reference through a dead edge.
func (s *Service) TransportDown(version ProtocolVersion, destination DestinationZone, caller CallerZone) {
	s.mu.Lock()
	stubs := make([]*ObjectStub, 0, len(s.stubs))
	for _, stub := range s.stubs {
		stubs = append(stubs, stub)
	}
	proxies := make([]*ServiceProxy, 0, len(s.serviceProxies))
	for _, sp := range s.serviceProxies {
		if sp.destination == DestinationZone(caller) {
			proxies = append(proxies, sp)
		}
	}
	s.mu.Unlock()

	for _, stub := range stubs {
		if stub.HasReferencesFromZone(caller) {
			stub.ReleaseAllFromZone(caller)
		}
	}
	for _, sp := range proxies {
		sp.notifyTransportDown()
	}
	s.notify(Event2{Kind: EventCallTransportDown, Zone: s.zone, DestinationZone: destination, CallerZone: caller})
}

// propagateCallerRouteAddRef issues the build_caller_route add_ref that
// ensures a return-path route exists before an outcall completes.
func (s *Service) propagateCallerRouteAddRef(object Object, caller CallerZone, optimistic bool) error {
	t, ok := s.lookupTransportForCaller(caller)
	if !ok {
		return nil
	}
	opts := AddRefBuildCallerRoute
	if optimistic {
		opts |= AddRefOptimistic
	}
	_, err := t.AddRef(CurrentProtocolVersion, DestinationZone(caller), object, CallerZone(s.zone), 0, opts)
	return err
}

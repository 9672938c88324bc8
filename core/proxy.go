package canopy

import "sync"

// GetOrCreateRule controls what ServiceProxy.GetOrCreateObjectProxy does
// about reference counting when handed a descriptor.
type GetOrCreateRule int

const (
	// DoNothing means the caller has already accounted for the refcount.
	DoNothing GetOrCreateRule = iota
	// AddRefIfNew means a freshly created proxy needs an add_ref to the stub
	// across the chain; an already-existing proxy needs nothing further.
	AddRefIfNew
	// ReleaseIfNotNew means this descriptor arrived as an out-parameter: the
	// remote side pre-added a ref for us, so if a proxy already existed we
	// must release the extra ref the remote side assumed we'd need.
	ReleaseIfNotNew
)

// InterfaceProxy forwards method calls for one interface contract, owned by
// an ObjectProxy. Generated code supplies one implementation per IDL
// interface, mirroring InterfaceStub on the server side.
type InterfaceProxy interface {
	InterfaceID() InterfaceOrdinal
}

// ObjectProxy is the client-side wrapper around a remote object: it holds
// InterfaceProxy instances and observable shared/optimistic counts, created
// on demand when a descriptor is demarshalled and not yet known locally.
// Destruction (last handle dropping) schedules a release along the
// transport chain and fires object_released notifications.
type ObjectProxy struct {
	Logger

	servicePx *ServiceProxy
	object    Object

	mu         sync.Mutex
	ifaces     map[InterfaceOrdinal]InterfaceProxy
	sharedRefs uint64
	optRefs    uint64
}

func newObjectProxy(sp *ServiceProxy, object Object, logger Logger) *ObjectProxy {
	return &ObjectProxy{
		Logger:    logger.Fork("proxy[%v]", object),
		servicePx: sp,
		object:    object,
		ifaces:    map[InterfaceOrdinal]InterfaceProxy{},
	}
}

// Object returns the remote identity this proxy stands in for.
func (p *ObjectProxy) Object() Object { return p.object }

// ServiceProxy returns the owning service_proxy.
func (p *ObjectProxy) ServiceProxy() *ServiceProxy { return p.servicePx }

// InterfaceProxy returns the InterfaceProxy registered for iface, with
// ok=false if none is; it never registers one (see RegisterInterfaceProxy).
func (p *ObjectProxy) InterfaceProxy(iface InterfaceOrdinal) (InterfaceProxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.ifaces[iface]
	return ip, ok
}

// RegisterInterfaceProxy installs ip, keyed by its own InterfaceID.
func (p *ObjectProxy) RegisterInterfaceProxy(ip InterfaceProxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ifaces[ip.InterfaceID()] = ip
}

// SharedCount returns the current observable shared handle count.
func (p *ObjectProxy) SharedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharedRefs
}

// OptimisticCount returns the current observable optimistic handle count.
func (p *ObjectProxy) OptimisticCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optRefs
}

func (p *ObjectProxy) addRefLocal() {
	p.mu.Lock()
	p.sharedRefs++
	p.mu.Unlock()
}

func (p *ObjectProxy) addRefOptimisticLocal() error {
	p.mu.Lock()
	if p.sharedRefs == 0 {
		p.mu.Unlock()
		return NewCallError(ErrCodeReferenceCountError, "make_optimistic on object %v with no shared handle held", p.object)
	}
	p.optRefs++
	p.mu.Unlock()
	return nil
}

// release drops one handle of the given kind. If both counts reach zero
// under the per-service_proxy lock, the proxy is erased from the map and,
// outside the lock, a remote release is issued along the transport chain
// followed by object_released notifications -- the "last-drop algorithm".
func (p *ObjectProxy) release(opts ReleaseOptions) error {
	optimistic := opts.Has(ReleaseOptimistic)

	p.servicePx.mu.Lock()
	p.mu.Lock()
	if optimistic {
		if p.optRefs == 0 {
			p.mu.Unlock()
			p.servicePx.mu.Unlock()
			return NewCallError(ErrCodeReferenceCountError, "optimistic release underflow on object proxy %v", p.object)
		}
		p.optRefs--
	} else {
		if p.sharedRefs == 0 {
			p.mu.Unlock()
			p.servicePx.mu.Unlock()
			return NewCallError(ErrCodeReferenceCountError, "shared release underflow on object proxy %v", p.object)
		}
		p.sharedRefs--
	}
	lastDrop := p.sharedRefs == 0 && p.optRefs == 0
	if lastDrop {
		delete(p.servicePx.objectProxies, p.object)
	}
	p.mu.Unlock()
	p.servicePx.mu.Unlock()

	if !lastDrop {
		return nil
	}

	err := p.servicePx.spRelease(p.object, opts)
	p.servicePx.notify(Event2{
		Kind:            EventCallObjectReleased,
		Zone:            p.servicePx.service.zone,
		DestinationZone: p.servicePx.destination,
		Object:          p.object,
	})
	return err
}

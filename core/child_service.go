package canopy

// ChildService is a Service whose lifetime is pinned to a parent transport:
// it differs from an ordinary Service only in strongly holding that
// transport, so it cannot outlive the edge that created it. The rewrite
// keeps this as a field rather than a subclass, per the "builder pattern for
// child zone" note: one bootstrap entry point instead of an inheritance chain.
type ChildService struct {
	*Service

	parentTransport *Transport
	parentDest      DestinationZone
}

// CreateChildZone runs the full bootstrap handshake described for a
// subordinate zone: create the child service bound to t.Zone(), register the
// parent service_proxy, demarshal the parent's input descriptor into a
// parent object_proxy, invoke factory to build the local child interface,
// and marshal its descriptor for the caller to send back.
func CreateChildZone(t *Transport, inDesc InterfaceDescriptor, logger Logger, factory func(child *Service, parent *ObjectProxy) (*ObjectStub, error)) (*ChildService, InterfaceDescriptor, error) {
	child := &ChildService{
		Service:         NewService(t.Zone(), logger),
		parentTransport: t,
		parentDest:      DestinationZone(t.AdjacentZone()),
	}
	t.service = child.Service

	sp, err := child.GetZoneProxy(child.parentDest, t)
	if err != nil {
		return nil, InterfaceDescriptor{}, err
	}
	child.AddZoneProxy(sp)

	var parent *ObjectProxy
	if !inDesc.IsNull() {
		parent, err = sp.GetOrCreateObjectProxy(inDesc.Object, AddRefIfNew)
		if err != nil {
			return nil, InterfaceDescriptor{}, err
		}
	}

	childStub, err := factory(child.Service, parent)
	if err != nil {
		return nil, InterfaceDescriptor{}, err
	}
	var outDesc InterfaceDescriptor
	if childStub != nil {
		outDesc = InterfaceDescriptor{Object: childStub.Object(), DestinationZone: DestinationZone(child.zone)}
	}
	// The handshake that carried inDesc/outDesc happened below Transport's
	// own InnerConnect (it's driven by the wire's Accept side instead), so
	// nothing else transitions this edge out of CONNECTING.
	t.MarkConnected()
	return child, outDesc, nil
}

// ParentTransport returns the transport this child zone is pinned to.
func (c *ChildService) ParentTransport() *Transport { return c.parentTransport }

package canopy

import "sync"

// ServiceProxy is a zone's handle onto one reachable destination: one per
// <this_zone, destination_zone> pair. It owns the object_proxy table for
// that destination, holds a strong ref to the operating service and a
// pointer to the transport that currently reaches it, and negotiates the
// protocol version independently of every other destination.
type ServiceProxy struct {
	Logger

	service     *Service
	destination DestinationZone

	mu            sync.Mutex
	transport     *Transport
	objectProxies map[Object]*ObjectProxy
	version       ProtocolVersion
	encoding      Encoding
}

// NewServiceProxy constructs a ServiceProxy for destination, initially
// reaching it via t and advertising CurrentProtocolVersion.
func NewServiceProxy(service *Service, destination DestinationZone, t *Transport, logger Logger) *ServiceProxy {
	sp := &ServiceProxy{
		Logger:        logger.Fork("service_proxy[->%v]", destination),
		service:       service,
		destination:   destination,
		transport:     t,
		objectProxies: map[Object]*ObjectProxy{},
		version:       CurrentProtocolVersion,
		encoding:      EncodingYASBinary,
	}
	service.notify(Event2{Kind: EventServiceProxyCreation, Zone: service.zone, DestinationZone: destination})
	return sp
}

// Destination returns the zone this proxy reaches.
func (sp *ServiceProxy) Destination() DestinationZone { return sp.destination }

// Version returns the currently negotiated protocol version.
func (sp *ServiceProxy) Version() ProtocolVersion {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.version
}

// SetTransport rebinds the transport this proxy currently routes through,
// used when a reconnect replaces the underlying edge without changing the
// proxy's identity.
func (sp *ServiceProxy) SetTransport(t *Transport) {
	sp.mu.Lock()
	sp.transport = t
	sp.mu.Unlock()
}

func (sp *ServiceProxy) currentTransport() *Transport {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.transport
}

// GetOrCreateObjectProxy returns the existing object_proxy for object, or
// creates one, applying rule to decide what (if anything) must be done
// about the reference count the caller is implicitly carrying.
func (sp *ServiceProxy) GetOrCreateObjectProxy(object Object, rule GetOrCreateRule) (*ObjectProxy, error) {
	sp.mu.Lock()
	existing, ok := sp.objectProxies[object]
	if !ok {
		proxy := newObjectProxy(sp, object, sp.Logger)
		sp.objectProxies[object] = proxy
		sp.mu.Unlock()

		if rule == AddRefIfNew {
			if _, err := sp.spAddRef(object, 0, AddRefNormal); err != nil {
				return nil, err
			}
		}
		proxy.addRefLocal()
		sp.service.notify(Event2{Kind: EventObjectProxyCreation, Zone: sp.service.zone, DestinationZone: sp.destination, Object: object})
		return proxy, nil
	}
	sp.mu.Unlock()

	if rule == ReleaseIfNotNew {
		if err := existing.release(ReleaseNormal); err != nil {
			return nil, err
		}
		return existing, nil
	}
	existing.addRefLocal()
	return existing, nil
}

// negotiate implements the sp_* downward version-retry loop: call op at the
// proxy's current version, and on INVALID_VERSION/INCOMPATIBLE_SERVICE retry
// at progressively older versions down to LowestSupportedVersion. The first
// version that doesn't fail for a version reason is persisted.
func negotiate[T any](sp *ServiceProxy, op func(ProtocolVersion) (T, error)) (T, error) {
	version := sp.Version()
	var zero T
	var lastErr error
	for ; version >= LowestSupportedVersion; version-- {
		result, err := op(version)
		code := CodeOf(err)
		if code != ErrCodeInvalidVersion && code != ErrCodeIncompatibleService {
			sp.mu.Lock()
			sp.version = version
			sp.mu.Unlock()
			return result, err
		}
		lastErr = err
		if version == LowestSupportedVersion {
			break
		}
	}
	if lastErr == nil {
		lastErr = NewCallError(ErrCodeIncompatibleService, "no version down to %v accepted by %v", LowestSupportedVersion, sp.destination)
	}
	return zero, lastErr
}

func (sp *ServiceProxy) transportOrErr() (*Transport, error) {
	t := sp.currentTransport()
	if t == nil {
		return nil, NewCallError(ErrCodeZoneNotFound, "service_proxy to %v has no transport", sp.destination)
	}
	return t, nil
}

// SendFromThisZone is the entry point an interface_proxy calls to forward a
// method invocation: stamp version/encoding, route through the transport,
// negotiating version on INVALID_VERSION/INCOMPATIBLE_SERVICE.
func (sp *ServiceProxy) SendFromThisZone(caller CallerZone, object Object, iface InterfaceOrdinal, method Method, inBytes []byte) ([]byte, error) {
	t, err := sp.transportOrErr()
	if err != nil {
		return nil, err
	}
	enc := sp.encoding
	return negotiate(sp, func(version ProtocolVersion) ([]byte, error) {
		return t.Send(version, enc, caller, sp.destination, object, iface, method, inBytes)
	})
}

func (sp *ServiceProxy) spAddRef(object Object, knownDirection KnownDirectionZone, options AddRefOptions) (uint64, error) {
	t, err := sp.transportOrErr()
	if err != nil {
		return 0, err
	}
	return negotiate(sp, func(version ProtocolVersion) (uint64, error) {
		return t.AddRef(version, sp.destination, object, CallerZone(sp.service.zone), knownDirection, options)
	})
}

func (sp *ServiceProxy) spRelease(object Object, options ReleaseOptions) error {
	t, err := sp.transportOrErr()
	if err != nil {
		return err
	}
	_, err = negotiate(sp, func(version ProtocolVersion) (uint64, error) {
		return t.Release(version, sp.destination, object, CallerZone(sp.service.zone), options)
	})
	return err
}

// notifyTransportDown is called by Service.TransportDown for every
// service_proxy reaching the zone whose transport just went down: every
// object_proxy it still holds is logically gone, since nothing will ever
// answer a release sent to it again. No object_proxy for that zone survives
// this call.
func (sp *ServiceProxy) notifyTransportDown() {
	sp.mu.Lock()
	proxies := make([]*ObjectProxy, 0, len(sp.objectProxies))
	for _, p := range sp.objectProxies {
		proxies = append(proxies, p)
	}
	sp.objectProxies = map[Object]*ObjectProxy{}
	sp.mu.Unlock()

	for _, p := range proxies {
		sp.service.notify(Event2{
			Kind:            EventCallObjectReleased,
			Zone:            sp.service.zone,
			DestinationZone: sp.destination,
			Object:          p.Object(),
		})
	}
	sp.service.RemoveZoneProxy(sp.destination, sp)
}

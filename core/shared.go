package canopy

import "sync/atomic"

// Shared is an owning remote pointer: as long as it exists, the target
// object_stub is kept alive across however many zone hops separate it from
// the holder. Dropping it walks the transport chain releasing a shared
// count. If the target dies while a Shared handle still exists, any call
// through it returns ErrCodeObjectNotFound -- always a bug, since a Shared
// reference is supposed to keep its target alive.
type Shared struct {
	proxy *ObjectProxy
	// released guards against a double Release on the same handle; copies
	// of a Shared value share the same underlying *ObjectProxy, but Go gives
	// us no destructor to rely on, so callers must call Release explicitly.
	released int32
}

// NewShared wraps proxy in a Shared handle. The caller must already hold the
// reference proxy counts (i.e. have called GetOrCreateObjectProxy with
// AddRefIfNew or equivalent) before constructing this.
func NewShared(proxy *ObjectProxy) Shared {
	return Shared{proxy: proxy}
}

// IsNull reports whether this handle refers to nothing.
func (s Shared) IsNull() bool { return s.proxy == nil }

// Proxy returns the underlying object_proxy, or nil if IsNull.
func (s Shared) Proxy() *ObjectProxy { return s.proxy }

// MakeOptimistic derives a same-zone, non-owning Optimistic handle from this
// Shared handle, bumping the object_proxy's local optimistic handle count; no
// add_ref is sent to the target stub, so the stub's own optimistic count is
// unchanged. Calling it on a null or released handle returns a null
// Optimistic and no error.
func (s Shared) MakeOptimistic() (Optimistic, error) {
	if s.IsNull() {
		return Optimistic{}, nil
	}
	if err := s.proxy.addRefOptimisticLocal(); err != nil {
		return Optimistic{}, err
	}
	return Optimistic{proxy: s.proxy}, nil
}

// Release drops this Shared handle's ownership stake. Safe to call more than
// once; a second call is a no-op rather than a double-release, since Go
// values are copied by assignment and we can't stop a caller from doing so.
func (s *Shared) Release() error {
	if s.proxy == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return nil
	}
	p := s.proxy
	s.proxy = nil
	return p.release(ReleaseNormal)
}

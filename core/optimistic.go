package canopy

import "sync/atomic"

// Optimistic is a non-owning, same-zone-only remote pointer: it observes an
// object_stub's optimistic count without keeping the stub alive. It cannot
// cross a zone boundary -- encoding one is a generator-time error, never a
// runtime one, so there is no wire representation for it at all. If the
// target dies while an Optimistic handle exists, calls through it return
// ErrCodeObjectGone, an expected and documented outcome rather than a bug.
type Optimistic struct {
	proxy    *ObjectProxy
	released int32
}

// IsNull reports whether this handle refers to nothing.
func (o Optimistic) IsNull() bool { return o.proxy == nil }

// Proxy returns the underlying object_proxy, or nil if IsNull.
func (o Optimistic) Proxy() *ObjectProxy { return o.proxy }

// Release drops this Optimistic handle's stake in the object_proxy's
// optimistic count. A second call on the same handle is a no-op.
func (o *Optimistic) Release() error {
	if o.proxy == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&o.released, 0, 1) {
		return nil
	}
	p := o.proxy
	o.proxy = nil
	return p.release(ReleaseOptimistic)
}

// there is deliberately no Optimistic -> Shared conversion: a caller that
// needs ownership back must obtain a fresh Shared handle from the object's
// original source, since an optimistic observer has no way to know whether
// the target is even still alive.

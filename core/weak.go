package canopy

// Weak is a local-only, non-owning back-edge: a (service, object) pair that
// must be resolved through the owning service's stub table on every use
// rather than held as a direct pointer. This is the arena+index rewrite of
// the cyclic strong/weak pointer graph: a stub table indexed by Object, with
// weak references expressed as a lookup that may simply fail once the
// target's shared_count has dropped to zero and it has been removed from
// the table.
type Weak struct {
	service *Service
	object  Object
}

// NewWeak captures a weak back-edge to the stub currently registered for
// object in service. It performs no reference counting of its own.
func NewWeak(service *Service, object Object) Weak {
	return Weak{service: service, object: object}
}

// IsNull reports whether this Weak was ever bound to an object.
func (w Weak) IsNull() bool { return w.service == nil }

// Resolve looks up the target stub in its owning service's table. ok is
// false if the stub has since been torn down and removed, which is an
// expected outcome for a weak reference, never an error.
func (w Weak) Resolve() (stub *ObjectStub, ok bool) {
	if w.service == nil {
		return nil, false
	}
	return w.service.lookupStub(w.object)
}

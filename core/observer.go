package canopy

// Observer receives lifecycle and call-routing notifications from every
// zone-scoped component: services, service_proxies, transports,
// pass_throughs, object_stubs and object_proxies: one call per notable
// event, with no return value and no permission to block the caller for
// long.
//
// Observer groups events by subject with a single Event2 payload so a new
// notification can be added without growing the interface's method count;
// ObserverSet then fans each Event out to every registered Observer.
type Observer interface {
	OnEvent(Event2)
}

// EventKind distinguishes the subject and moment an Event2 describes.
type EventKind int

const (
	EventServiceCreation EventKind = iota
	EventServiceDeletion
	EventServiceProxyCreation
	EventServiceProxyDeletion
	EventTransportCreation
	EventTransportDeletion
	EventTransportStatusChange
	EventStubCreation
	EventStubDeletion
	EventStubAddRef
	EventStubRelease
	EventObjectProxyCreation
	EventObjectProxyDeletion
	EventPassThroughCreation
	EventPassThroughDeletion
	EventPassThroughAddRef
	EventPassThroughRelease
	EventPassThroughStatusChange
	EventCallSend
	EventCallPost
	EventCallTryCast
	EventCallAddRef
	EventCallRelease
	EventCallObjectReleased
	EventCallTransportDown
)

// Event2 is the single notification payload dispatched to every Observer.
// Fields irrelevant to Kind are left at their zero value, covering what
// would otherwise be one distinct argument list per event kind.
//
// Named Event2 to avoid colliding with the Event rendezvous primitive
// (event.go); neither name reads naturally as an alias of the other.
type Event2 struct {
	Kind EventKind

	Name string

	Zone            Zone
	AdjacentZone    Zone
	DestinationZone DestinationZone
	CallerZone      CallerZone
	KnownDirection  KnownDirectionZone

	Object        Object
	InterfaceID   InterfaceOrdinal
	MethodID      Method
	Count         uint64
	AddRefOptions AddRefOptions
	ReleaseOpts   ReleaseOptions

	OldStatus TransportStatus
	NewStatus TransportStatus

	SharedCount     int64
	OptimisticCount int64
	SharedDelta     int64
	OptimisticDelta int64

	Level   LogLevel
	Message string
}

// ObserverSet fans a single Event2 out to a collection of Observers. The
// zero value is ready to use.
type ObserverSet struct {
	observers []Observer
}

// Add registers an Observer. Not safe to call concurrently with Notify.
func (s *ObserverSet) Add(o Observer) {
	if o != nil {
		s.observers = append(s.observers, o)
	}
}

// Notify dispatches ev to every registered Observer in registration order.
func (s *ObserverSet) Notify(ev Event2) {
	for _, o := range s.observers {
		o.OnEvent(ev)
	}
}

type nopObserver struct{}

func (nopObserver) OnEvent(Event2) {}

// NopObserver returns an Observer that discards every notification. A new
// Service starts with no observers at all; it does not register this one.
func NopObserver() Observer { return nopObserver{} }

// LoggingObserver adapts a Logger into an Observer, emitting one DLog line
// per event. Useful during development and in tests that want to see the
// full call-routing trace without wiring a real telemetry backend.
type LoggingObserver struct {
	Logger Logger
}

func (o LoggingObserver) OnEvent(ev Event2) {
	o.Logger.DLogf("%v zone=%v dest=%v caller=%v obj=%v iface=%v method=%v", ev.Kind,
		ev.Zone, ev.DestinationZone, ev.CallerZone, ev.Object, ev.InterfaceID, ev.MethodID)
}

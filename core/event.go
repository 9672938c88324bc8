package canopy

import "sync"

// Event is a rendezvous object with set/reset/wait semantics. Canopy uses
// the Blocking scheduling shape throughout (see scheduler.go), so Wait is a
// plain blocking call rather than a coroutine await; a cooperative build
// would await the same channel instead of blocking on it.
type Event struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
}

// NewEvent creates an Event, initially unsignaled.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set signals the event, waking every current and future Wait call until Reset.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.signaled {
		e.signaled = true
		close(e.ch)
	}
}

// Reset un-signals the event. Future Wait calls will block until the next Set.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaled {
		e.signaled = false
		e.ch = make(chan struct{})
	}
}

// Wait blocks until the event is signaled.
func (e *Event) Wait() {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	<-ch
}

// Chan returns the current signal channel, for use in a select alongside
// other wait conditions (e.g. context cancellation or transport shutdown).
func (e *Event) Chan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

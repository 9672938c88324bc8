package canopy

import "sync"

// OnceActivateHandler activates an object exactly once, with shutdown paused
// for the duration of the call. A non-nil return aborts activation and
// immediately begins shutdown with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a Lifecycle manages.
// HandleOnceShutdown is called exactly once, in its own goroutine, and takes
// an advisory completion error; its return value becomes the final status.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by every object whose lifetime is managed
// by a Lifecycle: transports, services, service_proxies, pass_throughs,
// object_stubs and object_proxies all expose this so parents can tear down
// children without knowing their concrete type.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Lifecycle is the shared asynchronous-shutdown base used by every
// long-lived Canopy component: rather than a component keeping itself alive
// through a cyclic self-reference, it holds an explicit "pause count" and
// child list, and is handed to its owner(s) as a plain struct field. A
// component embeds Lifecycle and calls InitLifecycle in its constructor.
type Lifecycle struct {
	Logger

	// Lock is a general-purpose fine-grained mutex; derived components may
	// reuse it for their own short critical sections.
	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount int
	activated  bool
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan chan struct{}
	handlerDone chan struct{}
	doneChan    chan struct{}

	wg sync.WaitGroup
}

// InitLifecycle initializes a Lifecycle in place. Call this from the owning
// component's constructor before any other Lifecycle method.
func (h *Lifecycle) InitLifecycle(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDone = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *Lifecycle) asyncRunShutdown() {
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDone)
		h.wg.Wait()
		h.Lock.Lock()
		h.done = true
		h.Lock.Unlock()
		close(h.doneChan)
	}()
}

// PauseShutdown increments the shutdown pause count, preventing shutdown
// from actually starting until a matching ResumeShutdown. It does not
// prevent StartShutdown from being scheduled.
func (h *Lifecycle) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count and, if it reaches zero and
// shutdown was scheduled while paused, begins it now.
func (h *Lifecycle) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	runNow := h.pauseCount == 0 && h.scheduled && !h.started
	if runNow {
		h.started = true
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRunShutdown()
	}
}

// IsActivated reports whether Activate has succeeded.
func (h *Lifecycle) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.activated
}

// Activate marks the component activated. A no-op if already activated;
// fails if shutdown has already started.
func (h *Lifecycle) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.activated {
		return nil
	}
	if h.started {
		return h.Errorf("cannot activate; shutdown already initiated")
	}
	h.activated = true
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivate, and either activates
// the component or begins shutdown with the returned error.
func (h *Lifecycle) DoOnceActivate(onceActivate OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.started {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.pauseCount++
	h.Lock.Unlock()

	err := onceActivate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// StartShutdown schedules asynchronous shutdown. Only the first call has any
// effect. If shutdown is currently paused, the actual teardown is deferred
// until the pause count returns to zero.
func (h *Lifecycle) StartShutdown(completionErr error) {
	var runNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		runNow = h.pauseCount == 0
		h.started = runNow
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRunShutdown()
	}
}

// IsScheduledShutdown reports whether StartShutdown has been called.
func (h *Lifecycle) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.scheduled
}

// IsStartedShutdown reports whether shutdown has begun running.
func (h *Lifecycle) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.started
}

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *Lifecycle) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.done
}

// ShutdownDoneChan returns a channel closed once shutdown is fully complete.
func (h *Lifecycle) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// ShutdownHandlerDoneChan returns a channel closed once HandleOnceShutdown
// has returned, before children are torn down -- used to wake goroutines
// that actively shut down children once the handler's own state is settled.
func (h *Lifecycle) ShutdownHandlerDoneChan() <-chan struct{} { return h.handlerDone }

// WaitShutdown blocks until shutdown is complete and returns the final status.
func (h *Lifecycle) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown initiates shutdown (if not already) and blocks for completion.
func (h *Lifecycle) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close shuts down with a nil advisory status and returns the final one.
func (h *Lifecycle) Close() error {
	return h.Shutdown(nil)
}

// ShutdownWG exposes a WaitGroup callers can Add() to, deferring final
// completion until the matching Done() calls land.
func (h *Lifecycle) ShutdownWG() *sync.WaitGroup { return &h.wg }

// AddShutdownChild registers a child AsyncShutdowner that this Lifecycle
// will actively shut down (with the handler's completion error) once its own
// HandleOnceShutdown returns, and will wait for before considering its own
// shutdown complete.
func (h *Lifecycle) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDone:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
	}()
}

// AddShutdownChildChan defers completion of this Lifecycle's shutdown until
// childDone is closed; the caller is responsible for closing it.
func (h *Lifecycle) AddShutdownChildChan(childDone <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDone
		h.wg.Done()
	}()
}

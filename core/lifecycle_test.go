package canopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycleOwner struct {
	Lifecycle
	shutdownCalls int
	shutdownErr   error
}

func (f *fakeLifecycleOwner) HandleOnceShutdown(completionErr error) error {
	f.shutdownCalls++
	return f.shutdownErr
}

func newFakeOwner() *fakeLifecycleOwner {
	f := &fakeLifecycleOwner{}
	f.InitLifecycle(NopLogger(), f)
	return f
}

func TestLifecycleActivateThenShutdown(t *testing.T) {
	owner := newFakeOwner()
	require.NoError(t, owner.Activate())
	assert.True(t, owner.IsActivated())

	err := owner.Shutdown(nil)
	require.NoError(t, err)
	assert.True(t, owner.IsDoneShutdown())
	assert.Equal(t, 1, owner.shutdownCalls)
}

func TestLifecycleActivateFailsAfterShutdownStarted(t *testing.T) {
	owner := newFakeOwner()
	owner.StartShutdown(nil)
	<-owner.ShutdownDoneChan()

	err := owner.Activate()
	require.Error(t, err)
}

func TestLifecyclePausedShutdownDefersTeardown(t *testing.T) {
	owner := newFakeOwner()
	require.NoError(t, owner.PauseShutdown())

	owner.StartShutdown(nil)
	assert.True(t, owner.IsScheduledShutdown())
	assert.False(t, owner.IsStartedShutdown(), "a paused shutdown must not start running yet")

	owner.ResumeShutdown()
	err := owner.WaitShutdown()
	require.NoError(t, err)
	assert.True(t, owner.IsDoneShutdown())
}

func TestLifecycleShutdownIsIdempotent(t *testing.T) {
	owner := newFakeOwner()
	owner.StartShutdown(nil)
	owner.StartShutdown(nil)
	<-owner.ShutdownDoneChan()
	assert.Equal(t, 1, owner.shutdownCalls, "a second StartShutdown must not re-run the handler")
}

func TestLifecycleAddShutdownChildWaitsForParent(t *testing.T) {
	parent := newFakeOwner()
	child := newFakeOwner()
	parent.AddShutdownChild(&child.Lifecycle)

	parent.StartShutdown(nil)
	<-parent.ShutdownDoneChan()
	<-child.ShutdownDoneChan()
	assert.Equal(t, 1, child.shutdownCalls)
}

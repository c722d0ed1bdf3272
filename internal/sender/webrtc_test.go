package sender_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/screamrouter/engine/internal/sender"
	"github.com/screamrouter/engine/internal/telemetry"
)

func TestWebRTCSenderStartsInNewState(t *testing.T) {
	w := sender.NewWebRTCSender(telemetry.NewNop(), "listener-1", 2, 16, 0, sender.SignalCallbacks{})
	assert.Equal(t, sender.StateNew, w.State())
	assert.False(t, w.ShouldCleanupDueToTimeout())
}

func TestWebRTCSenderCleanupNotDueImmediatelyAfterTerminalState(t *testing.T) {
	w := sender.NewWebRTCSender(telemetry.NewNop(), "listener-2", 2, 16, 0, sender.SignalCallbacks{})
	w.ForceState(sender.StateFailed)
	assert.False(t, w.ShouldCleanupDueToTimeout(), "should not be due immediately")
}

func TestWebRTCSenderPollCleanupBeforeTimeoutDoesNotInvokeCallback(t *testing.T) {
	var calls int32
	w := sender.NewWebRTCSender(telemetry.NewNop(), "listener-3", 2, 16, 0, sender.SignalCallbacks{
		OnCleanup: func(id string) { atomic.AddInt32(&calls, 1) },
	})
	w.ForceState(sender.StateDisconnected)

	// Simulate the timeout having already elapsed by forcing state again
	// far enough in the past isn't directly settable; instead verify
	// repeated polls before the timeout never invoke the callback, and
	// that invoking PollCleanup is safe to call repeatedly.
	w.PollCleanup()
	w.PollCleanup()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	_ = time.Millisecond
}

func TestWebRTCSenderIsClosedAfterClose(t *testing.T) {
	w := sender.NewWebRTCSender(telemetry.NewNop(), "listener-4", 2, 16, 0, sender.SignalCallbacks{})
	assert.False(t, w.IsClosed())
	assert.NoError(t, w.Close())
	assert.True(t, w.IsClosed())
	assert.Equal(t, sender.StateClosed, w.State())
}

package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/screamrouter/engine/internal/clock"
)

func TestSharedConditionRefcounting(t *testing.T) {
	m := clock.NewManager()
	f := clock.Format{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerChunk: 288}

	c1 := m.Register(f)
	c2 := m.Register(f)
	assert.Same(t, c1, c2, "identical format parameters must share one condition")

	m.Unregister(f)
	// still held by c2's registration
	time.Sleep(10 * time.Millisecond)
	seqBefore := c1.Sequence()
	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, c1.Sequence(), seqBefore, "condition must still be ticking while refs remain")

	m.Unregister(f)
}

func TestTicksAdvanceSequence(t *testing.T) {
	m := clock.NewManager()
	f := clock.Format{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerChunk: 288}
	c := m.Register(f)
	defer m.Unregister(f)

	start := c.Sequence()
	next := c.Wait(start)
	assert.Greater(t, next, start)
}

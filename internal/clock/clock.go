// Package clock implements the paced-tick service spec §4.B describes:
// consumers register a (sample_rate, channels, bit_depth, frames_per_chunk)
// condition and receive a monotonic sequence counter advancing at the
// wire rate of that format, without each receiver running its own timer.
package clock

import (
	"sync"
	"time"
)

// Format identifies one clock condition. Identical formats share one
// underlying ticking worker goroutine (refcounted).
type Format struct {
	SampleRate     int
	Channels       int
	BitDepth       int
	FramesPerChunk int
}

func (f Format) period() time.Duration {
	return time.Duration(float64(f.FramesPerChunk) / float64(f.SampleRate) * float64(time.Second))
}

// Condition is a shared, refcounted clock condition. Consumers poll
// Sequence() or block in Wait() for the next tick.
type Condition struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sequence uint64
	stopCh   chan struct{}
	refs     int
}

// Sequence returns the current tick count. A consumer that falls behind
// will observe jumps rather than replayed ticks (spec §4.B failure
// semantics).
func (c *Condition) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// Wait blocks until the sequence advances past last, returning the new
// value.
func (c *Condition) Wait(last uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sequence <= last {
		c.cond.Wait()
	}
	return c.sequence
}

// Manager owns one ticking goroutine per distinct Format.
type Manager struct {
	mu         sync.Mutex
	conditions map[Format]*Condition
}

// NewManager constructs an empty clock Manager.
func NewManager() *Manager {
	return &Manager{conditions: make(map[Format]*Condition)}
}

// Register returns the shared Condition for fmt, starting its worker
// goroutine if this is the first registration for that format.
func (m *Manager) Register(f Format) *Condition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conditions[f]; ok {
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		return c
	}

	c := &Condition{stopCh: make(chan struct{}), refs: 1}
	c.cond = sync.NewCond(&c.mu)
	m.conditions[f] = c
	go m.tick(f, c)
	return c
}

// Unregister decrements the condition's refcount, tearing down its
// worker goroutine when the last holder leaves.
func (m *Manager) Unregister(f Format) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conditions[f]
	if !ok {
		return
	}
	c.mu.Lock()
	c.refs--
	done := c.refs <= 0
	c.mu.Unlock()

	if done {
		close(c.stopCh)
		delete(m.conditions, f)
	}
}

func (m *Manager) tick(f Format, c *Condition) {
	period := f.period()
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.sequence++
			c.cond.Broadcast()
			c.mu.Unlock()
		}
	}
}

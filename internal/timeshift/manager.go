// Package timeshift implements spec §4.D's unified jitter / timeshift
// manager: a per-source ring buffer of tagged packets, a shared
// adaptive playout delay per stream, and a dispatch loop that releases
// packets to every registered processor at the same instant.
//
// The ring design is grounded on the priming/pop semantics of the
// rustyguts-bken reference jitter buffer, generalized from one playback
// target per sender to many named consumers per source_tag.
package timeshift

import (
	"sync"
	"time"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

// Config bundles the tuning parameters spec §6 attributes to the
// timeshift manager.
type Config struct {
	Retention              time.Duration
	TargetBufferLevelMs    int
	MaxAdaptiveDelayMs     int
	LatePacketThresholdMs  int
	LoopMaxSleepMs         int
	CleanupIntervalMs      int
	JitterSmoothingAlpha   float64
	JitterSafetyMultiplier float64
}

// consumer is one registered processor reading a stream.
type consumer struct {
	processorID   string
	out           *queue.Queue[audiopkt.Packet]
	staticDelayMs int
	timeshiftSec  float64
	readIndex     int
}

// stream is the per-source_tag state (spec §3 "Stream state").
type stream struct {
	mu sync.Mutex

	sourceTag string
	ring      []audiopkt.Packet // ordered oldest..newest
	consumers map[string]*consumer

	unifiedAdaptiveDelayMs float64
	smoothedJitterMs       float64
	lastArrival            time.Time
	expectedIntervalMs     float64

	lateCount uint64
	lastSeen  time.Time
}

// Manager is the central fan-in/fan-out component (spec §4.D).
type Manager struct {
	cfg Config
	log telemetry.Logger

	mu      sync.Mutex
	streams map[string]*stream

	stopCh  chan struct{}
	wakeCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewManager constructs a Manager; call Run to start its dispatch loop.
func NewManager(cfg Config, log telemetry.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log,
		streams: make(map[string]*stream),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
}

// AddPacket ingests one packet (spec §4.D "Ingest"). Implements
// receiver.Sink.
func (m *Manager) AddPacket(p audiopkt.Packet) {
	st := m.streamFor(p.SourceTag)

	st.mu.Lock()
	if !st.lastArrival.IsZero() {
		interval := p.ReceivedTime.Sub(st.lastArrival).Seconds() * 1000
		if st.expectedIntervalMs == 0 {
			st.expectedIntervalMs = interval
		}
		deviation := interval - st.expectedIntervalMs
		if deviation < 0 {
			deviation = -deviation
		}
		alpha := m.cfg.JitterSmoothingAlpha
		st.smoothedJitterMs = alpha*deviation + (1-alpha)*st.smoothedJitterMs
	}
	st.lastArrival = p.ReceivedTime
	st.lastSeen = p.ReceivedTime

	st.ring = append(st.ring, p)
	cutoff := time.Now().Add(-m.cfg.Retention)
	evictBefore := 0
	for evictBefore < len(st.ring) && st.ring[evictBefore].ReceivedTime.Before(cutoff) {
		evictBefore++
	}
	if evictBefore > 0 {
		st.ring = append([]audiopkt.Packet(nil), st.ring[evictBefore:]...)
		for _, c := range st.consumers {
			c.readIndex -= evictBefore
			if c.readIndex < 0 {
				c.readIndex = 0
			}
		}
	}

	m.recomputeDelayLocked(st)
	st.mu.Unlock()

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) recomputeDelayLocked(st *stream) {
	maxStatic := 0.0
	for _, c := range st.consumers {
		if float64(c.staticDelayMs) > maxStatic {
			maxStatic = float64(c.staticDelayMs)
		}
	}
	jitterFloor := m.cfg.JitterSafetyMultiplier * st.smoothedJitterMs
	delay := maxStatic
	if jitterFloor > delay {
		delay = jitterFloor
	}
	if delay < float64(m.cfg.TargetBufferLevelMs) {
		delay = float64(m.cfg.TargetBufferLevelMs)
	}
	if delay > float64(m.cfg.MaxAdaptiveDelayMs) {
		delay = float64(m.cfg.MaxAdaptiveDelayMs)
	}
	st.unifiedAdaptiveDelayMs = delay
}

func (m *Manager) streamFor(tag string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[tag]
	if !ok {
		st = &stream{sourceTag: tag, consumers: make(map[string]*consumer)}
		m.streams[tag] = st
	}
	return st
}

// RegisterProcessor adds a new consumer to a stream (spec §4.D "Consumer
// registration"), seeking its read position to timeshiftSec behind the
// current tail.
func (m *Manager) RegisterProcessor(processorID, sourceTag string, out *queue.Queue[audiopkt.Packet], staticDelayMs int, timeshiftSec float64) {
	st := m.streamFor(sourceTag)
	st.mu.Lock()
	defer st.mu.Unlock()

	idx := len(st.ring)
	if timeshiftSec > 0 && len(st.ring) > 0 {
		target := st.ring[len(st.ring)-1].ReceivedTime.Add(-time.Duration(timeshiftSec * float64(time.Second)))
		idx = 0
		for idx < len(st.ring) && st.ring[idx].ReceivedTime.Before(target) {
			idx++
		}
	}

	st.consumers[processorID] = &consumer{
		processorID:   processorID,
		out:           out,
		staticDelayMs: staticDelayMs,
		timeshiftSec:  timeshiftSec,
		readIndex:     idx,
	}
	m.recomputeDelayLocked(st)
}

// UnregisterProcessor removes a consumer.
func (m *Manager) UnregisterProcessor(processorID, sourceTag string) {
	st := m.streamFor(sourceTag)
	st.mu.Lock()
	delete(st.consumers, processorID)
	m.recomputeDelayLocked(st)
	st.mu.Unlock()
}

// UpdateTimeshift re-seeks a registered processor's read position (spec
// §4.E "timeshift_sec changes are forwarded to the timeshift manager
// which re-seeks read_index").
func (m *Manager) UpdateTimeshift(processorID, sourceTag string, timeshiftSec float64) {
	st := m.streamFor(sourceTag)
	st.mu.Lock()
	defer st.mu.Unlock()
	c, ok := st.consumers[processorID]
	if !ok {
		return
	}
	c.timeshiftSec = timeshiftSec
	idx := len(st.ring)
	if timeshiftSec > 0 && len(st.ring) > 0 {
		target := st.ring[len(st.ring)-1].ReceivedTime.Add(-time.Duration(timeshiftSec * float64(time.Second)))
		idx = 0
		for idx < len(st.ring) && st.ring[idx].ReceivedTime.Before(target) {
			idx++
		}
	}
	c.readIndex = idx
}

// StreamStats are the per-stream observable metrics spec §4.D names.
type StreamStats struct {
	BufferDepth      int
	SmoothedJitterMs float64
	UnifiedDelayMs   float64
	LateCount        uint64
}

// Stats returns a snapshot for one source_tag, if known.
func (m *Manager) Stats(sourceTag string) (StreamStats, bool) {
	m.mu.Lock()
	st, ok := m.streams[sourceTag]
	m.mu.Unlock()
	if !ok {
		return StreamStats{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return StreamStats{
		BufferDepth:      len(st.ring),
		SmoothedJitterMs: st.smoothedJitterMs,
		UnifiedDelayMs:   st.unifiedAdaptiveDelayMs,
		LateCount:        st.lateCount,
	}, true
}

// Run starts the dispatch loop (spec §4.D "Dispatch") and the periodic
// cleanup sweep. It blocks until Stop is called.
func (m *Manager) Run() {
	defer close(m.doneCh)
	cleanupTicker := time.NewTicker(time.Duration(m.cfg.CleanupIntervalMs) * time.Millisecond)
	defer cleanupTicker.Stop()

	for {
		m.dispatchOnce()

		select {
		case <-m.stopCh:
			return
		case <-cleanupTicker.C:
			m.cleanup()
		case <-m.wakeCh:
		case <-time.After(time.Duration(m.cfg.LoopMaxSleepMs) * time.Millisecond):
		}
	}
}

func (m *Manager) dispatchOnce() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, st := range streams {
		st.mu.Lock()
		for _, c := range st.consumers {
			for c.readIndex < len(st.ring) {
				pkt := st.ring[c.readIndex]
				targetPlayout := pkt.ReceivedTime.
					Add(time.Duration(st.unifiedAdaptiveDelayMs) * time.Millisecond).
					Add(-time.Duration(c.timeshiftSec * float64(time.Second)))
				if now.Before(targetPlayout) {
					break
				}
				lateBy := now.Sub(targetPlayout)
				if lateBy > time.Duration(m.cfg.LatePacketThresholdMs)*time.Millisecond {
					st.lateCount++
				}
				c.out.TryPush(pkt.Clone())
				c.readIndex++
			}
		}
		st.mu.Unlock()
	}
}

func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.Retention)
	for tag, st := range m.streams {
		st.mu.Lock()
		expired := st.lastSeen.Before(cutoff) && len(st.consumers) == 0
		st.mu.Unlock()
		if expired {
			delete(m.streams, tag)
			m.log.Debugw("timeshift stream reaped", "source_tag", tag)
		}
	}
}

// Stop halts the dispatch loop and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

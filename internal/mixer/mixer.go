// Package mixer implements spec §4.F's sink mixer: one goroutine per
// sink, ticking at the sink's output chunk cadence, summing the latest
// available chunk from each connected path and handing the result to a
// network sender.
//
// The ticker-paced mix-cycle shape (peek-or-silence per contributor,
// accumulate, clamp, encode, send) is grounded on
// flowpbx-flowpbx/internal/media/mixer.go's mixCycle, generalized from
// fixed G.711 participants to the spec's arbitrary per-sink path set and
// bit depth.
package mixer

import (
	"math"
	"sync"
	"time"

	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

// Sender is the narrow interface the mixer drives; concrete senders
// (Scream/RTP/WebRTC) live in internal/sender.
type Sender interface {
	SendPayload(payload []byte, csrcs []string) error
}

// Config is a sink's stable output format (spec §3 "Sink").
type Config struct {
	SinkID         string
	SampleRate     int
	BitDepth       int
	Channels       int
	FramesPerChunk int

	GracePeriod     time.Duration
	UnderrunHold    time.Duration
	SoftClipEnabled bool
	SoftClipThresh  float32
	SoftClipKnee    float32
}

type contributor struct {
	pathID string
	in     *queue.Queue[processor.ProcessedChunk]
	muted  bool
	mutedAt time.Time
	lastSeen time.Time
}

// Mixer runs the mix loop for one sink.
type Mixer struct {
	cfg    Config
	log    telemetry.Logger
	sender Sender

	mu           sync.RWMutex
	contributors map[string]*contributor

	underrunCount uint64
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New constructs a Mixer bound to sender; call Run to start its loop.
func New(cfg Config, log telemetry.Logger, sender Sender) *Mixer {
	return &Mixer{
		cfg:          cfg,
		log:          log,
		sender:       sender,
		contributors: make(map[string]*contributor),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Connect adds a path as a mix contributor (spec §3 Sink
// "connected_source_path_ids").
func (m *Mixer) Connect(pathID string, in *queue.Queue[processor.ProcessedChunk]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contributors[pathID] = &contributor{pathID: pathID, in: in, lastSeen: time.Now()}
}

// Disconnect removes a path from the mix.
func (m *Mixer) Disconnect(pathID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contributors, pathID)
}

// ConnectedPaths returns the currently connected path IDs, for
// reconciliation diffing.
func (m *Mixer) ConnectedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contributors))
	for id := range m.contributors {
		ids = append(ids, id)
	}
	return ids
}

// Run ticks at the sink's chunk cadence (frames_per_chunk / sample_rate)
// until Stop is called.
func (m *Mixer) Run() {
	defer close(m.doneCh)
	period := time.Duration(float64(m.cfg.FramesPerChunk) / float64(m.cfg.SampleRate) * float64(time.Second))
	if period <= 0 {
		period = 6 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mixCycle()
		}
	}
}

func (m *Mixer) mixCycle() {
	m.mu.RLock()
	contributors := make([]*contributor, 0, len(m.contributors))
	for _, c := range m.contributors {
		contributors = append(contributors, c)
	}
	m.mu.RUnlock()

	acc := make([][]float32, m.cfg.Channels)
	for c := range acc {
		acc[c] = make([]float32, m.cfg.FramesPerChunk)
	}

	var csrcs []string
	now := time.Now()

	for _, c := range contributors {
		m.mu.RLock()
		muted := c.muted
		m.mu.RUnlock()

		// A contributor already in sustained underrun (spec §4.F
		// "Underrun policy") skips the grace-period wait entirely and is
		// only checked for an immediate chunk, mirroring
		// flowpbx-flowpbx's mixCycle skipping muted participants outright
		// rather than waiting on their socket each cycle.
		var chunk processor.ProcessedChunk
		var ok bool
		if muted {
			chunk, ok = c.in.TryPop()
		} else {
			// Peek the next chunk, waiting out the full grace period
			// before declaring this contributor silent this tick (spec
			// §4.F step 1).
			chunk, ok = c.in.PopWait(m.cfg.GracePeriod)
		}
		if !ok {
			m.mu.Lock()
			if now.Sub(c.lastSeen) > m.cfg.UnderrunHold {
				c.muted = true
			}
			m.underrunCount++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		c.lastSeen = now
		c.muted = false
		m.mu.Unlock()

		for ch := 0; ch < m.cfg.Channels && ch < len(chunk.Samples); ch++ {
			src := chunk.Samples[ch]
			for i := 0; i < m.cfg.FramesPerChunk && i < len(src); i++ {
				acc[ch][i] += src[i]
			}
		}
		csrcs = append(csrcs, chunk.PathID)
	}

	for ch := range acc {
		for i := range acc[ch] {
			acc[ch][i] = m.clamp(acc[ch][i])
		}
	}

	payload := dsp.Encode(acc, m.cfg.BitDepth)
	if err := m.sender.SendPayload(payload, csrcs); err != nil {
		m.log.Warnw("sink send failed", "sink_id", m.cfg.SinkID, "err", err)
	}
}

func (m *Mixer) clamp(v float32) float32 {
	if !m.cfg.SoftClipEnabled {
		if v > 1 {
			return 1
		}
		if v < -1 {
			return -1
		}
		return v
	}
	if v > m.cfg.SoftClipThresh || v < -m.cfg.SoftClipThresh {
		sign := float32(1)
		if v < 0 {
			sign = -1
			v = -v
		}
		over := v - m.cfg.SoftClipThresh
		knee := m.cfg.SoftClipKnee
		if knee <= 0 {
			knee = 0.1
		}
		v = m.cfg.SoftClipThresh + knee*tanhf(over/knee)
		v *= sign
	}
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return v
}

func tanhf(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// UnderrunCount returns the cumulative count of ticks where a contributor
// had no chunk available (spec §4.F underrun policy, exposed as a
// metric — see SUPPLEMENTED FEATURES in SPEC_FULL.md).
func (m *Mixer) UnderrunCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.underrunCount
}

// Stop halts the mix loop.
func (m *Mixer) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

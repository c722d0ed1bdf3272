package engine

import "github.com/screamrouter/engine/internal/timeshift"

// PathMetrics is one source path's observable state for the metrics
// surface (spec §4.H "GET /v1/metrics").
type PathMetrics struct {
	PathID       string               `json:"path_id"`
	SourceTag    string               `json:"source_tag"`
	TargetSinkID string               `json:"target_sink_id"`
	ConnectedTo  string               `json:"connected_to,omitempty"`
	Timeshift    timeshift.StreamStats `json:"timeshift"`

	InQueueDropped  uint64 `json:"in_queue_dropped"`
	OutQueueDropped uint64 `json:"out_queue_dropped"`
}

// SinkMetrics is one sink's observable state.
type SinkMetrics struct {
	SinkID         string `json:"sink_id"`
	Protocol       string `json:"protocol"`
	ConnectedPaths int    `json:"connected_paths"`
	UnderrunCount  uint64 `json:"underrun_count"`
}

// Metrics is a point-in-time snapshot of every live path and sink.
type Metrics struct {
	Paths []PathMetrics `json:"paths"`
	Sinks []SinkMetrics `json:"sinks"`
}

// Metrics gathers the timeshift, mixer, and sender counters spec §4.H's
// metrics interface exposes.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	paths := make([]*pathEntry, 0, len(m.pathsByID))
	for _, p := range m.pathsByID {
		paths = append(paths, p)
	}
	sinks := make([]*sinkEntry, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()

	out := Metrics{
		Paths: make([]PathMetrics, 0, len(paths)),
		Sinks: make([]SinkMetrics, 0, len(sinks)),
	}
	for _, p := range paths {
		stats, _ := m.timeshiftMgr.Stats(p.spec.SourceTag)
		out.Paths = append(out.Paths, PathMetrics{
			PathID:          p.spec.PathID,
			SourceTag:       p.spec.SourceTag,
			TargetSinkID:    p.spec.TargetSinkID,
			ConnectedTo:     p.sinkID,
			Timeshift:       stats,
			InQueueDropped:  p.in.Dropped(),
			OutQueueDropped: p.out.Dropped(),
		})
	}
	for _, s := range sinks {
		out.Sinks = append(out.Sinks, SinkMetrics{
			SinkID:         s.spec.SinkID,
			Protocol:       string(s.spec.Protocol),
			ConnectedPaths: len(s.mixer.ConnectedPaths()),
			UnderrunCount:  s.mixer.UnderrunCount(),
		})
	}
	return out
}

package mixer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/mixer"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingSender) SendPayload(payload []byte, csrcs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte(nil), payload...)
	r.payloads = append(r.payloads, cp)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func testConfig() mixer.Config {
	return mixer.Config{
		SinkID:         "sink1",
		SampleRate:     48000,
		BitDepth:       16,
		Channels:       2,
		FramesPerChunk: 4,
		GracePeriod:    5 * time.Millisecond,
		UnderrunHold:   100 * time.Millisecond,
	}
}

func TestMixSumsTwoContributors(t *testing.T) {
	sender := &recordingSender{}
	m := mixer.New(testConfig(), telemetry.NewNop(), sender)
	go m.Run()
	defer m.Stop()

	qa := queue.New[processor.ProcessedChunk](10, queue.Block)
	qb := queue.New[processor.ProcessedChunk](10, queue.Block)
	m.Connect("pathA", qa)
	m.Connect("pathB", qb)

	samplesA := [][]float32{{0.1, 0.1, 0.1, 0.1}, {0, 0, 0, 0}}
	samplesB := [][]float32{{0.2, 0.2, 0.2, 0.2}, {0, 0, 0, 0}}
	qa.Push(processor.ProcessedChunk{PathID: "pathA", Samples: samplesA})
	qb.Push(processor.ProcessedChunk{PathID: "pathB", Samples: samplesB})

	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"pathA", "pathB"}, m.ConnectedPaths())
}

func TestMissingContributorTreatedAsSilence(t *testing.T) {
	sender := &recordingSender{}
	m := mixer.New(testConfig(), telemetry.NewNop(), sender)
	go m.Run()
	defer m.Stop()

	qa := queue.New[processor.ProcessedChunk](10, queue.Block)
	m.Connect("pathA", qa)
	// never push to qa; mixer must still tick and send silence without blocking.

	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 10*time.Millisecond)
}

func TestDisconnectRemovesContributor(t *testing.T) {
	sender := &recordingSender{}
	m := mixer.New(testConfig(), telemetry.NewNop(), sender)
	qa := queue.New[processor.ProcessedChunk](10, queue.Block)
	m.Connect("pathA", qa)
	m.Disconnect("pathA")
	assert.Empty(t, m.ConnectedPaths())
}

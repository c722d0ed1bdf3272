package timeshift_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
	"github.com/screamrouter/engine/internal/timeshift"
)

func testConfig() timeshift.Config {
	return timeshift.Config{
		Retention:              30 * time.Second,
		TargetBufferLevelMs:    8,
		MaxAdaptiveDelayMs:     200,
		LatePacketThresholdMs:  10,
		LoopMaxSleepMs:         5,
		CleanupIntervalMs:      1000,
		JitterSmoothingAlpha:   1.0 / 16,
		JitterSafetyMultiplier: 2.5,
	}
}

func mkPacket(tag string, ts uint32) audiopkt.Packet {
	return audiopkt.Packet{
		SourceTag:    tag,
		ReceivedTime: time.Now(),
		RTPTimestamp: ts,
		HasRTPTS:     true,
		SampleRate:   48000,
		Channels:     2,
		BitDepth:     16,
		Audio:        make([]byte, 4),
	}
}

func TestUnifiedDispatchDeliversSamePacketToAllConsumers(t *testing.T) {
	m := timeshift.NewManager(testConfig(), telemetry.NewNop())
	go m.Run()
	defer m.Stop()

	qa := queue.New[audiopkt.Packet](100, queue.Block)
	qb := queue.New[audiopkt.Packet](100, queue.Block)
	m.RegisterProcessor("procA", "tag1", qa, 50, 0)
	m.RegisterProcessor("procB", "tag1", qb, 150, 0)

	for i := 0; i < 10; i++ {
		m.AddPacket(mkPacket("tag1", uint32(i*480)))
	}

	require.Eventually(t, func() bool {
		return qa.Len() > 0 && qb.Len() > 0
	}, 2*time.Second, 10*time.Millisecond)

	pa, ok := qa.TryPop()
	require.True(t, ok)
	pb, ok := qb.TryPop()
	require.True(t, ok)
	assert.Equal(t, pa.RTPTimestamp, pb.RTPTimestamp)
	assert.Equal(t, pa.SourceTag, pb.SourceTag)
}

func TestLatePacketStillDeliveredAndCounted(t *testing.T) {
	m := timeshift.NewManager(testConfig(), telemetry.NewNop())
	go m.Run()
	defer m.Stop()

	q := queue.New[audiopkt.Packet](10, queue.Block)
	m.RegisterProcessor("p1", "latetag", q, 0, 0)

	pkt := mkPacket("latetag", 0)
	pkt.ReceivedTime = time.Now().Add(-200 * time.Millisecond)
	m.AddPacket(pkt)

	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, 10*time.Millisecond)
	stats, ok := m.Stats("latetag")
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.LateCount, uint64(1))
}

func TestUnregisterRemovesConsumer(t *testing.T) {
	m := timeshift.NewManager(testConfig(), telemetry.NewNop())
	go m.Run()
	defer m.Stop()

	q := queue.New[audiopkt.Packet](10, queue.Block)
	m.RegisterProcessor("p1", "tag2", q, 0, 0)
	m.UnregisterProcessor("p1", "tag2")
	m.AddPacket(mkPacket("tag2", 0))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

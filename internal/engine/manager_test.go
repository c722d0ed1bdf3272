package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/config"
	"github.com/screamrouter/engine/internal/engine"
	"github.com/screamrouter/engine/internal/engineconfig"
	"github.com/screamrouter/engine/internal/telemetry"
)

func testConfig() engineconfig.EngineConfig {
	cfg := engineconfig.Defaults()
	// Ephemeral ports for the Scream and RTP receivers; the per-process
	// receiver still binds ScreamPort+1 (port 1).
	cfg.ScreamPort = 0
	cfg.RTPPort = 0
	cfg.FramesPerChunk = 288
	return cfg
}

func TestManagerAddSourcePathAddSinkConnectWiresThroughMixer(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	instanceID := uuid.NewString()
	pathSpec := config.SourcePathSpec{
		PathID: "path-1", SourceTag: "tag-a", TargetSinkID: "sink-1",
		Volume: 1.0, TargetOutputChannels: 2, TargetOutputSampleRate: 48000,
	}
	require.NoError(t, m.AddSourcePath(pathSpec, instanceID))

	sinkSpec := config.SinkSpec{
		SinkID: "sink-1", Protocol: config.ProtocolRTP, IP: "127.0.0.1", Port: 40400,
		SampleRate: 48000, BitDepth: 16, Channels: 2,
	}
	require.NoError(t, m.AddSink(sinkSpec))

	require.NoError(t, m.ConnectSourceToSink(instanceID, "sink-1"))
	require.NoError(t, m.DisconnectSourceFromSink(instanceID, "sink-1"))
}

func TestManagerRemoveSourcePathOnUnknownIDErrors(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	err := m.RemoveSourcePath("no-such-path")
	assert.Error(t, err)
}

func TestManagerRemoveSinkOnUnknownIDErrors(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	err := m.RemoveSink("no-such-sink")
	assert.Error(t, err)
}

func TestManagerConnectUnknownInstanceOrSinkErrors(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	assert.Error(t, m.ConnectSourceToSink("ghost-instance", "ghost-sink"))
}

func TestManagerAddSinkRejectsUnsupportedProtocol(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	err := m.AddSink(config.SinkSpec{SinkID: "bad", Protocol: config.ProtocolSIPManaged, IP: "127.0.0.1", Port: 1})
	assert.Error(t, err)
}

func TestManagerStopIsIdempotentAndCanRunAfterStart(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(10 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent, must not panic or block

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestManagerAddThenRemoveSourcePathDetachesFromSink(t *testing.T) {
	m := engine.New(telemetry.NewNop(), testConfig())
	t.Cleanup(m.Stop)

	instanceID := uuid.NewString()
	require.NoError(t, m.AddSourcePath(config.SourcePathSpec{
		PathID: "path-2", SourceTag: "tag-b", TargetSinkID: "sink-2",
		Volume: 1.0, TargetOutputChannels: 2, TargetOutputSampleRate: 48000,
	}, instanceID))

	require.NoError(t, m.AddSink(config.SinkSpec{
		SinkID: "sink-2", Protocol: config.ProtocolLegacyScream, IP: "127.0.0.1", Port: 40401,
		SampleRate: 48000, BitDepth: 16, Channels: 2,
		ConnectedSourcePathIDs: []string{"path-2"},
	}))

	require.NoError(t, m.RemoveSourcePath("path-2"))
	metrics := m.Metrics()
	require.Len(t, metrics.Sinks, 1)
	assert.Equal(t, 0, metrics.Sinks[0].ConnectedPaths, "removed path must leave the sink's mixer")
	assert.Error(t, m.RemoveSourcePath("path-2"), "double removal of the same path must fail")
}

package processor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

func identitySpec() processor.Spec {
	var gains [dsp.EQBandCount]float32
	for i := range gains {
		gains[i] = 1
	}
	return processor.Spec{
		PathID:                 "path1",
		SourceTag:              "tag1",
		TargetSinkID:           "sink1",
		TargetOutputChannels:   2,
		TargetOutputSampleRate: 48000,
		FramesPerChunk:         4,
		Volume:                 1,
		EQValues:               gains,
		SpeakerLayoutsMap:      map[int]dsp.LayoutSpec{2: {AutoMode: true}},
	}
}

func TestIdentityPathRoundTripsWithinOneLSB(t *testing.T) {
	in := queue.New[audiopkt.Packet](10, queue.Block)
	cmd := queue.New[processor.ParameterUpdates](10, queue.Block)
	out := queue.New[processor.ProcessedChunk](10, queue.Block)

	p := processor.New(identitySpec(), telemetry.NewNop(), in, cmd, out, nil)
	go p.Run()
	defer p.Stop()

	buf := make([]byte, 16) // 4 frames, 2 channels, 16-bit
	buf[0], buf[1] = 0x10, 0x00
	buf[2], buf[3] = 0x20, 0x00
	pkt := audiopkt.Packet{SourceTag: "tag1", SampleRate: 48000, Channels: 2, BitDepth: 16, Audio: buf}
	in.Push(pkt)

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, 5*time.Millisecond)
	chunk, ok := out.TryPop()
	require.True(t, ok)
	assert.Equal(t, "path1", chunk.PathID)
	require.Len(t, chunk.Samples, 2)
	// 0x1000 and 0x2000 are 0.125 and 0.25 of full scale.
	const lsb = 1.0 / 32768
	assert.InDelta(t, 0.125, chunk.Samples[0][0], lsb)
	assert.InDelta(t, 0.25, chunk.Samples[1][0], lsb)
	assert.InDelta(t, 0, chunk.Samples[0][1], lsb)
}

func TestUnsupportedFormatEmitsSilence(t *testing.T) {
	in := queue.New[audiopkt.Packet](10, queue.Block)
	cmd := queue.New[processor.ParameterUpdates](10, queue.Block)
	out := queue.New[processor.ProcessedChunk](10, queue.Block)

	p := processor.New(identitySpec(), telemetry.NewNop(), in, cmd, out, nil)
	go p.Run()
	defer p.Stop()

	pkt := audiopkt.Packet{SourceTag: "tag1", SampleRate: 48000, Channels: 0, BitDepth: 16, Audio: nil}
	in.Push(pkt)

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, 5*time.Millisecond)
	chunk, ok := out.TryPop()
	require.True(t, ok)
	require.Len(t, chunk.Samples, 2)
	for _, s := range chunk.Samples[0] {
		assert.Equal(t, float32(0), s)
	}
}

func TestParameterUpdateBeforePacketStillEmitsChunk(t *testing.T) {
	in := queue.New[audiopkt.Packet](10, queue.Block)
	cmd := queue.New[processor.ParameterUpdates](10, queue.Block)
	out := queue.New[processor.ProcessedChunk](10, queue.Block)

	p := processor.New(identitySpec(), telemetry.NewNop(), in, cmd, out, nil)
	go p.Run()
	defer p.Stop()

	zero := float32(0)
	cmd.Push(processor.ParameterUpdates{Volume: &zero})

	buf := make([]byte, 16)
	pkt := audiopkt.Packet{SourceTag: "tag1", SampleRate: 48000, Channels: 2, BitDepth: 16, Audio: buf}
	in.Push(pkt)

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, 5*time.Millisecond)
}

package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip16Bit(t *testing.T) {
	buf := make([]byte, 8) // 2 frames, 2 channels, 16-bit
	buf[0], buf[1] = 0x00, 0x01
	buf[2], buf[3] = 0xFF, 0xFF
	buf[4], buf[5] = 0x10, 0x00
	buf[6], buf[7] = 0x00, 0x00

	chans := Decode(buf, 2, 16)
	require.Len(t, chans, 2)
	require.Len(t, chans[0], 2)

	out := Encode(chans, 16)
	assert.Equal(t, len(buf), len(out))
	// round trip within 1 LSB, compared per big-endian 16-bit sample
	for i := 0; i+1 < len(buf); i += 2 {
		want := int(int16(uint16(buf[i])<<8 | uint16(buf[i+1])))
		got := int(int16(uint16(out[i])<<8 | uint16(out[i+1])))
		diff := want - got
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 1)
	}
}

func TestIdentityLayoutPassesThrough(t *testing.T) {
	in := [][]float32{{0.1, 0.2}, {0.3, 0.4}}
	out := RemapFrames(in, LayoutSpec{AutoMode: true}, 2)
	assert.InDelta(t, 0.1, out[0][0], 1e-6)
	assert.InDelta(t, 0.3, out[1][0], 1e-6)
}

func TestMonoToStereoDuplicates(t *testing.T) {
	in := [][]float32{{0.5, -0.5}}
	out := RemapFrames(in, LayoutSpec{AutoMode: true}, 2)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.5, out[0][0], 1e-6)
	assert.InDelta(t, 0.5, out[1][0], 1e-6)
}

func TestDelayLineDelaysBySpecifiedFrames(t *testing.T) {
	d := NewDelayLine(1000, 1, 3) // 3 frames of delay at 1kHz
	in := [][]float32{{1, 2, 3, 4, 5}}
	out := d.Process(in)
	assert.Equal(t, []float32{0, 0, 0, 1, 2}, out[0])
}

func TestEQUnityGainIsIdentity(t *testing.T) {
	eq := NewEQ(48000, 1)
	var gains [EQBandCount]float32
	for i := range gains {
		gains[i] = 1
	}
	eq.SetGains(gains, false)
	in := [][]float32{{0.1, 0.2, 0.3, -0.1}}
	out := eq.Process(in)
	for i := range in[0] {
		assert.InDelta(t, in[0][i], out[0][i], 0.05)
	}
}

func TestVolumeControlSmoothsWithoutJump(t *testing.T) {
	vc := NewVolumeControl(0.05)
	vc.SetVolume(0)
	silence := [][]float32{make([]float32, 100)}
	for i := range silence[0] {
		silence[0][i] = 1.0
	}
	_ = vc.Process(silence)

	vc.SetVolume(1.0)
	chunk := [][]float32{make([]float32, 50)}
	for i := range chunk[0] {
		chunk[0][i] = 1.0
	}
	out := vc.Process(chunk)

	for i := 1; i < len(out[0]); i++ {
		assert.GreaterOrEqual(t, out[0][i]+1e-6, out[0][i-1], "envelope must be non-decreasing while ramping toward higher volume")
	}
}

func TestFramerEmitsFixedSizeChunksWithRemainder(t *testing.T) {
	f := NewFramer(1, 4)
	chunks := f.Push([][]float32{{1, 2, 3, 4, 5}})
	require.Len(t, chunks, 1)
	assert.Equal(t, []float32{1, 2, 3, 4}, chunks[0][0])

	chunks = f.Push([][]float32{{6, 7, 8}})
	require.Len(t, chunks, 1)
	assert.Equal(t, []float32{5, 6, 7, 8}, chunks[0][0])
}

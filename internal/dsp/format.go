// Package dsp provides the per-stage signal-processing primitives spec
// §4.E's source input processor chains together: format normalize,
// channel remap, resample, delay line, 18-band EQ, volume smoothing,
// and volume normalization (AGC).
//
// Every stage works on []float32 frames in host order, de-interleaved
// per channel as [][]float32 (outer index = channel), which is the
// shape every later stage expects.
package dsp

import "encoding/binary"

// Decode converts a big-endian interleaved wire buffer (spec §4.E.1
// "Format normalize") at the given bit depth/channel count into
// per-channel float32 frames normalized to [-1, 1].
func Decode(buf []byte, channels, bitDepth int) [][]float32 {
	bytesPerSample := bitDepth / 8
	frameSize := bytesPerSample * channels
	if frameSize == 0 {
		return nil
	}
	frames := len(buf) / frameSize
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}

	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			off := f*frameSize + c*bytesPerSample
			out[c][f] = decodeSample(buf[off:off+bytesPerSample], bitDepth)
		}
	}
	return out
}

func decodeSample(b []byte, bitDepth int) float32 {
	switch bitDepth {
	case 8:
		// Scream/WAV 8-bit PCM is unsigned.
		return (float32(b[0]) - 128) / 128
	case 16:
		v := int16(binary.BigEndian.Uint16(b))
		return float32(v) / 32768
	case 24:
		v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float32(v) / 8388608
	case 32:
		v := int32(binary.BigEndian.Uint32(b))
		return float32(v) / 2147483648
	default:
		return 0
	}
}

// Encode converts per-channel float32 frames back to an interleaved
// big-endian wire buffer at the given bit depth, clamping to range.
func Encode(channelsData [][]float32, bitDepth int) []byte {
	if len(channelsData) == 0 {
		return nil
	}
	channels := len(channelsData)
	frames := len(channelsData[0])
	bytesPerSample := bitDepth / 8
	out := make([]byte, frames*channels*bytesPerSample)

	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			off := f*channels*bytesPerSample + c*bytesPerSample
			encodeSample(out[off:off+bytesPerSample], clamp(channelsData[c][f], -1, 1), bitDepth)
		}
	}
	return out
}

func encodeSample(b []byte, v float32, bitDepth int) {
	switch bitDepth {
	case 8:
		b[0] = byte(v*128 + 128)
	case 16:
		binary.BigEndian.PutUint16(b, uint16(int16(v*32767)))
	case 24:
		iv := int32(v * 8388607)
		b[0] = byte(iv >> 16)
		b[1] = byte(iv >> 8)
		b[2] = byte(iv)
	case 32:
		binary.BigEndian.PutUint32(b, uint32(int32(v*2147483647)))
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

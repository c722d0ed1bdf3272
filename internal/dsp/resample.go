package dsp

import (
	resampler "github.com/tphakala/go-audio-resampler"
)

// Resampler wraps one polyphase resampler instance per channel, resampling
// from in to out sample rate (spec §4.E.3). The spec only requires steady
// state output frame count to match input_frames * out/in within one
// frame, which a per-channel, call-to-call-continuous polyphase resampler
// satisfies.
type Resampler struct {
	inRate, outRate int
	channels        int
	perChannel      []*resampler.Resampler
}

// NewResampler constructs a Resampler for a fixed channel count and rate
// pair. Channel count changes (e.g. after a layout remap upstream) require
// constructing a new Resampler.
func NewResampler(inRate, outRate, channels int) *Resampler {
	r := &Resampler{inRate: inRate, outRate: outRate, channels: channels}
	if inRate == outRate {
		return r
	}
	r.perChannel = make([]*resampler.Resampler, channels)
	for c := range r.perChannel {
		r.perChannel[c] = resampler.New(inRate, outRate, resampler.QualityHigh)
	}
	return r
}

// Process resamples de-interleaved channel data in place (returns new
// slices; identity when rates match).
func (r *Resampler) Process(in [][]float32) [][]float32 {
	if r.inRate == r.outRate || r.perChannel == nil {
		return in
	}
	out := make([][]float32, len(in))
	for c := range in {
		if c >= len(r.perChannel) {
			out[c] = in[c]
			continue
		}
		out[c] = r.perChannel[c].Process(in[c])
	}
	return out
}

// Reconfigure swaps in new rates, resetting internal resampler state
// (used when a source's sample rate changes mid-stream).
func (r *Resampler) Reconfigure(inRate, outRate, channels int) {
	*r = *NewResampler(inRate, outRate, channels)
}

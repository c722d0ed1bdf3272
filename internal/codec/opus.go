// Package codec wraps the Opus encoder/decoder for the WebRTC sender
// (spec §4.G "Encodes the 32-bit PCM buffer to Opus ... 2.5 ms frames =
// 120 samples @ 48 kHz per channel").
package codec

import (
	"fmt"
	"strings"

	"gopkg.in/hraban/opus.v2"
)

const (
	// OpusSampleRate is the fixed Opus operating rate; non-48k sink
	// output is resampled upstream before reaching the encoder.
	OpusSampleRate = 48000
	// OpusFrameSamples is 2.5 ms at 48 kHz per spec §4.G / §6.
	OpusFrameSamples = 120
)

// opusEncoder is the subset opus.Encoder and opus.MultistreamEncoder both
// satisfy, so Encoder can hold either without a type switch at encode
// time.
type opusEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

// Encoder wraps an Opus (or multistream Opus) encoder for interleaved
// float32 PCM input.
type Encoder struct {
	channels    int
	enc         opusEncoder
	multistream bool
}

// channelMapping is one row of the Opus/Vorbis "channel mapping family 1"
// table (RFC 7845 §5.1.1.2): how a >2-channel signal splits into coupled
// (stereo) and uncoupled (mono) Opus streams, and how those streams'
// decoded channels map back to output channel order.
type channelMapping struct {
	streams        int
	coupledStreams int
	mapping        []byte
}

// familyOneMappings is the fixed channel-mapping-family-1 table for 3-8
// channels (1 and 2 channels use the plain, non-multistream encoder).
var familyOneMappings = map[int]channelMapping{
	3: {streams: 2, coupledStreams: 1, mapping: []byte{0, 2, 1}},
	4: {streams: 2, coupledStreams: 2, mapping: []byte{0, 1, 2, 3}},
	5: {streams: 3, coupledStreams: 2, mapping: []byte{0, 4, 1, 2, 3}},
	6: {streams: 4, coupledStreams: 2, mapping: []byte{0, 4, 1, 2, 3, 5}},
	7: {streams: 4, coupledStreams: 3, mapping: []byte{0, 4, 1, 2, 3, 5, 6}},
	8: {streams: 5, coupledStreams: 3, mapping: []byte{0, 6, 1, 2, 3, 4, 5, 7}},
}

// MultistreamFmtpParams returns the SDP fmtp attributes describing
// channels' channel-mapping-family-1 layout, for a WebRTC sink to
// advertise alongside its Opus codec (empty for mono/stereo, which need
// no mapping beyond plain Opus). Mirrors the mapping NewEncoder actually
// builds, so negotiation and encoding never disagree.
func MultistreamFmtpParams(channels int) string {
	m, ok := familyOneMappings[channels]
	if !ok {
		return ""
	}
	mapping := make([]string, len(m.mapping))
	for i, b := range m.mapping {
		mapping[i] = fmt.Sprintf("%d", b)
	}
	return fmt.Sprintf("num_streams=%d;coupled_streams=%d;channel_mapping=%s",
		m.streams, m.coupledStreams, strings.Join(mapping, ","))
}

// NewEncoder builds an Opus encoder for channels at OpusSampleRate, tuned
// for low-latency audio per the engine's real-time routing use case.
// channels >= 3 get a multistream encoder using the fixed family-1
// channel mapping above (spec §4.G "multi-stream Opus for >=3 channels");
// mono/stereo use the plain encoder.
func NewEncoder(channels int) (*Encoder, error) {
	application := opus.AppAudio

	if m, ok := familyOneMappings[channels]; ok {
		enc, err := opus.NewMultistreamEncoder(OpusSampleRate, channels, m.streams, m.coupledStreams, m.mapping, application)
		if err != nil {
			return nil, fmt.Errorf("codec: new multistream opus encoder: %w", err)
		}
		return &Encoder{channels: channels, enc: enc, multistream: true}, nil
	}

	enc, err := opus.NewEncoder(OpusSampleRate, channels, application)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	return &Encoder{channels: channels, enc: enc}, nil
}

// EncodeFrame encodes exactly OpusFrameSamples interleaved float32
// samples per channel into an Opus packet.
func (e *Encoder) EncodeFrame(interleaved []float32) ([]byte, error) {
	out := make([]byte, 4000)
	n, err := e.enc.EncodeFloat32(interleaved, out)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return out[:n], nil
}

// Decoder wraps opus.Decoder, used symmetrically for ingress
// interoperability testing (spec §4.G's contract is encode-only on the
// egress path; decode is exposed for completeness and tests).
type Decoder struct {
	channels int
	dec      *opus.Decoder
}

// NewDecoder builds an Opus decoder for channels at OpusSampleRate.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus decoder: %w", err)
	}
	return &Decoder{channels: channels, dec: dec}, nil
}

// DecodeFrame decodes one Opus packet into interleaved float32 PCM.
func (d *Decoder) DecodeFrame(packet []byte) ([]float32, error) {
	out := make([]float32, OpusFrameSamples*d.channels*6) // generous upper bound
	n, err := d.dec.DecodeFloat32(packet, out)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return out[:n*d.channels], nil
}

// Interleave converts per-channel float32 frames into one interleaved
// slice, as Opus requires.
func Interleave(chans [][]float32) []float32 {
	if len(chans) == 0 {
		return nil
	}
	frames := len(chans[0])
	out := make([]float32, frames*len(chans))
	for f := 0; f < frames; f++ {
		for c := range chans {
			out[f*len(chans)+c] = chans[c][f]
		}
	}
	return out
}

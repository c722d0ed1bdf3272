package dsp

// DelayLine is a per-channel circular buffer implementing spec §4.E.4:
// the read tap follows the write head by a configurable number of
// frames.
type DelayLine struct {
	sampleRate int
	buf        [][]float32 // per channel
	writeIdx   []int
	delayFrames int
}

// NewDelayLine allocates a delay line sized for delayMs at sampleRate,
// for the given channel count.
func NewDelayLine(sampleRate, channels, delayMs int) *DelayLine {
	frames := delayMs * sampleRate / 1000
	if frames < 0 {
		frames = 0
	}
	d := &DelayLine{
		sampleRate:  sampleRate,
		buf:         make([][]float32, channels),
		writeIdx:    make([]int, channels),
		delayFrames: frames,
	}
	for c := range d.buf {
		d.buf[c] = make([]float32, frames)
	}
	return d
}

// SetDelayMs resizes the delay line to a new delay, preserving channel
// count. Existing buffered audio is discarded (a parameter change never
// splits a chunk per spec §4.E, so a brief silence gap at the
// reconfiguration boundary is acceptable).
func (d *DelayLine) SetDelayMs(delayMs int) {
	frames := delayMs * d.sampleRate / 1000
	if frames < 0 {
		frames = 0
	}
	if frames == d.delayFrames {
		return
	}
	d.delayFrames = frames
	for c := range d.buf {
		d.buf[c] = make([]float32, frames)
		d.writeIdx[c] = 0
	}
}

// Process runs each channel's frames through its delay ring, returning
// the delayed output in newly allocated slices. With a zero-frame delay
// the input passes through unchanged.
func (d *DelayLine) Process(chans [][]float32) [][]float32 {
	out := make([][]float32, len(chans))
	for c, samples := range chans {
		if c >= len(d.buf) || len(d.buf[c]) == 0 {
			out[c] = samples
			continue
		}
		ring := d.buf[c]
		n := len(ring)
		res := make([]float32, len(samples))
		idx := d.writeIdx[c]
		for i, s := range samples {
			res[i] = ring[idx]
			ring[idx] = s
			idx = (idx + 1) % n
		}
		d.writeIdx[c] = idx
		out[c] = res
	}
	return out
}

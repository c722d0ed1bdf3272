package dsp

import "math"

// EQBandCount is the user-visible contract spec §4.E.5 fixes: 18 bands.
const EQBandCount = 18

// eqCenterFrequencies are fixed centre frequencies for the 18 bands,
// roughly third-octave spaced across the audible range. The exact
// coefficients are an implementation choice (spec §4.E.5 rationale);
// band count, not center frequency placement, is the contract.
var eqCenterFrequencies = [EQBandCount]float64{
	31.5, 44, 63, 88, 125, 177, 250, 354, 500,
	707, 1000, 1414, 2000, 2828, 4000, 5657, 8000, 11314,
}

// biquad is a single peaking-EQ second-order section (Direct Form I).
type biquad struct {
	b0, b1, b2, a1, a2 float32
	x1, x2, y1, y2     float32
}

func newPeakingBiquad(sampleRate float64, freq float64, gainDB float64, q float64) biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	b0 := 1 + alpha*a
	b1 := -2 * cosw0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw0
	a2 := 1 - alpha/a

	return biquad{
		b0: float32(b0 / a0),
		b1: float32(b1 / a0),
		b2: float32(b2 / a0),
		a1: float32(a1 / a0),
		a2: float32(a2 / a0),
	}
}

func (b *biquad) process(x float32) float32 {
	y := b.b0*x + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	b.x2, b.x1 = b.x1, x
	b.y2, b.y1 = b.y1, y
	return y
}

// EQ is an 18-band cascaded parametric equalizer, one biquad chain per
// channel per band (spec §4.E.5).
type EQ struct {
	sampleRate    float64
	gains         [EQBandCount]float32
	normalize     bool
	bands         [][EQBandCount]biquad // per channel
}

// NewEQ builds an EQ for the given channel count and sample rate, with
// all bands at unity gain.
func NewEQ(sampleRate float64, channels int) *EQ {
	e := &EQ{sampleRate: sampleRate}
	for i := range e.gains {
		e.gains[i] = 1
	}
	e.bands = make([][EQBandCount]biquad, channels)
	e.rebuild()
	return e
}

func (e *EQ) rebuild() {
	for c := range e.bands {
		for b := 0; b < EQBandCount; b++ {
			gainDB := 20 * math.Log10(math.Max(float64(e.gains[b]), 1e-6))
			e.bands[c][b] = newPeakingBiquad(e.sampleRate, eqCenterFrequencies[b], gainDB, 1.4)
		}
	}
}

// SetGains updates the per-band linear gains (spec eq_values[18]) and the
// energy-normalization flag.
func (e *EQ) SetGains(gains [EQBandCount]float32, normalize bool) {
	e.gains = gains
	e.normalize = normalize
	e.rebuild()
}

// Process runs each channel's samples through its cascade of 18 biquads,
// optionally renormalizing broadband energy to the pre-EQ RMS.
func (e *EQ) Process(chans [][]float32) [][]float32 {
	out := make([][]float32, len(chans))
	for c, samples := range chans {
		if c >= len(e.bands) {
			out[c] = samples
			continue
		}
		res := make([]float32, len(samples))
		copy(res, samples)
		for b := range e.bands[c] {
			bq := &e.bands[c][b]
			for i, s := range res {
				res[i] = bq.process(s)
			}
		}
		if e.normalize {
			normalizeEnergy(samples, res)
		}
		out[c] = res
	}
	return out
}

func normalizeEnergy(ref, out []float32) {
	refRMS := rms(ref)
	outRMS := rms(out)
	if outRMS < 1e-9 || refRMS < 1e-9 {
		return
	}
	scale := refRMS / outRMS
	for i := range out {
		out[i] *= scale
	}
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

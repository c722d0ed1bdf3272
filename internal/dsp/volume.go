package dsp

// VolumeControl applies a smoothed scalar gain (spec §4.E.6, one-pole
// LPF to avoid zipper noise) and an optional target-RMS AGC (spec
// §4.E.7).
type VolumeControl struct {
	target         float32
	current        float32
	smoothingAlpha float32

	agcEnabled   bool
	targetRMS    float32
	attackAlpha  float32
	decayAlpha   float32
	agcGain      float32
}

// NewVolumeControl builds a VolumeControl starting at unity gain.
func NewVolumeControl(smoothingFactor float32) *VolumeControl {
	return &VolumeControl{
		target:         1,
		current:        1,
		smoothingAlpha: smoothingFactor,
		agcGain:        1,
	}
}

// SetVolume sets the target linear gain; actual applied gain glides
// toward it one-pole per sample to avoid a single-sample jump.
func (v *VolumeControl) SetVolume(volume float32) {
	v.target = volume
}

// SetNormalization toggles target-RMS AGC with separate attack/decay
// time constants.
func (v *VolumeControl) SetNormalization(enabled bool, targetRMS, attackAlpha, decayAlpha float32) {
	v.agcEnabled = enabled
	v.targetRMS = targetRMS
	v.attackAlpha = attackAlpha
	v.decayAlpha = decayAlpha
}

// Process applies smoothed volume and optional AGC to every channel.
func (v *VolumeControl) Process(chans [][]float32) [][]float32 {
	out := make([][]float32, len(chans))
	for c, samples := range chans {
		res := make([]float32, len(samples))
		for i, s := range samples {
			v.current += v.smoothingAlpha * (v.target - v.current)
			res[i] = s * v.current
		}
		out[c] = res
	}

	if v.agcEnabled {
		for c := range out {
			v.applyAGC(out[c])
		}
	}
	return out
}

func (v *VolumeControl) applyAGC(samples []float32) {
	measured := rms(samples)
	if measured < 1e-9 {
		return
	}
	desiredGain := v.targetRMS / measured
	alpha := v.decayAlpha
	if desiredGain > v.agcGain {
		alpha = v.attackAlpha
	}
	v.agcGain += alpha * (desiredGain - v.agcGain)
	if v.agcGain < 0 {
		v.agcGain = 0
	}
	for i := range samples {
		samples[i] *= v.agcGain
	}
}

// CurrentGain exposes the currently applied smoothed volume, useful for
// tests asserting the non-decreasing envelope property (spec E3).
func (v *VolumeControl) CurrentGain() float32 { return v.current }

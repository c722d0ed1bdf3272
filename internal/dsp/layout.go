package dsp

// LayoutSpec is the per-input-channel-count entry of a source path's
// speaker_layouts_map (spec §3 "Source path").
type LayoutSpec struct {
	AutoMode bool
	Matrix   [][]float32 // [out][in]
}

// RemapFrames applies either an explicit matrix or, when AutoMode is set,
// the fixed default mapping documented in DESIGN.md's Open Question
// resolution, producing outChannels channels from the input frames.
func RemapFrames(in [][]float32, spec LayoutSpec, outChannels int) [][]float32 {
	inChannels := len(in)
	if inChannels == 0 {
		return nil
	}
	frames := len(in[0])

	matrix := spec.Matrix
	if spec.AutoMode || matrix == nil {
		matrix = defaultMatrix(inChannels, outChannels)
	}

	out := make([][]float32, outChannels)
	for o := 0; o < outChannels; o++ {
		out[o] = make([]float32, frames)
		row := matrix[o]
		for f := 0; f < frames; f++ {
			var acc float32
			for i := 0; i < inChannels && i < len(row); i++ {
				acc += row[i] * in[i][f]
			}
			out[o][f] = acc
		}
	}
	return out
}

// defaultMatrix implements DESIGN.md's documented auto_mode table:
// mono<->stereo, 5.1 ITU-R BS.775 downmix to stereo, identity when
// channel counts match, and an averaging fallback otherwise.
func defaultMatrix(in, out int) [][]float32 {
	if in == out {
		return identityMatrix(in)
	}
	if in == 1 && out == 2 {
		return [][]float32{{1}, {1}}
	}
	if in == 2 && out == 1 {
		return [][]float32{{0.5, 0.5}}
	}
	if in == 6 && out == 2 {
		// channel order: L, R, C, LFE, Ls, Rs
		return [][]float32{
			{1, 0, 0.707, 0, 0.707, 0},
			{0, 1, 0.707, 0, 0, 0.707},
		}
	}
	// Fallback: average all inputs into every output channel so no
	// audio is silently dropped for an unmapped combination.
	m := make([][]float32, out)
	w := float32(1) / float32(in)
	for o := range m {
		row := make([]float32, in)
		for i := range row {
			row[i] = w
		}
		m[o] = row
	}
	return m
}

func identityMatrix(n int) [][]float32 {
	m := make([][]float32, n)
	for i := range m {
		row := make([]float32, n)
		row[i] = 1
		m[i] = row
	}
	return m
}

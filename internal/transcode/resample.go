// ABOUTME: Linear-interpolation resampler used to normalize decoded PCM to 44.1kHz
// ABOUTME: Grounded on the teacher's pkg/audio/resample linear resampler
package transcode

// resampler converts interleaved int16 stereo samples between sample rates
// by linear interpolation. The mp3 and flac adapters in this package
// normalize their decoder output to 44,100 Hz through one of these, since
// the engine's packet pump only ever deals in 44.1kHz stereo frames.
type resampler struct {
	ratio    float64
	position float64
	channels int
}

func newResampler(inputRate, outputRate, channels int) *resampler {
	return &resampler{
		ratio:    float64(inputRate) / float64(outputRate),
		channels: channels,
	}
}

// resample writes interpolated samples into out and returns how many
// int16 values (not frames) were written.
func (r *resampler) resample(in, out []int16) int {
	if r.ratio == 1.0 {
		n := copy(out, in)
		return n - n%r.channels
	}

	inFrames := len(in) / r.channels
	outFrames := len(out) / r.channels

	outIdx := 0
	for outIdx < outFrames {
		idx := int(r.position)
		if idx >= inFrames-1 {
			break
		}
		frac := r.position - float64(idx)

		for ch := 0; ch < r.channels; ch++ {
			a := float64(in[idx*r.channels+ch])
			b := float64(in[(idx+1)*r.channels+ch])
			out[outIdx*r.channels+ch] = int16(a*(1-frac) + b*frac)
		}

		outIdx++
		r.position += r.ratio
	}

	r.position -= float64(int(r.position))
	return outIdx * r.channels
}

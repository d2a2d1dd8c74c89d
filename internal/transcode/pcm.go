// ABOUTME: Synthetic PCM source for test items with no backing media file
// ABOUTME: Grounded on the teacher's 440Hz sine test-tone generator
package transcode

import "math"

// pcmCtx generates a fixed-frequency sine tone directly at the engine's
// target rate, used for items whose path is empty or ends in .pcm/.raw
// (and by tests). The file at the path is never read.
type pcmCtx struct {
	sampleIndex uint64
	frequency   float64
}

func newPCMCtx(_ string) (*pcmCtx, error) {
	return &pcmCtx{frequency: 440.0}, nil
}

func (c *pcmCtx) read(out []byte) (int, error) {
	frames := len(out) / (TargetChannels * bytesPerSample)
	samples := make([]int16, frames*TargetChannels)

	for i := 0; i < frames; i++ {
		t := float64(c.sampleIndex+uint64(i)) / float64(TargetSampleRate)
		v := int16(math.Sin(2*math.Pi*c.frequency*t) * 32767.0 * 0.5)
		samples[i*TargetChannels] = v
		samples[i*TargetChannels+1] = v
	}
	c.sampleIndex += uint64(frames)

	return int16ToBytes(samples, out), nil
}

func (c *pcmCtx) seek(ms int) (int, error) {
	c.sampleIndex = uint64(ms) * TargetSampleRate / 1000
	return ms, nil
}

func (c *pcmCtx) close() {}

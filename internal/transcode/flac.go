// ABOUTME: FLAC transcode adapter backed by mewkiz/flac
// ABOUTME: Decodes frame-by-frame, rescales bit depth, and resamples to 44.1kHz
package transcode

import (
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
)

type flacCtx struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	rs         *resampler

	pending        []int16 // resampled samples not yet drained
	elapsedSamples int64   // frames decoded since file start, at native rate
}

func newFLACCtx(path string) (*flacCtx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcode: open flac: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transcode: decode flac: %w", err)
	}

	info := stream.Info
	channels := int(info.NChannels)

	return &flacCtx{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   channels,
		bitDepth:   int(info.BitsPerSample),
		rs:         newResampler(int(info.SampleRate), TargetSampleRate, TargetChannels),
	}, nil
}

func (c *flacCtx) read(out []byte) (int, error) {
	if len(c.pending) == 0 {
		if err := c.decodeFrame(); err != nil {
			return 0, err
		}
	}

	n := int16ToBytes(c.pending, out)
	consumed := n / bytesPerSample
	c.pending = c.pending[consumed:]
	return n, nil
}

func (c *flacCtx) decodeFrame() error {
	frame, err := c.stream.ParseNext()
	if err != nil {
		return err
	}

	blockSize := int(frame.BlockSize)
	native := make([]int16, 0, blockSize*TargetChannels)

	shift := c.bitDepth - 16
	for i := 0; i < blockSize; i++ {
		for ch := 0; ch < TargetChannels; ch++ {
			srcCh := ch
			if srcCh >= c.channels {
				srcCh = c.channels - 1
			}
			sample := frame.Subframes[srcCh].Samples[i]
			if shift > 0 {
				sample >>= uint(shift)
			} else if shift < 0 {
				sample <<= uint(-shift)
			}
			native = append(native, int16(sample))
		}
	}
	c.elapsedSamples += int64(blockSize)

	resampled := make([]int16, (len(native)*TargetSampleRate)/c.sampleRate+TargetChannels)
	n := c.rs.resample(native, resampled)
	c.pending = append(c.pending, resampled[:n]...)
	return nil
}

func (c *flacCtx) seek(ms int) (int, error) {
	// mewkiz/flac has no random-access seek in this pack; approximate by
	// reopening and decoding frames until the target position, the same
	// "reopen on loop" idiom the teacher uses for end-of-file wraparound.
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("transcode: flac seek: %w", err)
	}
	stream, err := flac.New(c.file)
	if err != nil {
		return 0, fmt.Errorf("transcode: flac reopen: %w", err)
	}
	c.stream = stream
	c.pending = nil
	c.elapsedSamples = 0
	c.rs = newResampler(c.sampleRate, TargetSampleRate, TargetChannels)

	targetSamples := int64(ms) * int64(c.sampleRate) / 1000
	for c.elapsedSamples < targetSamples {
		if err := c.decodeFrame(); err != nil {
			break
		}
	}
	c.pending = nil

	actualMs := int(c.elapsedSamples * 1000 / int64(c.sampleRate))
	return actualMs, nil
}

func (c *flacCtx) close() {
	c.file.Close()
}

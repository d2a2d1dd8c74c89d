// ABOUTME: MP3 transcode adapter backed by hajimehoshi/go-mp3
// ABOUTME: Resamples decoder output to the engine's 44.1kHz target rate
package transcode

import (
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

type mp3Ctx struct {
	file    *os.File
	decoder *mp3.Decoder
	rs      *resampler
	scratch []byte // raw decoder bytes before resampling
}

func newMP3Ctx(path string) (*mp3Ctx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcode: open mp3: %w", err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transcode: decode mp3: %w", err)
	}

	return &mp3Ctx{
		file:    f,
		decoder: dec,
		rs:      newResampler(dec.SampleRate(), TargetSampleRate, TargetChannels),
		scratch: make([]byte, 16*1024),
	}, nil
}

func (c *mp3Ctx) read(out []byte) (int, error) {
	needIn := (len(out) * c.decoder.SampleRate()) / TargetSampleRate
	needIn -= needIn % (bytesPerSample * TargetChannels)
	if needIn > len(c.scratch) {
		needIn = len(c.scratch)
	}
	if needIn == 0 {
		needIn = bytesPerSample * TargetChannels
	}

	n, err := io.ReadFull(c.decoder, c.scratch[:needIn])
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	inSamples := bytesToInt16(c.scratch[:n-n%2])
	outSamples := make([]int16, len(out)/2)
	written := c.rs.resample(inSamples, outSamples)

	return int16ToBytes(outSamples[:written], out), nil
}

func (c *mp3Ctx) seek(ms int) (int, error) {
	byteOffset := int64(ms) * int64(c.decoder.SampleRate()) * TargetChannels * bytesPerSample / 1000
	byteOffset -= byteOffset % int64(TargetChannels*bytesPerSample)

	actual, err := c.decoder.Seek(byteOffset, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("transcode: mp3 seek: %w", err)
	}

	c.rs = newResampler(c.decoder.SampleRate(), TargetSampleRate, TargetChannels)

	actualMs := int(actual * 1000 / int64(c.decoder.SampleRate()*TargetChannels*bytesPerSample))
	return actualMs, nil
}

func (c *mp3Ctx) close() {
	c.file.Close()
}

// ABOUTME: Transcoder implementation dispatching to per-format adapters by extension
// ABOUTME: Normalizes every format's decoder output to 44.1kHz 16-bit stereo PCM
package transcode

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/airlinkhub/playengine/internal/mediadb"
)

const (
	TargetSampleRate = 44100
	TargetChannels   = 2
	bytesPerSample   = 2 // 16-bit
)

// fileCtx is the per-format session behind a Context returned from Setup.
type fileCtx interface {
	read(out []byte) (int, error)
	seek(ms int) (int, error)
	close()
}

// FileTranscoder opens local media files (mp3, flac) and a synthetic PCM
// test-tone source, yielding 44.1kHz/16-bit/stereo PCM regardless of the
// source container's native rate.
type FileTranscoder struct{}

// NewFileTranscoder returns a Transcoder backed by real file decoders.
func NewFileTranscoder() *FileTranscoder {
	return &FileTranscoder{}
}

func (FileTranscoder) Setup(meta mediadb.FileMeta) (Context, error) {
	ext := strings.ToLower(filepath.Ext(meta.Path))
	switch ext {
	case ".mp3":
		return newMP3Ctx(meta.Path)
	case ".flac":
		return newFLACCtx(meta.Path)
	case ".pcm", ".raw", "":
		return newPCMCtx(meta.Path)
	default:
		return nil, fmt.Errorf("transcode: unsupported format %q", ext)
	}
}

func (FileTranscoder) Transcode(ctx Context, out []byte) (int, error) {
	fc, ok := ctx.(fileCtx)
	if !ok {
		return 0, fmt.Errorf("transcode: invalid context")
	}
	return fc.read(out)
}

func (FileTranscoder) Seek(ctx Context, ms int) (int, error) {
	fc, ok := ctx.(fileCtx)
	if !ok {
		return 0, fmt.Errorf("transcode: invalid context")
	}
	return fc.seek(ms)
}

func (FileTranscoder) Cleanup(ctx Context) {
	if fc, ok := ctx.(fileCtx); ok {
		fc.close()
	}
}

// bytesToInt16 and int16ToBytes convert between the wire byte buffers this
// package's Transcoder contract uses and the int16 slices the resampler
// works in.
func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func int16ToBytes(s []int16, out []byte) int {
	n := 0
	for _, v := range s {
		if n+2 > len(out) {
			break
		}
		out[n] = byte(uint16(v))
		out[n+1] = byte(uint16(v) >> 8)
		n += 2
	}
	return n
}

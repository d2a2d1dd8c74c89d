package transcode

import (
	"testing"

	"github.com/airlinkhub/playengine/internal/mediadb"
)

func TestResamplerIdentity(t *testing.T) {
	r := newResampler(44100, 44100, 2)
	in := []int16{100, -100, 200, -200, 300, -300}
	out := make([]int16, len(in))

	n := r.resample(in, out)
	if n != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
}

func TestResamplerUpsample(t *testing.T) {
	r := newResampler(22050, 44100, 2)
	in := make([]int16, 200)
	for i := range in {
		in[i] = int16(i * 10)
	}
	out := make([]int16, 500)

	n := r.resample(in, out)
	if n == 0 {
		t.Fatal("expected some output samples")
	}
	if n > len(out) {
		t.Fatalf("wrote past buffer: %d > %d", n, len(out))
	}
}

func TestPCMContextProducesFrames(t *testing.T) {
	tc := NewFileTranscoder()
	ctx, err := tc.Setup(mediadb.FileMeta{ID: 1, Path: ""})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer tc.Cleanup(ctx)

	buf := make([]byte, 4*TargetChannels*bytesPerSample)
	n, err := tc.Transcode(ctx, buf)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected %d bytes, got %d", len(buf), n)
	}
}

func TestPCMSeekReportsRequestedMs(t *testing.T) {
	tc := NewFileTranscoder()
	ctx, _ := tc.Setup(mediadb.FileMeta{Path: ""})
	defer tc.Cleanup(ctx)

	actual, err := tc.Seek(ctx, 5000)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if actual != 5000 {
		t.Errorf("expected actual ms 5000, got %d", actual)
	}
}

func TestUnsupportedFormatRejected(t *testing.T) {
	tc := NewFileTranscoder()
	_, err := tc.Setup(mediadb.FileMeta{Path: "song.ogg"})
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

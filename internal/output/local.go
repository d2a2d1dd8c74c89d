// ABOUTME: Local audio sink backed by oto, with software volume control
// ABOUTME: Exposes the open/close/start/stop/write/get_pos contract the Output Coordinator drives
package output

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
)

// State mirrors the local sink's observed lifecycle.
type State int

const (
	Closed State = iota
	Open
	Running
	Stopping
	Failed
)

// StateCB is invoked on every state transition. The coordinator uses it to
// drive the sync-source handoff (Running -> LocalAudio, Stopping -> commit
// then Clock, Failed -> Clock + close).
type StateCB func(State)

// LocalSink is an oto-backed implementation of pump.LocalSink, feeding a
// continuously-read ring buffer rather than one oto.Player per chunk —
// unlike the teacher's per-buffer Play, this sink must stream packets
// arriving once per STREAM_PERIOD without gaps.
type LocalSink struct {
	mu    sync.Mutex
	state State
	onCB  StateCB

	sampleRate int
	channels   int

	otoCtx *oto.Context
	player *oto.Player
	ring   *pcmRing

	volume int32 // 0-100, accessed atomically
	muted  int32

	samplesWritten int64 // accessed atomically; drives GetPos
}

// NewLocalSink creates a sink in the Closed state at 100% volume.
func NewLocalSink(onCB StateCB) *LocalSink {
	return &LocalSink{onCB: onCB, volume: 100}
}

func (s *LocalSink) setState(state State) {
	s.state = state
	if s.onCB != nil {
		s.onCB(state)
	}
}

// OpenSink initializes the oto context at the given format. Idempotent:
// re-opening an already-open sink closes the previous context first.
func (s *LocalSink) OpenSink(sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.otoCtx != nil {
		s.closeLocked()
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("output: open: %w", err)
	}
	<-readyChan

	s.otoCtx = ctx
	s.sampleRate = sampleRate
	s.channels = channels
	s.ring = newPCMRing()
	s.setState(Open)
	return nil
}

// Start begins playback from pb_pos, which seeds the sink's sample
// counter; rtptime is accepted for symmetry with the remote start path
// and is not used. The oto player reads continuously from the ring
// buffer; Write appends to it.
func (s *LocalSink) Start(pbPos, rtptime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.otoCtx == nil || s.ring == nil {
		return fmt.Errorf("output: start: sink not open")
	}

	atomic.StoreInt64(&s.samplesWritten, pbPos)
	s.player = s.otoCtx.NewPlayer(s.ring)
	s.player.Play()
	s.setState(Running)
	return nil
}

// Started reports whether the sink is actively running, satisfying
// pump.LocalSink.
func (s *LocalSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running
}

// Write hands one packet to the ring buffer with volume applied. rtptime
// is accepted for interface symmetry with the remote write path; the
// local sink tracks its own position independently via samples written.
func (s *LocalSink) Write(pcm []byte, rtptime int64) error {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()
	if ring == nil {
		return fmt.Errorf("output: write: sink not open")
	}

	out := applyVolume(pcm, int(atomic.LoadInt32(&s.volume)), atomic.LoadInt32(&s.muted) != 0)
	ring.push(out)
	atomic.AddInt64(&s.samplesWritten, int64(len(pcm)/(2*s.channelsOrDefault())))
	return nil
}

func (s *LocalSink) channelsOrDefault() int {
	if s.channels == 0 {
		return 2
	}
	return s.channels
}

// Stop halts playback but keeps the oto context open for a subsequent
// Start, transitioning through Stopping.
func (s *LocalSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(Stopping)
	if s.player != nil {
		s.player.Pause()
	}
	s.setState(Open)
}

// Close tears the sink down entirely.
func (s *LocalSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *LocalSink) closeLocked() {
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.otoCtx != nil {
		s.otoCtx.Suspend()
		s.otoCtx = nil
	}
	s.ring = nil
	s.setState(Closed)
}

// SetVolume sets 0-100 software volume applied to every subsequent Write.
func (s *LocalSink) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	atomic.StoreInt32(&s.volume, int32(volume))
	log.Printf("output: local volume set to %d", volume)
}

// GetPos returns the local sink's own sample position, the second of the
// engine's two clock sources.
func (s *LocalSink) GetPos() (int64, error) {
	return atomic.LoadInt64(&s.samplesWritten), nil
}

// Position adapts GetPos to clock.LocalPositionSource.
func (s *LocalSink) Position() (int64, error) { return s.GetPos() }

func applyVolume(pcm []byte, volume int, muted bool) []byte {
	if volume == 100 && !muted {
		return pcm
	}
	mult := float64(volume) / 100.0
	if muted {
		mult = 0
	}

	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := int16(float64(sample) * mult)
		out[i] = byte(scaled)
		out[i+1] = byte(scaled >> 8)
	}
	return out
}

// pcmRing is an unbounded-growth blocking byte queue implementing
// io.Reader, letting oto pull audio that Write produces on its own
// schedule rather than one player per packet.
type pcmRing struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPCMRing() *pcmRing {
	r := &pcmRing{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pcmRing) push(b []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, b...)
	r.mu.Unlock()
	r.cond.Signal()
}

// Read blocks until at least one byte is available, matching an
// oto.Player's expectation of a live, gap-free stream.
func (r *pcmRing) Read(p []byte) (int, error) {
	r.mu.Lock()
	for len(r.buf) == 0 && !r.closed {
		r.cond.Wait()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	closed := r.closed
	r.mu.Unlock()

	if n == 0 && closed {
		return 0, io.EOF
	}
	return n, nil
}

// ABOUTME: Audio Pump: periodic sample-accurate packet generation and fan-out
// ABOUTME: One Tick per STREAM_PERIOD; timer rescheduling is absolute-deadline to avoid drift
package pump

import (
	"errors"
	"fmt"
	"time"

	"github.com/airlinkhub/playengine/internal/clock"
	"github.com/airlinkhub/playengine/internal/queue"
	"github.com/airlinkhub/playengine/internal/transcode"
)

const (
	// SampleRate is the engine's fixed output rate.
	SampleRate = 44100
	// Channels is the fixed output channel count.
	Channels = 2
	// BytesPerSample is 16-bit PCM.
	BytesPerSample = 2

	// PacketSamples is the fan-out granularity: one tick emits exactly
	// this many samples per channel.
	PacketSamples = 352 // 8ms at 44.1kHz, matching the teacher's 20ms-chunk shape scaled to a tighter lead

	// StreamPeriod is the wallclock duration of one packet.
	StreamPeriod = time.Duration(PacketSamples) * time.Second / SampleRate

	// packetBytes is the scratch buffer size.
	packetBytes = PacketSamples * Channels * BytesPerSample

	// InitialLeadSamples is the pre-roll lead applied by Start.
	InitialLeadSamples = 2 * SampleRate
)

// State is the pump's coarse playback state.
type State int

const (
	Stopped State = iota
	Paused
	Playing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Paused:
		return "Paused"
	case Playing:
		return "Playing"
	default:
		return "Unknown"
	}
}

// LocalSink is the local audio output contract the pump drives.
type LocalSink interface {
	Started() bool
	Write(pcm []byte, rtptime int64) error
}

// RemoteSession is one remote receiver's write path.
type RemoteSession interface {
	Write(pcm []byte, rtptime int64) error
}

// Outputs is the fan-out collaborator: one local sink plus zero or more
// remote sessions, queried fresh on every tick.
type Outputs interface {
	Local() LocalSink
	Remotes() []RemoteSession
}

// EventSink receives the pump's lifecycle notifications; the Player State
// Machine implements this to update its own state and the update_fd.
type EventSink interface {
	OnPlaying(id uint32)
	OnStopped()
}

// Pump owns last_rtptime, the scratch buffer, and drives source_check /
// source_read each tick. Every field is owned by the player goroutine;
// Tick must never be called concurrently with itself or with queue/clock
// mutation.
type Pump struct {
	queue   *queue.Ring
	clock   *clock.Clock
	outputs Outputs
	events  EventSink

	state State

	lastRtptime int64
	scratch     [packetBytes]byte

	timer       *time.Timer
	timerLast   time.Time
	transcoders transcoderReader
}

// transcoderReader is the narrow slice of transcode.Transcoder the pump
// needs, kept separate so tests can fake it without a full mediadb.
type transcoderReader interface {
	Transcode(ctx transcode.Context, out []byte) (int, error)
	Seek(ctx transcode.Context, ms int) (int, error)
}

// New creates a Pump. tc is the shared transcoder used to draw bytes from
// whatever item is open on cur_streaming.
func New(q *queue.Ring, c *clock.Clock, outputs Outputs, events EventSink, tc transcoderReader) *Pump {
	return &Pump{queue: q, clock: c, outputs: outputs, events: events, transcoders: tc}
}

// State returns the pump's current coarse state.
func (p *Pump) State() State { return p.state }

// LastRtptime returns the sample index one past the last packet emitted.
func (p *Pump) LastRtptime() int64 { return p.lastRtptime }

var (
	// ErrQueueExhausted is returned by Start/Tick when no item could be
	// opened to begin or continue streaming.
	ErrQueueExhausted = errors.New("pump: queue exhausted")
)

// Start transitions into Playing. If idxID is non-nil, it first
// repositions cur_streaming: *idxID == 0 means "from the current ring
// head", >0 walks that many playlist steps from the head. The resolved
// item's id is written back into *idxID.
func (p *Pump) Start(idxID *uint32) error {
	lead := p.lastRtptime + PacketSamples - InitialLeadSamples

	if idxID != nil {
		p.queue.SetCurPlaying(nil)

		var head *queue.Item
		if p.queue.Shuffle() {
			p.queue.Reshuffle()
			head = p.queue.ShuffleHead()
		} else {
			head = p.queue.SourceHead()
		}
		if head == nil {
			return ErrQueueExhausted
		}

		target := head
		if *idxID > 0 {
			target = p.queue.StepPlaylist(head, int(*idxID))
			if p.queue.Shuffle() {
				p.queue.SetShuffleHead(target)
			}
		}
		if err := p.queue.Open(target); err != nil {
			return fmt.Errorf("pump: start: %w", err)
		}
		p.queue.SetCurStreaming(target)
		target.StreamStart = p.lastRtptime + PacketSamples
		target.OutputStart = target.StreamStart
		*idxID = target.ID
	}

	if p.queue.CurStreaming() == nil {
		return ErrQueueExhausted
	}

	p.clock.Seed(lead)
	p.state = Playing
	p.timerLast = time.Now()
	return nil
}

// Pause transitions to Paused and leaves cur_streaming where it is. It
// records no end position and does not reseek the item, so a later Start
// continues from wherever the item's transcoder last read. Flushing
// remotes and stopping the local sink are the Output Coordinator's
// responsibility, invoked by the caller before or after Pause per the
// state-transition table.
func (p *Pump) Pause() {
	p.state = Paused
}

// Stop tears down the play-chain: frees every open transcoder context
// along play_next, clears both cursors, and transitions to Stopped.
func (p *Pump) Stop() {
	p.queue.Clear()
	p.state = Stopped
	if p.events != nil {
		p.events.OnStopped()
	}
}

// Seek adjusts stream_start/output_start around a transcoder seek to ms
// milliseconds, clearing cur_playing so the next tick re-promotes it.
func (p *Pump) Seek(ms int) error {
	cur := p.queue.CurStreaming()
	if cur == nil {
		return ErrQueueExhausted
	}
	actualMs, err := p.transcoders.Seek(cur.Ctx, ms)
	if err != nil {
		return fmt.Errorf("pump: seek: %w", err)
	}

	samplesIn := int64(actualMs) * SampleRate / 1000
	cur.StreamStart = p.lastRtptime + PacketSamples - samplesIn
	cur.OutputStart = p.lastRtptime + PacketSamples
	p.queue.SetCurPlaying(nil)
	return nil
}

// Tick runs exactly one packet cycle: source_check, the abort check,
// last_rtptime advance, source_read, and fan-out. Callers (the Player
// State Machine's scheduler loop) are responsible for the absolute-
// deadline rescheduling described in the package doc.
func (p *Pump) Tick() error {
	if err := p.sourceCheck(); err != nil {
		return err
	}
	if p.state == Stopped {
		return nil
	}

	p.lastRtptime += PacketSamples
	for i := range p.scratch {
		p.scratch[i] = 0
	}

	filled := p.sourceRead(p.scratch[:])

	if p.outputs != nil {
		if local := p.outputs.Local(); local != nil && local.Started() {
			if err := local.Write(p.scratch[:], p.lastRtptime); err != nil {
				return fmt.Errorf("pump: local write: %w", err)
			}
		}
		for _, r := range p.outputs.Remotes() {
			if err := r.Write(p.scratch[:], p.lastRtptime); err != nil {
				return fmt.Errorf("pump: remote write: %w", err)
			}
		}
	}

	_ = filled
	return nil
}

// sourceCheck implements spec §4.C step 1: promote cur_streaming to
// cur_playing once the clock reaches its output_start, and detect and act
// on item-boundary crossings.
func (p *Pump) sourceCheck() error {
	pos, _, err := p.clock.Position(false)
	if err != nil {
		return fmt.Errorf("pump: source_check: position: %w", err)
	}

	streaming := p.queue.CurStreaming()
	if streaming == nil {
		return nil
	}

	playing := p.queue.CurPlaying()
	if playing == nil {
		if pos >= streaming.OutputStart {
			p.queue.SetCurPlaying(streaming)
			if p.events != nil {
				p.events.OnPlaying(streaming.ID)
			}
		}
		return nil
	}

	if playing.End == 0 || pos < playing.End {
		return nil
	}

	return p.crossBoundary(playing)
}

func (p *Pump) crossBoundary(playing *queue.Item) error {
	mode := p.effectiveRepeatForPump()

	if mode == queue.RepeatSong {
		if playing.PlayNext != nil {
			next := playing.PlayNext
			next.StreamStart = playing.End + 1
			next.OutputStart = next.StreamStart
			playing.End = 0
			playing.PlayNext = nil
			p.queue.SetCurPlaying(next)
			p.queue.SetCurStreaming(next)
		} else {
			playing.StreamStart = playing.End + 1
			playing.OutputStart = playing.StreamStart
			playing.End = 0
		}
		if p.events != nil {
			p.events.OnPlaying(p.queue.CurPlaying().ID)
		}
		return nil
	}

	next := playing.PlayNext
	if next == nil {
		p.Stop()
		return nil
	}

	if mode == queue.RepeatOff {
		head := p.queue.SourceHead()
		if p.queue.Shuffle() {
			head = p.queue.ShuffleHead()
		}
		if next == head {
			p.Stop()
			return nil
		}
	}

	next.StreamStart = playing.End + 1
	next.OutputStart = next.StreamStart
	playing.End = 0
	playing.PlayNext = nil
	p.queue.SetCurPlaying(next)
	if p.queue.CurStreaming() == playing {
		p.queue.SetCurStreaming(next)
	}
	if p.events != nil {
		p.events.OnPlaying(next.ID)
	}
	return nil
}

func (p *Pump) effectiveRepeatForPump() queue.RepeatMode {
	if p.queue.Count() == 1 && p.queue.Repeat() == queue.RepeatAll {
		return queue.RepeatSong
	}
	return p.queue.Repeat()
}

// sourceRead implements spec §4.C step 5: drain the transcoder into out,
// crossing item boundaries via Next(force=false) on exhaustion, falling
// back to silence for the remainder of the packet if every candidate
// fails to open.
func (p *Pump) sourceRead(out []byte) int {
	filled := 0
	for filled < len(out) {
		cur := p.queue.CurStreaming()
		if cur == nil || cur.Ctx == nil {
			return filled
		}

		n, err := p.transcoders.Transcode(cur.Ctx, out[filled:])
		if err != nil || n <= 0 {
			bytesEmitted := int64(filled / (Channels * BytesPerSample))
			cur.End = p.lastRtptime + bytesEmitted - 1

			if nerr := p.queue.Next(false); nerr != nil {
				return filled
			}
			continue
		}
		filled += n
	}
	return filled
}

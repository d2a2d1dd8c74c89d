// ABOUTME: Dual-source playback position clock
// ABOUTME: Derives "current position" from either a free-running monotonic timer or the local sink's own counter
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Source selects which collaborator the Clock derives position from.
type Source int

const (
	// SourceClock derives position by extrapolating from the last committed
	// (pos, stamp) pair using the monotonic clock alone.
	SourceClock Source = iota
	// SourceLocalAudio derives position by asking the local sink for its
	// own emitted-sample counter; used while the local sink is actually
	// running, since its counter is ground truth for what has been heard.
	SourceLocalAudio
)

const sampleRate = 44100

// LocalPositionSource is the local sink's emitted-sample counter.
type LocalPositionSource interface {
	Position() (int64, error)
}

// Clock is the engine's single source of "current position" and is owned
// exclusively by the player goroutine.
type Clock struct {
	mu     sync.Mutex
	pos    int64
	stamp  time.Time
	source Source
	now    func() time.Time
	local  LocalPositionSource
}

// New creates a Clock. now defaults to time.Now if nil, overridable in
// tests for determinism.
func New(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, stamp: now()}
}

// SetLocalSource installs (or clears, with nil) the local sink position
// collaborator used by SourceLocalAudio.
func (c *Clock) SetLocalSource(src LocalPositionSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = src
}

// SetSource switches which collaborator subsequent Position calls consult.
func (c *Clock) SetSource(s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = s
}

// CurrentSource reports the active sync source.
func (c *Clock) CurrentSource() Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Position returns the current sample position and the timestamp it was
// derived at. When commit is true, both become the new (pos, stamp) pair
// future Position calls extrapolate from.
func (c *Clock) Position(commit bool) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.source {
	case SourceLocalAudio:
		return c.positionLocalAudioLocked(commit)
	default:
		return c.positionClockLocked(commit)
	}
}

func (c *Clock) positionClockLocked(commit bool) (int64, time.Time, error) {
	ts := c.now()
	deltaUs := ts.Sub(c.stamp).Microseconds()
	pos := c.pos + deltaUs*sampleRate/1_000_000

	if commit {
		c.pos = pos
		c.stamp = ts
	}
	return pos, ts, nil
}

func (c *Clock) positionLocalAudioLocked(commit bool) (int64, time.Time, error) {
	if c.local == nil {
		return 0, time.Time{}, fmt.Errorf("clock: no local audio source installed")
	}
	pos, err := c.local.Position()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("clock: read local position: %w", err)
	}
	ts := c.now()

	if commit {
		c.pos = pos
		c.stamp = ts
	}
	return pos, ts, nil
}

// CommitLocalAudio reads the local sink's position and installs it as the
// new (pos, stamp) pair regardless of the currently active source. This is
// the operation the Output Coordinator performs exactly once, during the
// LocalAudio -> Clock transition, so the handoff is seamless.
func (c *Clock) CommitLocalAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.positionLocalAudioLocked(true)
	return err
}

// Seed installs an initial (pos, stamp) pair without consulting either
// collaborator, used when arming the clock at playback start.
func (c *Clock) Seed(pos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = pos
	c.stamp = c.now()
}

// ABOUTME: Output Coordinator: reconciles the selected device set against reality
// ABOUTME: speaker_set never downgrades a -2 (password required) verdict to -1
package output

import (
	"sync"

	"github.com/airlinkhub/playengine/internal/device"
	"github.com/airlinkhub/playengine/internal/pump"
)

// ResultCode mirrors spec.md §4.E's three-valued speaker_set result.
type ResultCode int

const (
	ResultOK          ResultCode = 0
	ResultFailed      ResultCode = -1
	ResultPasswordReq ResultCode = -2
)

// PendingTracker accumulates outstanding async device callbacks before a
// command's bottom half may run — satisfied directly by *sync.WaitGroup.
type PendingTracker interface {
	Add(delta int)
	Done()
}

// LocalSinkID is the reserved device id addressing the local sink itself.
const LocalSinkID uint32 = 0

// Coordinator owns the live set of remote sessions and the local sink,
// and is the single place that reconciles "what should be selected"
// against "what is currently active".
type Coordinator struct {
	mu       sync.Mutex
	registry *device.Registry
	local    *LocalSink
	sessions map[uint32]*RemoteSession

	playing bool // Stopped -> probe, Playing -> start
}

// NewCoordinator wires a registry and local sink together.
func NewCoordinator(registry *device.Registry, local *LocalSink) *Coordinator {
	return &Coordinator{
		registry: registry,
		local:    local,
		sessions: make(map[uint32]*RemoteSession),
	}
}

// Local satisfies pump.Outputs.
func (c *Coordinator) Local() pump.LocalSink { return c.local }

// Remotes satisfies pump.Outputs, snapshotting the live session set.
func (c *Coordinator) Remotes() []pump.RemoteSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]pump.RemoteSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SetPlaying switches the activation verb SetOutputs uses for newly
// selected devices (probe while Stopped, start while Playing).
func (c *Coordinator) SetPlaying(playing bool) { c.playing = playing }

// SetOutputs reconciles the registry's `selected` flags against ids: any
// known device in ids becomes selected and, if not already sessioned, is
// activated; any selected device no longer in ids is deactivated. pending
// accounts for every async op this call launches so the caller can block
// a command's completion on their joint conclusion.
//
// The returned code is -2 if any requested device needs a password it
// doesn't have, even if every other device in ids activates successfully
// — that verdict is never downgraded to -1.
func (c *Coordinator) SetOutputs(ids []uint32, pending PendingTracker) ResultCode {
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	c.reconcileLocal(want[LocalSinkID])

	result := ResultOK
	for _, d := range c.registry.All() {
		switch {
		case want[d.ID] && d.RequiresPassword():
			result = ResultPasswordReq
			d.Selected = false

		case want[d.ID]:
			d.Selected = true
			if d.Session == nil {
				c.activate(d, pending)
				if d.Session == nil && result == ResultOK {
					result = ResultFailed
				}
			}

		case d.Selected:
			d.Selected = false
			if d.Session != nil {
				c.deactivate(d)
			}
		}
	}
	return result
}

// reconcileLocal starts or stops the local sink (reserved id 0) to match
// whether the caller still wants it selected.
func (c *Coordinator) reconcileLocal(want bool) {
	if c.local == nil {
		return
	}
	switch {
	case want && !c.local.Started() && c.playing:
		_ = c.local.Start(0, 0)
	case !want && c.local.Started():
		c.local.Stop()
	}
}

func (c *Coordinator) activate(d *device.Device, pending PendingTracker) {
	sess, err := Dial(d.ID, d.Address, d.Port)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.sessions[d.ID] = sess
	c.mu.Unlock()
	d.Session = sess

	pending.Add(1)
	cb := func(Status) { pending.Done() }

	if c.playing {
		sess.Start(0, sess.RemoteTime(0), cb)
	} else {
		sess.Probe(cb)
	}
}

// ActivateSelected (re)activates every device the registry already marks
// selected but that has no live session, used by playback_start to resume
// the last speaker_set choice without the frontend repeating it.
func (c *Coordinator) ActivateSelected(pending PendingTracker) {
	c.reconcileLocal(true)
	for _, d := range c.registry.All() {
		if d.Selected && d.Session == nil && !d.RequiresPassword() {
			c.activate(d, pending)
		}
	}
}

// StopLocal halts the local sink only, leaving remote sessions untouched —
// used by pause, which keeps receivers connected for a fast resume.
func (c *Coordinator) StopLocal() { c.reconcileLocal(false) }

// TeardownAll stops every active output (local and remote) without
// touching the registry's selected flags, so a subsequent start can
// reactivate the same speakers without a fresh speaker_set call.
func (c *Coordinator) TeardownAll() {
	c.reconcileLocal(false)

	c.mu.Lock()
	sessions := make([]*RemoteSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[uint32]*RemoteSession)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, d := range c.registry.All() {
		if _, ok := d.Session.(*RemoteSession); ok {
			d.Session = nil
		}
	}
}

func (c *Coordinator) deactivate(d *device.Device) {
	sess, ok := d.Session.(*RemoteSession)
	if !ok {
		return
	}

	sess.Stop()

	c.mu.Lock()
	delete(c.sessions, d.ID)
	c.mu.Unlock()

	d.Session = nil
	if !d.Advertised {
		c.registry.Remove(d.ID)
	}
}

// Flush requests every active remote session discard buffered audio
// before rtptime, accumulating one pending op per session.
func (c *Coordinator) Flush(rtptime int64, pending PendingTracker) {
	c.mu.Lock()
	sessions := make([]*RemoteSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		pending.Add(1)
		s.Flush(rtptime, func(Status) { pending.Done() })
	}
}

// SetVolume applies a volume change to the local sink synchronously and
// to every remote session asynchronously.
func (c *Coordinator) SetVolume(volume int, pending PendingTracker) {
	c.local.SetVolume(volume)

	c.mu.Lock()
	sessions := make([]*RemoteSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		pending.Add(1)
		s.SetVolume(volume, func(Status) { pending.Done() })
	}
}

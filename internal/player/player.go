// ABOUTME: Player State Machine: the single event-loop goroutine tying B/C/D/E/F together
// ABOUTME: Every exported method is a synchronous call that marshals onto this goroutine via the Command Dispatcher
package player

import (
	"log"
	"time"

	"github.com/airlinkhub/playengine/internal/clock"
	"github.com/airlinkhub/playengine/internal/command"
	"github.com/airlinkhub/playengine/internal/device"
	"github.com/airlinkhub/playengine/internal/mediadb"
	"github.com/airlinkhub/playengine/internal/output"
	"github.com/airlinkhub/playengine/internal/pump"
	"github.com/airlinkhub/playengine/internal/queue"
	"github.com/airlinkhub/playengine/internal/transcode"
)

// ConfigKeyVolume is the sqlite KV key the engine persists its volume under.
const ConfigKeyVolume = "player:volume"

// Status is the snapshot get_status returns.
type Status struct {
	State   pump.State
	Shuffle bool
	Repeat  queue.RepeatMode
	Volume  int
	ID      uint32
	PosMs   int64
	PosPl   int
}

// DeviceInfo is one entry of speaker_enumerate's result.
type DeviceInfo struct {
	ID          uint32
	Name        string
	Address     string
	HasPassword bool
	Selected    bool
}

// Engine owns every piece of mutable playback state and the single
// goroutine (Run) that is the only thing permitted to touch it. Every
// other method here is a thin wrapper that builds a command.Command and
// blocks on its completion, matching the "three threads" ownership model.
type Engine struct {
	disp      *command.Dispatcher
	queue     *queue.Ring
	pump      *pump.Pump
	clk       *clock.Clock
	coord     *output.Coordinator
	registry  *device.Registry
	discovery *device.Discovery
	db        mediadb.DB

	local *output.LocalSink

	volume int

	updateCh  chan struct{}
	deviceAck chan *command.Command

	timer     *time.Timer
	timerLast time.Time

	pendingMove       func() error
	pendingWasPlaying bool

	quit chan struct{}
	done chan struct{}
}

// New wires a complete Engine: media database, transcoder, clock, queue,
// pump, device registry/discovery, and output coordinator.
func New(db mediadb.DB, tc transcode.Transcoder, registry *device.Registry, discovery *device.Discovery) *Engine {
	e := &Engine{
		disp:      command.NewDispatcher(),
		queue:     queue.New(db, tc, nil),
		clk:       clock.New(nil),
		registry:  registry,
		discovery: discovery,
		db:        db,
		volume:    100,
		updateCh:  make(chan struct{}, 1),
		deviceAck: make(chan *command.Command, 32),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	e.local = output.NewLocalSink(e.onLocalSinkState)
	e.clk.SetLocalSource(e.local)
	e.coord = output.NewCoordinator(registry, e.local)
	e.pump = pump.New(e.queue, e.clk, e.coord, e, tc)

	if v, ok, err := db.ConfigGetInt(ConfigKeyVolume); err == nil && ok {
		e.volume = v
	}

	return e
}

// Run is the player goroutine's event loop. It must be started exactly
// once, typically from main via `go e.Run()`.
func (e *Engine) Run() {
	defer close(e.done)
	for {
		var timerC <-chan time.Time
		if e.timer != nil {
			timerC = e.timer.C
		}

		select {
		case cmd := <-e.disp.Commands():
			e.disp.Run(cmd)

		case cmd := <-e.deviceAck:
			e.disp.DeviceCallback(cmd)

		case <-timerC:
			e.onTick()

		case ev, ok := <-e.discoveryEvents():
			if ok {
				e.onDiscoveryEvent(ev)
			}

		case <-e.quit:
			e.coord.TeardownAll()
			return
		}
	}
}

// Stop shuts the player goroutine down, tearing down every output first.
// Safe to call once; Run's return is observable via Wait.
func (e *Engine) Stop() {
	close(e.quit)
}

// Wait blocks until Run has returned.
func (e *Engine) Wait() { <-e.done }

func (e *Engine) discoveryEvents() <-chan device.Event {
	if e.discovery == nil {
		return nil
	}
	return e.discovery.Events()
}

func (e *Engine) onDiscoveryEvent(ev device.Event) {
	if ev.Appear {
		e.registry.Upsert(ev.ID, ev.Name, ev.Address, ev.Port, ev.HasPassword)
		return
	}
	e.registry.Withdraw(ev.ID)
}

// --- timer scheduling (spec §9: absolute next-deadline, not relative) ---

func (e *Engine) armTimer() {
	e.timerLast = time.Now()
	e.timer = time.NewTimer(pump.StreamPeriod)
}

func (e *Engine) disarmTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTick() {
	if err := e.pump.Tick(); err != nil {
		log.Printf("player: tick: %v", err)
	}
	if e.pump.State() != pump.Playing {
		e.disarmTimer()
		return
	}
	e.timerLast = e.timerLast.Add(pump.StreamPeriod)
	d := time.Until(e.timerLast)
	if d < 0 {
		d = 0
	}
	e.timer.Reset(d)
}

// --- pump.EventSink ---

// OnPlaying satisfies pump.EventSink, coalescing a single update edge.
func (e *Engine) OnPlaying(id uint32) { e.notifyUpdate() }

// OnStopped satisfies pump.EventSink.
func (e *Engine) OnStopped() { e.notifyUpdate() }

func (e *Engine) notifyUpdate() {
	select {
	case e.updateCh <- struct{}{}:
	default:
	}
}

// Updates returns the one-shot notification channel (set_updatefd):
// exactly one value is ever pending at a time, matching "coalesce to a
// single edge per transition".
func (e *Engine) Updates() <-chan struct{} { return e.updateCh }

// --- local sink clock-source handoff (spec §9: commit exactly once,
// inside the Stopping callback) ---

func (e *Engine) onLocalSinkState(state output.State) {
	switch state {
	case output.Running:
		e.clk.SetSource(clock.SourceLocalAudio)
	case output.Stopping:
		if err := e.clk.CommitLocalAudio(); err != nil {
			log.Printf("player: commit local audio clock: %v", err)
		}
	case output.Open:
		e.clk.SetSource(clock.SourceClock)
	case output.Failed:
		if err := e.clk.CommitLocalAudio(); err != nil {
			log.Printf("player: commit local audio clock on failure: %v", err)
		}
		e.clk.SetSource(clock.SourceClock)
		if len(e.coord.Remotes()) == 0 {
			e.pump.Stop()
		}
	}
}

// --- device completion tracking ---

// cmdTracker satisfies output.PendingTracker, routing every completion
// back onto the player goroutine via deviceAck rather than calling
// command.Dispatcher.DeviceCallback from whatever goroutine the device
// operation finished on.
type cmdTracker struct {
	cmd      *command.Command
	ack      chan *command.Command
	launched int
}

func (t *cmdTracker) Add(n int) { t.launched += n }
func (t *cmdTracker) Done()     { t.ack <- t.cmd }

func (e *Engine) newTracker(cmd *command.Command) *cmdTracker {
	return &cmdTracker{cmd: cmd, ack: e.deviceAck}
}

// noopTracker is used by commands whose result is fully known
// synchronously (speaker_set's password check, volume fan-out, the
// resumed start after a next/prev/seek):
// the command itself does not gate on the per-device acks.
type noopTracker struct{}

func (noopTracker) Add(int) {}
func (noopTracker) Done()   {}

// --- start / pause / stop ---

func (e *Engine) doStart(cmd *command.Command, arg any) int {
	idxID, _ := arg.(*uint32)
	if err := e.pump.Start(idxID); err != nil {
		log.Printf("player: start: %v", err)
		return -1
	}

	e.coord.SetPlaying(true)
	tracker := e.newTracker(cmd)
	e.coord.ActivateSelected(tracker)

	if tracker.launched == 0 {
		return e.startBottomHalf(cmd, arg)
	}
	return tracker.launched
}

func (e *Engine) startBottomHalf(cmd *command.Command, arg any) int {
	e.armTimer()
	e.notifyUpdate()
	return 0
}

func (e *Engine) doPause(cmd *command.Command, arg any) int {
	tracker := e.newTracker(cmd)
	e.coord.Flush(e.pump.LastRtptime(), tracker)
	e.pump.Pause()

	if tracker.launched == 0 {
		return e.pauseBottomHalf(cmd, arg)
	}
	return tracker.launched
}

func (e *Engine) pauseBottomHalf(cmd *command.Command, arg any) int {
	e.coord.StopLocal()
	e.disarmTimer()
	e.notifyUpdate()
	return 0
}

func (e *Engine) doStop(cmd *command.Command, arg any) int {
	e.coord.SetPlaying(false)
	e.coord.TeardownAll()
	e.pump.Stop()
	e.disarmTimer()
	return 0
}

// --- next / prev / seek (pause as the front half, then an internal start) ---

func (e *Engine) doNext(cmd *command.Command, arg any) int {
	force := true
	return e.pauseThenMove(cmd, func() error { return e.queue.Next(force) })
}

func (e *Engine) doPrev(cmd *command.Command, arg any) int {
	force := true
	return e.pauseThenMove(cmd, func() error { return e.queue.Prev(force) })
}

func (e *Engine) doSeek(cmd *command.Command, arg any) int {
	ms := arg.(int)
	return e.pauseThenMove(cmd, func() error { return e.pump.Seek(ms) })
}

func (e *Engine) pauseThenMove(cmd *command.Command, move func() error) int {
	wasPlaying := e.pump.State() == pump.Playing

	tracker := e.newTracker(cmd)
	e.coord.Flush(e.pump.LastRtptime(), tracker)
	e.pump.Pause()

	e.pendingMove = move
	e.pendingWasPlaying = wasPlaying

	if tracker.launched == 0 {
		return e.moveBottomHalf(cmd, nil)
	}
	return tracker.launched
}

// moveBottomHalf finishes a next/prev/seek command once its flush has
// landed. It cannot itself go async again (a bottom half is always
// final, per the dispatcher's two-phase contract) — so the resumed
// start's own device work is fire-and-forget here rather than gated on
// this command's completion. In practice it never dials anything new:
// pause never tears remote sessions down, so every already-selected
// device still has a live session and ActivateSelected skips it.
func (e *Engine) moveBottomHalf(cmd *command.Command, arg any) int {
	e.coord.StopLocal()
	e.disarmTimer()

	move := e.pendingMove
	wasPlaying := e.pendingWasPlaying
	e.pendingMove = nil

	if move == nil {
		return 0
	}
	if err := move(); err != nil {
		log.Printf("player: move: %v", err)
		e.notifyUpdate()
		return -1
	}
	e.queue.SetCurPlaying(nil)
	if !wasPlaying {
		e.notifyUpdate()
		return 0
	}

	if err := e.pump.Start(nil); err != nil {
		log.Printf("player: resume after move: %v", err)
		e.notifyUpdate()
		return -1
	}
	e.coord.SetPlaying(true)
	e.coord.ActivateSelected(noopTracker{})
	e.armTimer()
	e.notifyUpdate()
	return 0
}

// --- speakers / volume / repeat / shuffle / queue ---

func (e *Engine) doSpeakerSet(cmd *command.Command, arg any) int {
	ids := arg.([]uint32)
	return int(e.coord.SetOutputs(ids, noopTracker{}))
}

func (e *Engine) doVolumeSet(cmd *command.Command, arg any) int {
	v := arg.(int)
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	e.volume = v
	if err := e.db.ConfigSetInt(ConfigKeyVolume, v); err != nil {
		log.Printf("player: persist volume: %v", err)
	}
	e.coord.SetVolume(v, noopTracker{})
	e.notifyUpdate()
	return 0
}

func (e *Engine) doRepeatSet(cmd *command.Command, arg any) int {
	e.queue.SetRepeat(arg.(queue.RepeatMode))
	e.notifyUpdate()
	return 0
}

func (e *Engine) doShuffleSet(cmd *command.Command, arg any) int {
	e.queue.SetShuffle(arg.(bool))
	e.notifyUpdate()
	return 0
}

func (e *Engine) doQueueAdd(cmd *command.Command, arg any) int {
	ids := arg.([]uint32)
	head, n := queue.BuildSubring(ids)
	e.queue.Add(head, n)
	e.notifyUpdate()
	return 0
}

func (e *Engine) doQueueClear(cmd *command.Command, arg any) int {
	e.queue.Clear()
	e.notifyUpdate()
	return 0
}

func (e *Engine) doGetStatus(cmd *command.Command, arg any) int {
	out := arg.(*Status)
	out.State = e.pump.State()
	out.Shuffle = e.queue.Shuffle()
	out.Repeat = e.queue.Repeat()
	out.Volume = e.volume

	pos, _, _ := e.clk.Position(false)
	out.PosMs = pos * 1000 / pump.SampleRate

	if cur := e.queue.CurPlaying(); cur != nil {
		out.ID = cur.ID
		out.PosPl = e.queue.Position(cur)
	}
	return 0
}

func (e *Engine) doNowPlaying(cmd *command.Command, arg any) int {
	out := arg.(*uint32)
	if cur := e.queue.CurPlaying(); cur != nil {
		*out = cur.ID
	}
	return 0
}

func (e *Engine) doSpeakerEnumerate(cmd *command.Command, arg any) int {
	out := arg.(*[]DeviceInfo)
	for _, d := range e.registry.All() {
		*out = append(*out, DeviceInfo{
			ID:          d.ID,
			Name:        d.Name,
			Address:     d.Address,
			HasPassword: d.HasPassword,
			Selected:    d.Selected,
		})
	}
	return 0
}

func (e *Engine) doQueueMake(cmd *command.Command, arg any) int {
	req := arg.(queueMakeArgs)
	if err := e.queue.Make(req.query, req.sort); err != nil {
		log.Printf("player: queue_make: %v", err)
		return -1
	}
	e.notifyUpdate()
	return 0
}

type queueMakeArgs struct {
	query string
	sort  mediadb.SortKey
}

// --- exported control-frontend surface ---

// PlaybackStart starts or resumes playback. If idxID points to a non-nil
// value it is interpreted per spec.md's start(idx_id): *idxID == 0 starts
// from the ring head, a positive value walks that many playlist steps;
// the chosen item's id is written back into *idxID. A nil idxID resumes
// from whatever cur_streaming already holds.
func (e *Engine) PlaybackStart(idxID *uint32) (int, error) {
	return e.disp.AsyncCommand(e.doStart, e.startBottomHalf, idxID)
}

// PlaybackPause pauses playback, keeping cur_streaming positioned for a
// fast resume.
func (e *Engine) PlaybackPause() (int, error) {
	return e.disp.AsyncCommand(e.doPause, e.pauseBottomHalf, nil)
}

// PlaybackStop tears down every output and clears the queue cursors.
func (e *Engine) PlaybackStop() (int, error) {
	return e.disp.SyncCommand(e.doStop, nil)
}

// PlaybackNext advances to the next item, honoring force-advance
// semantics (queue.Next(force=true)).
func (e *Engine) PlaybackNext() (int, error) {
	return e.disp.AsyncCommand(e.doNext, e.moveBottomHalf, nil)
}

// PlaybackPrev moves to the previous item (queue.Prev(force=true)).
func (e *Engine) PlaybackPrev() (int, error) {
	return e.disp.AsyncCommand(e.doPrev, e.moveBottomHalf, nil)
}

// PlaybackSeek seeks the current item to ms milliseconds.
func (e *Engine) PlaybackSeek(ms int) (int, error) {
	return e.disp.AsyncCommand(e.doSeek, e.moveBottomHalf, ms)
}

// SpeakerSet reconciles the selected output set, returning 0, -1, or -2
// (password required) per output.Coordinator.SetOutputs.
func (e *Engine) SpeakerSet(ids []uint32) (int, error) {
	return e.disp.SyncCommand(e.doSpeakerSet, ids)
}

// SpeakerEnumerate lists every known device.
func (e *Engine) SpeakerEnumerate() ([]DeviceInfo, error) {
	var out []DeviceInfo
	_, err := e.disp.SyncCommand(e.doSpeakerEnumerate, &out)
	return out, err
}

// VolumeSet applies and persists a 0-100 software volume.
func (e *Engine) VolumeSet(volume int) (int, error) {
	return e.disp.SyncCommand(e.doVolumeSet, volume)
}

// RepeatSet changes the repeat mode.
func (e *Engine) RepeatSet(mode queue.RepeatMode) (int, error) {
	return e.disp.SyncCommand(e.doRepeatSet, mode)
}

// ShuffleSet turns shuffle order on or off.
func (e *Engine) ShuffleSet(on bool) (int, error) {
	return e.disp.SyncCommand(e.doShuffleSet, on)
}

// QueueMake rebuilds the queue from a textual predicate query.
func (e *Engine) QueueMake(query string, sort mediadb.SortKey) (int, error) {
	return e.disp.SyncCommand(e.doQueueMake, queueMakeArgs{query: query, sort: sort})
}

// QueueAdd splices ids into the queue as a new sub-ring before source_head.
func (e *Engine) QueueAdd(ids []uint32) (int, error) {
	return e.disp.SyncCommand(e.doQueueAdd, ids)
}

// QueueClear empties the queue, closing any open transcoder contexts.
func (e *Engine) QueueClear() (int, error) {
	return e.disp.SyncCommand(e.doQueueClear, nil)
}

// GetStatus returns a snapshot of the engine's externally visible state.
func (e *Engine) GetStatus() (Status, error) {
	var st Status
	_, err := e.disp.SyncCommand(e.doGetStatus, &st)
	return st, err
}

// NowPlaying returns the id of the currently playing item, or 0 if none.
func (e *Engine) NowPlaying() (uint32, error) {
	var id uint32
	_, err := e.disp.SyncCommand(e.doNowPlaying, &id)
	return id, err
}

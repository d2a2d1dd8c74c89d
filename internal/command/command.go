// ABOUTME: Command Dispatcher: single in-flight command slot re-expressed as channel message passing
// ABOUTME: One-shot completion handles replace the mutex+condvar+counter idiom a C implementation would use
package command

import (
	"errors"
	"fmt"
)

// Result is the single value a completed command carries back to its
// caller: the command's own return code plus any hard error.
type Result struct {
	Ret int
	Err error
}

// Func is a command's top half, run on the player goroutine. It receives
// its own Command so it can hand device operations a tracker that routes
// their completion back through the player goroutine (see DeviceCallback).
// A return value <= 0 completes the command synchronously with that value
// as Ret. A return value > 0 means the command launched that many async
// device operations; the dispatcher holds the command open until
// RaopPending reaches zero.
type Func func(cmd *Command, arg any) int

// BottomHalf runs once every launched async operation has reported back,
// immediately before the command completes.
type BottomHalf func(cmd *Command, arg any) int

// Command is one in-flight request. Done is the one-shot completion
// handle: exactly one Result is ever sent on it.
type Command struct {
	Func       Func
	BottomHalf BottomHalf
	Arg        any

	done chan Result

	// RaopPending counts outstanding remote-device callbacks before the
	// bottom half may run. It is mutated only on the player goroutine —
	// never touched concurrently — so a plain int suffices per the
	// engine's single-writer ownership rule, despite the name recalling
	// the atomic counter a multi-threaded implementation would need.
	RaopPending int
}

// ErrBusy is returned by SyncCommand/AsyncCommand when a command is
// already in flight.
var ErrBusy = errors.New("command: a command is already in flight")

// Dispatcher enforces "only one command may be in flight" with a
// capacity-1 busy token held from submit until the command's done channel
// fires — not merely until the player goroutine picks it off slot. The
// slot channel itself only carries the command to the Run loop; draining
// it happens the instant Run receives, well before a command with a
// bottom half actually completes, so the token (not the slot) is what a
// second SyncCommand/AsyncCommand call contends on.
type Dispatcher struct {
	slot chan *Command
	busy chan struct{}
}

// NewDispatcher creates a dispatcher with its single command slot empty.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{slot: make(chan *Command, 1), busy: make(chan struct{}, 1)}
}

// Commands returns the channel the player goroutine's Run loop receives
// from.
func (d *Dispatcher) Commands() <-chan *Command { return d.slot }

// SyncCommand submits fn and blocks until the command completes,
// returning its Ret (or Err if fn itself never runs, e.g. dispatcher
// shutdown). Used by control-thread callers that don't need async device
// fan-out (stop, speaker selection, volume, repeat, shuffle, queue and
// status calls).
func (d *Dispatcher) SyncCommand(fn Func, arg any) (int, error) {
	return d.submit(&Command{Func: fn, Arg: arg, done: make(chan Result, 1)})
}

// AsyncCommand submits fn with a bottom half, for commands that may
// launch remote-device operations (start, pause, next, prev, seek). It still
// blocks until completion — in this engine "async" describes the
// player-thread dispatch (top half returns before device callbacks
// finish), not the caller's own blocking wait.
func (d *Dispatcher) AsyncCommand(fn Func, bh BottomHalf, arg any) (int, error) {
	return d.submit(&Command{Func: fn, BottomHalf: bh, Arg: arg, done: make(chan Result, 1)})
}

// submit acquires the busy token (returning ErrBusy on contention),
// hands cmd to the Run loop, and blocks until complete releases the
// token. The token is held for the command's entire lifetime, so a
// second submit cannot begin until the first has been signaled.
func (d *Dispatcher) submit(cmd *Command) (int, error) {
	select {
	case d.busy <- struct{}{}:
	default:
		return 0, ErrBusy
	}

	d.slot <- cmd
	res := <-cmd.done
	return res.Ret, res.Err
}

// Run executes one command's top half. Call this from the player
// goroutine's select loop whenever Commands() yields a value.
func (d *Dispatcher) Run(cmd *Command) {
	ret := cmd.Func(cmd, cmd.Arg)
	if ret <= 0 {
		d.complete(cmd, ret, nil)
		return
	}
	cmd.RaopPending = ret
}

// DeviceCallback is invoked from the player goroutine's select loop once
// per completed remote-device operation (routed there by whatever
// delivered the underlying event — see the player package's ack channel).
// When the last one lands, it runs the bottom half and completes the
// command. Calling this from any other goroutine would race the top
// half's own assignment of RaopPending.
func (d *Dispatcher) DeviceCallback(cmd *Command) {
	cmd.RaopPending--
	if cmd.RaopPending > 0 {
		return
	}

	ret := 0
	if cmd.BottomHalf != nil {
		ret = cmd.BottomHalf(cmd, cmd.Arg)
	}
	d.complete(cmd, ret, nil)
}

func (d *Dispatcher) complete(cmd *Command, ret int, err error) {
	cmd.done <- Result{Ret: ret, Err: err}
	// A command built directly (as the Run/Abort unit tests do, bypassing
	// submit) never acquired the token, so release it only if held.
	select {
	case <-d.busy:
	default:
	}
}

// Abort completes cmd with an error, used when the player goroutine shuts
// down with a command still outstanding.
func (d *Dispatcher) Abort(cmd *Command, reason string) {
	d.complete(cmd, 0, fmt.Errorf("command: aborted: %s", reason))
}

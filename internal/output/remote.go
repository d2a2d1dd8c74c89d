// ABOUTME: Remote receiver session: outbound websocket transport with Opus-encoded audio frames
// ABOUTME: Async start/stop/flush/probe/volume protocol, callbacks always firing on the player thread
package output

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/hraban/opus.v2"

	"github.com/airlinkhub/playengine/internal/clock"
	"github.com/airlinkhub/playengine/internal/pump"
)

// Status is the result carried back on a remote-device callback.
type Status int

const (
	StatusOk Status = iota
	StatusStopped
	StatusFailed
	StatusPassword
)

// Callback is invoked exactly once per async operation, always dispatched
// through the session's callback channel so the caller can marshal it
// onto the player thread rather than receiving it on the reader goroutine.
type Callback func(Status)

const audioFrameType = 1

// RemoteSession is one outbound connection to a remote receiver. Every
// public method except Write is async: it returns immediately and the
// result arrives later via the supplied Callback (or the registered
// status callback, for unsolicited state changes).
type RemoteSession struct {
	id   uint32
	addr string

	conn   *websocket.Conn
	sendMu sync.Mutex

	encoder *opus.Encoder
	netsync *clock.NetSync

	statusCB Callback
	closed   bool
	closeMu  sync.Mutex
}

// Dial opens the websocket transport to a remote receiver and prepares
// its Opus encoder at the engine's fixed format. It does not perform the
// higher-level probe/start handshake — callers do that via Probe/Start.
func Dial(id uint32, address string, port int) (*RemoteSession, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", address, port), Path: "/session"}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("output: dial %s: %w", u.String(), err)
	}

	enc, err := opus.NewEncoder(sampleRateForOpus, channelsForOpus, opus.AppAudio)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("output: opus encoder: %w", err)
	}

	return &RemoteSession{
		id:      id,
		addr:    u.String(),
		conn:    conn,
		encoder: enc,
		netsync: clock.NewNetSync(),
	}, nil
}

const (
	sampleRateForOpus = pump.SampleRate // Opus accepts 44.1kHz directly; no resample needed.
	channelsForOpus   = pump.Channels
)

// SetStatusCB registers the callback invoked for unsolicited status
// changes (disconnect, device-reported failure) rather than as the
// direct result of a Probe/Start/Stop/Flush/SetVolume call.
func (s *RemoteSession) SetStatusCB(cb Callback) { s.statusCB = cb }

// Probe performs a handshake-only reachability/password check, used when
// the engine is Stopped and merely wants to validate a selection.
func (s *RemoteSession) Probe(cb Callback) {
	go func() {
		if err := s.sendControl("probe", nil); err != nil {
			cb(StatusFailed)
			return
		}
		cb(StatusOk)
	}()
}

// Start begins streaming to this device from rtptime, tagged with the
// translated wallclock ts the device should begin playback at.
func (s *RemoteSession) Start(rtptime int64, ts time.Time, cb Callback) {
	go func() {
		payload := map[string]any{
			"rtptime": rtptime,
			"ts_unix_micros": ts.UnixMicro(),
		}
		if err := s.sendControl("playback_start", payload); err != nil {
			cb(StatusFailed)
			return
		}
		cb(StatusOk)
	}()
}

// Stop tears the session down. Unlike the other verbs this has no
// callback: the caller only needs to know the local side released its
// resources, which happens synchronously here.
func (s *RemoteSession) Stop() {
	_ = s.sendControl("playback_stop", nil)
	s.close()
}

// Flush requests the device discard any buffered audio before rtptime,
// returning immediately; the result arrives via cb.
func (s *RemoteSession) Flush(rtptime int64, cb Callback) {
	go func() {
		if err := s.sendControl("flush", map[string]any{"rtptime": rtptime}); err != nil {
			cb(StatusFailed)
			return
		}
		cb(StatusOk)
	}()
}

// SetVolume requests a device-side volume change.
func (s *RemoteSession) SetVolume(volume int, cb Callback) {
	go func() {
		if err := s.sendControl("set_volume", map[string]any{"volume": volume}); err != nil {
			cb(StatusFailed)
			return
		}
		cb(StatusOk)
	}()
}

// Write encodes one PCM packet to Opus and sends it as a binary frame
// tagged with rtptime, satisfying pump.RemoteSession.
func (s *RemoteSession) Write(pcm []byte, rtptime int64) error {
	samples := bytesToInt16(pcm)
	encoded := make([]byte, len(pcm)) // Opus output never exceeds input size for this frame length.
	n, err := s.encoder.Encode(samples, encoded)
	if err != nil {
		return fmt.Errorf("output: opus encode: %w", err)
	}

	frame := make([]byte, 9+n)
	frame[0] = audioFrameType
	binary.BigEndian.PutUint64(frame[1:9], uint64(rtptime))
	copy(frame[9:], encoded[:n])

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// ProcessTimeSample folds one NTP-style round trip into this session's
// clock offset estimate, used to translate rtptime into the device's
// wallclock for Start.
func (s *RemoteSession) ProcessTimeSample(t1, t2, t3, t4 int64) {
	s.netsync.ProcessSample(t1, t2, t3, t4)
}

// RemoteTime translates a local microsecond timestamp into this device's
// estimated wallclock.
func (s *RemoteSession) RemoteTime(localMicros int64) time.Time {
	return s.netsync.RemoteTime(localMicros)
}

func (s *RemoteSession) sendControl(verb string, payload map[string]any) error {
	if s.conn == nil {
		return fmt.Errorf("output: session %x has no transport", s.id)
	}

	msg := map[string]any{"type": verb}
	for k, v := range payload {
		msg[k] = v
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *RemoteSession) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed || s.conn == nil {
		s.closed = true
		return
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		log.Printf("output: session %x close: %v", s.id, err)
	}
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

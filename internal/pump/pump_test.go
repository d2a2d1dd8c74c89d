package pump

import (
	"errors"
	"testing"
	"time"

	"github.com/airlinkhub/playengine/internal/clock"
	"github.com/airlinkhub/playengine/internal/mediadb"
	"github.com/airlinkhub/playengine/internal/queue"
	"github.com/airlinkhub/playengine/internal/transcode"
)

// fakeDB serves n sequential items, none disabled.
type fakeDB struct {
	rows map[uint32]mediadb.FileMeta
	ids  []uint32
}

func newFakeDB(n int) *fakeDB {
	db := &fakeDB{rows: make(map[uint32]mediadb.FileMeta)}
	for i := 1; i <= n; i++ {
		id := uint32(i)
		db.rows[id] = mediadb.FileMeta{ID: id}
		db.ids = append(db.ids, id)
	}
	return db
}

type fakeIter struct {
	ids []uint32
	db  *fakeDB
	i   int
}

func (it *fakeIter) Next() (mediadb.FileMeta, bool) {
	if it.i >= len(it.ids) {
		return mediadb.FileMeta{}, false
	}
	fm := it.db.rows[it.ids[it.i]]
	it.i++
	return fm, true
}
func (it *fakeIter) Close() error { return nil }

func (db *fakeDB) Query(predicate string, sort mediadb.SortKey) (mediadb.Iterator, error) {
	return &fakeIter{ids: append([]uint32(nil), db.ids...), db: db}, nil
}
func (db *fakeDB) FetchByID(id uint32) (mediadb.FileMeta, error) {
	fm, ok := db.rows[id]
	if !ok {
		return mediadb.FileMeta{}, mediadb.ErrNotFound
	}
	return fm, nil
}
func (db *fakeDB) ConfigGetInt(key string) (int, bool, error) { return 0, false, nil }
func (db *fakeDB) ConfigSetInt(key string, value int) error   { return nil }
func (db *fakeDB) Close() error                               { return nil }

// fakeTranscoder yields a fixed-length run of silence per item, then EOF.
type fakeTranscoder struct {
	remaining map[uint32]int
	initial   map[uint32]int
}

type fakeCtx struct{ id uint32 }

func newFakeTranscoder(samplesPerItem int, ids ...uint32) *fakeTranscoder {
	tc := &fakeTranscoder{
		remaining: make(map[uint32]int),
		initial:   make(map[uint32]int),
	}
	for _, id := range ids {
		n := samplesPerItem * Channels * BytesPerSample
		tc.remaining[id] = n
		tc.initial[id] = n
	}
	return tc
}

func (tc *fakeTranscoder) Setup(meta mediadb.FileMeta) (transcode.Context, error) {
	return &fakeCtx{id: meta.ID}, nil
}
func (tc *fakeTranscoder) Transcode(ctx transcode.Context, out []byte) (int, error) {
	fc := ctx.(*fakeCtx)
	left := tc.remaining[fc.id]
	if left <= 0 {
		return 0, nil
	}
	n := len(out)
	if n > left {
		n = left
	}
	tc.remaining[fc.id] = left - n
	return n, nil
}
func (tc *fakeTranscoder) Seek(ctx transcode.Context, ms int) (int, error) {
	fc := ctx.(*fakeCtx)
	if ms == 0 {
		tc.remaining[fc.id] = tc.initial[fc.id]
	}
	return ms, nil
}
func (tc *fakeTranscoder) Cleanup(ctx transcode.Context)                  {}

type fakeLocalSink struct {
	started bool
	writes  [][]byte
}

func (s *fakeLocalSink) Started() bool { return s.started }
func (s *fakeLocalSink) Write(pcm []byte, rtptime int64) error {
	cp := append([]byte(nil), pcm...)
	s.writes = append(s.writes, cp)
	return nil
}

type fakeOutputs struct {
	local *fakeLocalSink
}

func (o *fakeOutputs) Local() LocalSink          { return o.local }
func (o *fakeOutputs) Remotes() []RemoteSession { return nil }

type fakeEvents struct {
	playingIDs []uint32
	stopped    bool
}

func (e *fakeEvents) OnPlaying(id uint32) { e.playingIDs = append(e.playingIDs, id) }
func (e *fakeEvents) OnStopped()          { e.stopped = true }

func newTestPump(n, samplesPerItem int) (*Pump, *queue.Ring, *fakeTranscoder, *fakeEvents, *fakeLocalSink) {
	p, q, tc, events, local, _ := newTestPumpWithClock(n, samplesPerItem)
	return p, q, tc, events, local
}

func newTestPumpWithClock(n, samplesPerItem int) (*Pump, *queue.Ring, *fakeTranscoder, *fakeEvents, *fakeLocalSink, *time.Time) {
	db := newFakeDB(n)
	tc := newFakeTranscoder(samplesPerItem, db.ids...)
	q := queue.New(db, tc, nil)
	if err := q.Make("", mediadb.SortNone); err != nil {
		panic(err)
	}

	now := time.Unix(2000, 0)
	c := clock.New(func() time.Time { return now })

	local := &fakeLocalSink{started: true}
	outs := &fakeOutputs{local: local}
	events := &fakeEvents{}

	p := New(q, c, outs, events, tc)
	return p, q, tc, events, local, &now
}

func TestStartAppliesTwoSecondLeadAndOpensHead(t *testing.T) {
	p, q, _, _, _ := newTestPump(3, 10000)

	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.State() != Playing {
		t.Errorf("expected Playing, got %v", p.State())
	}
	if q.CurStreaming() == nil {
		t.Fatal("expected cur_streaming to be set")
	}
	if q.CurStreaming().ID != idx {
		t.Errorf("expected *idx to report the chosen item's id")
	}
	if !q.CurStreaming().IsOpen() {
		t.Errorf("expected the head item to be opened")
	}
	pos, _, err := p.clock.Position(false)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if want := p.LastRtptime() + PacketSamples - InitialLeadSamples; pos != want {
		t.Errorf("expected clock seeded two seconds behind the first packet at %d, got %d", want, pos)
	}
}

func TestStartWithIdxWalksPlaylistOffset(t *testing.T) {
	p, q, _, _, _ := newTestPump(3, 10000)

	idx := uint32(2)
	if err := p.Start(&idx); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := q.StepPlaylist(q.SourceHead(), 2)
	if q.CurStreaming() != want {
		t.Errorf("expected cur_streaming at offset 2 from head")
	}
}

func TestTickAdvancesLastRtptimeByPacketSamplesEachCall(t *testing.T) {
	p, _, _, _, _ := newTestPump(2, 100000)
	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	before := p.LastRtptime()
	if err := p.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if p.LastRtptime()-before != PacketSamples {
		t.Errorf("expected last_rtptime to advance by %d, got %d", PacketSamples, p.LastRtptime()-before)
	}
}

func TestTickWritesFullPacketToLocalSink(t *testing.T) {
	p, _, _, _, local := newTestPump(2, 100000)
	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	if err := p.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(local.writes) != 1 {
		t.Fatalf("expected one write to the local sink, got %d", len(local.writes))
	}
	if len(local.writes[0]) != packetBytes {
		t.Errorf("expected a full %d-byte packet, got %d", packetBytes, len(local.writes[0]))
	}
}

func TestSourceReadFillsWholePacketWhenSingleItemExhausts(t *testing.T) {
	// One item with fewer samples than a single packet under repeat=Off:
	// source_read's natural Next treats it as repeat-song and re-seeks it,
	// so the packet is still filled and written whole.
	p, q, _, _, local := newTestPump(1, 10)
	q.SetRepeat(queue.RepeatOff)

	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	if err := p.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(local.writes) != 1 {
		t.Fatalf("expected a write even when the source exhausts mid-packet")
	}
	if len(local.writes[0]) != packetBytes {
		t.Errorf("expected the packet to be filled up to its full size")
	}
}

// TestSingleItemRepeatOffStopsOnSecondTick mirrors the spec's literal
// scenario: a single item under repeat=Off reaches EOF, is re-seeked by
// Next's Song override (so source_check later finds play_next empty), and
// only stops once source_check's own crossing logic observes the end.
func TestSingleItemRepeatOffStopsOnSecondTick(t *testing.T) {
	p, q, _, events, _, now := newTestPumpWithClock(1, 300)
	q.SetRepeat(queue.RepeatOff)

	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	// Advance past the 2-second pre-roll lead so tick 1's source_check
	// promotes cur_playing before the item exhausts mid-packet.
	*now = now.Add(2 * time.Second)
	if err := p.Tick(); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if events.stopped {
		t.Fatalf("must not stop on the same tick the item exhausted")
	}

	playing := q.CurPlaying()
	if playing == nil {
		t.Fatalf("expected cur_playing to have been promoted by tick 1's source_check")
	}

	// Advance further so the next tick's source_check observes pos past
	// the recorded end.
	*now = now.Add(1 * time.Second)
	if err := p.Tick(); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if !events.stopped {
		t.Errorf("expected source_check to stop once it observes play_next = nil past end")
	}
}

func TestCrossBoundaryPromotesNextItemUnderRepeatAll(t *testing.T) {
	p, q, _, events, _ := newTestPump(2, 1)
	q.SetRepeat(queue.RepeatAll)

	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	first := q.CurStreaming()
	q.SetCurPlaying(first)

	// A natural (non-forced) Next establishes the play_next chain the
	// same way source_read does mid-packet, ahead of cur_playing.
	if err := q.Next(false); err != nil {
		t.Fatalf("next: %v", err)
	}
	second := q.CurStreaming()
	if first.PlayNext != second {
		t.Fatalf("expected play_next chain from first to second")
	}

	first.End = p.LastRtptime() + PacketSamples - 1
	if err := p.queueAdvanceForTest(); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if len(events.playingIDs) == 0 {
		t.Errorf("expected at least one OnPlaying notification")
	}
	if q.CurPlaying() != second {
		t.Errorf("expected cur_playing promoted to the chained item")
	}
}

// queueAdvanceForTest calls crossBoundary directly, skipping the clock
// check, mirroring what source_check would do once the clock reports
// pos >= end.
func (p *Pump) queueAdvanceForTest() error {
	playing := p.queue.CurPlaying()
	return p.crossBoundary(playing)
}

func TestStopClearsQueueAndNotifies(t *testing.T) {
	p, q, _, events, _ := newTestPump(2, 1000)
	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	p.Stop()
	if p.State() != Stopped {
		t.Errorf("expected Stopped")
	}
	if q.Count() != 0 {
		t.Errorf("expected Stop to clear the queue")
	}
	if !events.stopped {
		t.Errorf("expected OnStopped notification")
	}
}

func TestSeekAdjustsStreamAndOutputStart(t *testing.T) {
	p, q, _, _, _ := newTestPump(1, 100000)
	var idx uint32
	if err := p.Start(&idx); err != nil {
		t.Fatal(err)
	}

	cur := q.CurStreaming()
	if err := p.Seek(1000); err != nil {
		t.Fatalf("seek: %v", err)
	}

	wantOutputStart := p.LastRtptime() + PacketSamples
	if cur.OutputStart != wantOutputStart {
		t.Errorf("expected output_start %d, got %d", wantOutputStart, cur.OutputStart)
	}
	if q.CurPlaying() != nil {
		t.Errorf("expected cur_playing cleared after seek")
	}
}

func TestQueueExhaustedErrorsOnStartWithNoItems(t *testing.T) {
	db := newFakeDB(0)
	tc := newFakeTranscoder(0)
	q := queue.New(db, tc, nil)

	now := time.Unix(0, 0)
	c := clock.New(func() time.Time { return now })
	p := New(q, c, &fakeOutputs{local: &fakeLocalSink{}}, &fakeEvents{}, tc)

	var idx uint32
	if err := p.Start(&idx); !errors.Is(err, ErrQueueExhausted) {
		t.Fatalf("expected ErrQueueExhausted, got %v", err)
	}
}

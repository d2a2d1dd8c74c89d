// ABOUTME: Source Queue: playlist + shuffle rings, cursor management, open/next/prev/seek
// ABOUTME: Owned exclusively by the player goroutine, per the engine's single-writer discipline
package queue

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/airlinkhub/playengine/internal/mediadb"
	"github.com/airlinkhub/playengine/internal/transcode"
)

// RepeatMode selects how the queue wraps at its ends.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatSong
	RepeatAll
)

var (
	// ErrEmpty is returned when a query matches no rows, or when every
	// remaining candidate in a Next/Prev sweep failed to open.
	ErrEmpty = errors.New("queue: empty result set")
	// ErrStop signals the caller that playback should stop rather than
	// advance (Off-mode wrap under an explicit force).
	ErrStop = errors.New("queue: end of queue, stop")
	// ErrNoCurrent is returned by Next/Prev when there is no cur_streaming
	// cursor to advance from.
	ErrNoCurrent = errors.New("queue: no current item")
)

// Ring holds the queue's two cyclic rings and playback cursors. Every
// field is owned by the player goroutine; no locking is performed here.
type Ring struct {
	db mediadb.DB
	tc transcode.Transcoder
	rng *rand.Rand

	sourceHead  *Item
	shuffleHead *Item

	curPlaying   *Item
	curStreaming *Item

	repeat  RepeatMode
	shuffle bool

	count int
}

// New creates an empty Ring. rng is the engine's shuffle RNG; tests inject
// a seeded one for determinism.
func New(db mediadb.DB, tc transcode.Transcoder, rng *rand.Rand) *Ring {
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	return &Ring{db: db, tc: tc, rng: rng}
}

// Count returns the number of items currently queued.
func (r *Ring) Count() int { return r.count }

// SourceHead returns the playlist ring's current head.
func (r *Ring) SourceHead() *Item { return r.sourceHead }

// ShuffleHead returns the shuffle ring's current head.
func (r *Ring) ShuffleHead() *Item { return r.shuffleHead }

// SetShuffleHead repositions the shuffle ring's head directly; used by
// Start(idx_id) to move the shuffle cursor to a playlist-order offset
// without reshuffling.
func (r *Ring) SetShuffleHead(item *Item) { r.shuffleHead = item }

// CurStreaming returns the streaming cursor (may run ahead of CurPlaying).
func (r *Ring) CurStreaming() *Item { return r.curStreaming }

// CurPlaying returns the "now playing" cursor.
func (r *Ring) CurPlaying() *Item { return r.curPlaying }

// SetCurStreaming installs the streaming cursor directly; used by the
// Player State Machine's start(idx_id) path, which repositions the cursor
// before the Pump begins reading.
func (r *Ring) SetCurStreaming(item *Item) { r.curStreaming = item }

// SetCurPlaying installs (or clears, with nil) the playing cursor.
func (r *Ring) SetCurPlaying(item *Item) { r.curPlaying = item }

// Repeat returns the current repeat mode.
func (r *Ring) Repeat() RepeatMode { return r.repeat }

// SetRepeat changes the repeat mode.
func (r *Ring) SetRepeat(mode RepeatMode) { r.repeat = mode }

// Shuffle reports whether shuffle order is active.
func (r *Ring) Shuffle() bool { return r.shuffle }

// SetShuffle turns shuffle on or off. Only the off->on edge reshuffles
// (idempotent true->true is a no-op, matching the spec's round-trip
// property).
func (r *Ring) SetShuffle(on bool) {
	if on && !r.shuffle {
		r.Reshuffle()
	}
	r.shuffle = on
}

// Make builds a fresh queue from a query, replacing any existing queue.
// The initial shuffle ring equals the playlist ring in insertion order.
func (r *Ring) Make(query string, sort mediadb.SortKey) error {
	iter, err := r.db.Query(query, sort)
	if err != nil {
		return fmt.Errorf("queue: make: %w", err)
	}
	defer iter.Close()

	var items []*Item
	for {
		fm, ok := iter.Next()
		if !ok {
			break
		}
		items = append(items, &Item{ID: fm.ID})
	}
	if len(items) == 0 {
		return ErrEmpty
	}

	r.Clear()
	linkPlaylistRing(items)
	linkShuffleRingInOrder(items)

	r.sourceHead = items[0]
	r.shuffleHead = items[0]
	r.count = len(items)
	return nil
}

// Add splices an already-built cyclic playlist sub-ring (headNew, count n)
// before source_head in both rings. If the queue was empty, the sub-ring
// is adopted as the whole queue. The shuffle order of the appended items
// is always an independent Fisher-Yates shuffle, regardless of whether the
// queue was previously empty.
func (r *Ring) Add(headNew *Item, n int) {
	if n <= 0 || headNew == nil {
		return
	}

	members := collectPlaylistRing(headNew, n)
	shuffled := fisherYates(members, r.rng)
	linkShuffleRingInOrder(shuffled)
	newShuffleHead := shuffled[0]

	if r.sourceHead == nil {
		r.sourceHead = headNew
		r.shuffleHead = newShuffleHead
	} else {
		splicePlaylistBefore(r.sourceHead, headNew)
		spliceShuffleBefore(r.shuffleHead, newShuffleHead)
	}
	r.count += n
}

// BuildSubring creates metadata-free placeholder items for ids and links
// them into a cyclic playlist sub-ring suitable for Add. No metadata
// lookup is made and no id is skipped; queue_add never validates
// existence, only queue_open does.
func BuildSubring(ids []uint32) (*Item, int) {
	if len(ids) == 0 {
		return nil, 0
	}
	items := make([]*Item, len(ids))
	for i, id := range ids {
		items[i] = &Item{ID: id}
	}
	linkPlaylistRing(items)
	return items[0], len(items)
}

// Clear breaks the playlist ring into a linear list, frees every node
// (closing any open transcoder context), and resets both ring heads.
func (r *Ring) Clear() {
	if r.sourceHead == nil {
		r.sourceHead, r.shuffleHead, r.curPlaying, r.curStreaming, r.count = nil, nil, nil, nil, 0
		return
	}

	node := r.sourceHead
	for i := 0; i < r.count; i++ {
		next := node.plNext
		if node.Ctx != nil {
			r.tc.Cleanup(node.Ctx)
			node.Ctx = nil
		}
		node.plPrev, node.plNext = nil, nil
		node.shufflePrev, node.shuffleNext = nil, nil
		node.PlayNext = nil
		node = next
	}

	r.sourceHead = nil
	r.shuffleHead = nil
	r.curPlaying = nil
	r.curStreaming = nil
	r.count = 0
}

// Reshuffle snapshots the playlist ring, Fisher-Yates shuffles it, and
// relinks it as a new cyclic shuffle ring. shuffle_head becomes
// cur_streaming if one exists, else the new ring's first element.
func (r *Ring) Reshuffle() {
	if r.sourceHead == nil {
		return
	}
	members := collectPlaylistRing(r.sourceHead, r.count)
	shuffled := fisherYates(members, r.rng)
	linkShuffleRingInOrder(shuffled)

	if r.curStreaming != nil {
		r.shuffleHead = r.curStreaming
	} else {
		r.shuffleHead = shuffled[0]
	}
}

// Position linearly scans the playlist ring from source_head, counting
// steps to reach item. Returns -1 if item is not in the ring.
func (r *Ring) Position(item *Item) int {
	if r.sourceHead == nil || item == nil {
		return -1
	}
	node := r.sourceHead
	for i := 0; i < r.count; i++ {
		if node == item {
			return i
		}
		node = node.plNext
	}
	return -1
}

// StepPlaylist walks n steps forward from item along the playlist ring.
func (r *Ring) StepPlaylist(item *Item, n int) *Item {
	node := item
	for i := 0; i < n; i++ {
		node = node.plNext
	}
	return node
}

// Open resolves id to metadata and opens a transcoder context on item. It
// fails (without mutating item) if the item is disabled or the transcoder
// setup fails; callers skip forward on failure.
func (r *Ring) Open(item *Item) error {
	meta, err := r.db.FetchByID(item.ID)
	if err != nil {
		return fmt.Errorf("queue: fetch %d: %w", item.ID, err)
	}
	if meta.Disabled {
		return fmt.Errorf("queue: item %d disabled", item.ID)
	}

	ctx, err := r.tc.Setup(meta)
	if err != nil {
		return fmt.Errorf("queue: setup %d: %w", item.ID, err)
	}

	item.Ctx = ctx
	item.StreamStart = 0
	item.OutputStart = 0
	item.End = 0
	item.PlayNext = nil
	return nil
}

// effectiveMode applies the three overrides spec.md §4.B describes before
// either Next or Prev act on the configured repeat mode.
func (r *Ring) effectiveMode(force bool) RepeatMode {
	switch {
	case force && r.repeat == RepeatSong:
		return RepeatAll
	case r.count == 1 && r.repeat == RepeatAll:
		return RepeatSong
	case !force && r.repeat == RepeatOff && r.count == 1:
		return RepeatSong
	default:
		return r.repeat
	}
}

// Next advances cur_streaming according to the current repeat/shuffle
// configuration. force distinguishes an explicit user "next" command from
// a natural end-of-item crossover.
func (r *Ring) Next(force bool) error {
	cur := r.curStreaming
	if cur == nil {
		return ErrNoCurrent
	}

	switch mode := r.effectiveMode(force); {
	case mode == RepeatSong:
		return r.nextSong(cur)
	case mode == RepeatAll && r.shuffle:
		return r.nextShuffledAll(cur)
	case mode == RepeatAll:
		return r.nextLinearAll(cur, force)
	default:
		return r.nextOff(cur, force)
	}
}

func (r *Ring) nextSong(cur *Item) error {
	if cur.Ctx != nil {
		if _, err := r.tc.Seek(cur.Ctx, 0); err != nil {
			return fmt.Errorf("queue: reseek %d: %w", cur.ID, err)
		}
		return nil
	}
	return r.Open(cur)
}

func (r *Ring) nextLinearAll(cur *Item, force bool) error {
	found, err := r.advance(cur.plNext, cur, func(i *Item) *Item { return i.plNext })
	if err != nil {
		return err
	}
	r.commitAdvance(cur, found, force)
	return nil
}

func (r *Ring) nextShuffledAll(cur *Item) error {
	candidate := cur.shuffleNext
	if candidate == r.shuffleHead && r.curStreaming != nil {
		r.Reshuffle()
		candidate = cur.shuffleNext
	}
	found, err := r.advance(candidate, r.shuffleHead, func(i *Item) *Item { return i.shuffleNext })
	if err != nil {
		return err
	}
	r.commitAdvance(cur, found, false)
	return nil
}

func (r *Ring) nextOff(cur *Item, force bool) error {
	candidate := cur.plNext
	if force && candidate == r.sourceHead {
		return ErrStop
	}
	found, err := r.advance(candidate, r.sourceHead, func(i *Item) *Item { return i.plNext })
	if err != nil {
		return err
	}
	r.commitAdvance(cur, found, force)
	return nil
}

// Prev is symmetric to Next but never reshuffles, and stops immediately
// under Off when the cursor is already at the ring head.
func (r *Ring) Prev(force bool) error {
	cur := r.curStreaming
	if cur == nil {
		return ErrNoCurrent
	}

	switch mode := r.effectiveMode(force); {
	case mode == RepeatSong:
		return r.nextSong(cur)
	case mode == RepeatAll && r.shuffle:
		found, err := r.advance(cur.shufflePrev, r.shuffleHead, func(i *Item) *Item { return i.shufflePrev })
		if err != nil {
			return err
		}
		r.commitAdvance(cur, found, force)
		return nil
	case mode == RepeatAll:
		found, err := r.advance(cur.plPrev, cur, func(i *Item) *Item { return i.plPrev })
		if err != nil {
			return err
		}
		r.commitAdvance(cur, found, force)
		return nil
	default:
		if cur == r.sourceHead {
			return ErrStop
		}
		found, err := r.advance(cur.plPrev, r.sourceHead, func(i *Item) *Item { return i.plPrev })
		if err != nil {
			return err
		}
		r.commitAdvance(cur, found, force)
		return nil
	}
}

// advance tries to open candidates in succession, following nextFn, until
// one opens successfully or limit is revisited.
func (r *Ring) advance(start, limit *Item, nextFn func(*Item) *Item) (*Item, error) {
	candidate := start
	for {
		if err := r.Open(candidate); err == nil {
			return candidate, nil
		}
		nxt := nextFn(candidate)
		if nxt == limit {
			return nil, ErrEmpty
		}
		candidate = nxt
	}
}

func (r *Ring) commitAdvance(cur, newItem *Item, force bool) {
	if cur.Ctx != nil {
		r.tc.Cleanup(cur.Ctx)
		cur.Ctx = nil
	}
	if !force && r.curStreaming != nil {
		cur.PlayNext = newItem
	}
	r.curStreaming = newItem
}

// --- ring construction helpers ---

func linkPlaylistRing(items []*Item) {
	n := len(items)
	for i, it := range items {
		it.plNext = items[(i+1)%n]
		it.plPrev = items[(i-1+n)%n]
	}
}

func linkShuffleRingInOrder(items []*Item) {
	n := len(items)
	for i, it := range items {
		it.shuffleNext = items[(i+1)%n]
		it.shufflePrev = items[(i-1+n)%n]
	}
}

func collectPlaylistRing(head *Item, n int) []*Item {
	items := make([]*Item, n)
	node := head
	for i := 0; i < n; i++ {
		items[i] = node
		node = node.plNext
	}
	return items
}

func fisherYates(items []*Item, rng *rand.Rand) []*Item {
	out := make([]*Item, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func splicePlaylistBefore(head, newHead *Item) {
	newTail := newHead.plPrev
	oldTail := head.plPrev

	oldTail.plNext = newHead
	newHead.plPrev = oldTail
	newTail.plNext = head
	head.plPrev = newTail
}

func spliceShuffleBefore(head, newHead *Item) {
	newTail := newHead.shufflePrev
	oldTail := head.shufflePrev

	oldTail.shuffleNext = newHead
	newHead.shufflePrev = oldTail
	newTail.shuffleNext = head
	head.shufflePrev = newTail
}

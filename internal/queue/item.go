// ABOUTME: SourceItem node type shared by the playlist and shuffle rings
// ABOUTME: Two independent intrusive cyclic rings over the same set of nodes
package queue

import "github.com/airlinkhub/playengine/internal/transcode"

// Item is one entry in the queue. It participates in two independent
// cyclic doubly-linked rings (playlist order and shuffle order) plus a
// transient singly-linked "scheduled successor" pointer used only between
// cur_playing and cur_streaming while a packet is mid-flight.
type Item struct {
	ID uint32

	// StreamStart is the sample index at which this item's first sample
	// was scheduled to be emitted.
	StreamStart int64
	// OutputStart is the sample index at which the item becomes
	// "now playing" (may exceed StreamStart during the pre-roll lead).
	OutputStart int64
	// End is the sample index of the last emitted sample, or 0 meaning
	// "not yet ended".
	End int64

	// Ctx is the open transcoder handle, present iff the item is open.
	Ctx transcode.Context

	plPrev, plNext           *Item
	shufflePrev, shuffleNext *Item

	// PlayNext is the transient forward linkage between cur_playing and
	// cur_streaming, set only while the streaming cursor runs ahead.
	PlayNext *Item
}

// IsOpen reports whether the item currently holds a transcoder context.
func (i *Item) IsOpen() bool { return i.Ctx != nil }

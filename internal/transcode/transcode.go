// ABOUTME: Transcoder contract for the playback engine
// ABOUTME: Setup/Transcode/Seek/Cleanup over an opaque per-item context
package transcode

import "github.com/airlinkhub/playengine/internal/mediadb"

// Context is an opaque handle into an open transcode session, returned by
// Setup and passed back into Transcode/Seek/Cleanup. Exactly one is open
// per SourceItem at a time.
type Context interface{}

// Transcoder opens media items and yields 16-bit little-endian stereo PCM
// at 44,100 Hz, regardless of the source container/codec.
type Transcoder interface {
	// Setup opens the item described by meta and returns a context handle.
	Setup(meta mediadb.FileMeta) (Context, error)

	// Transcode fills out with decoded PCM bytes, returning the number of
	// bytes written. A return of <= 0 signals EOF or a decode error.
	Transcode(ctx Context, out []byte) (int, error)

	// Seek requests a seek to ms milliseconds into the item and returns the
	// position actually seeked to (containers don't always seek exactly).
	Seek(ctx Context, ms int) (int, error)

	// Cleanup releases all resources held by ctx. Safe to call once per
	// successful Setup.
	Cleanup(ctx Context)
}

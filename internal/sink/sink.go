// Package sink implements the output/input ends of the trace stream:
// a growable memory-mapped file, a single-client TCP stream, and a
// discard sink, plus their Source counterparts for the reader side.
// Grounded on spec.md §4.7; the Unix-domain-socket naming scheme in
// golang-debug's ogle/socket/socket.go is the model for listener
// setup, generalized here to a single TCP listener per spec.md's
// "single TCP stream" transport decision (see DESIGN.md).
package sink

import "io"

// Whence mirrors io.Seeker's constants so callers don't need to
// import "io" just to call Seek.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// Sink is the abstract output the writer emits bytes into.
type Sink interface {
	// WriteAll writes the full buffer or returns an error; it never
	// performs a short write.
	WriteAll(p []byte) error
	// Seek repositions the sink, if it supports doing so.
	Seek(offset int64, whence int) (int64, error)
	// Supported reports which optional capabilities this sink has.
	Supported() Capabilities
	// CloneInChildProcess returns a sink for a forked child to write
	// into, or nil if this sink cannot be cloned (spec.md §4.7: a
	// socket sink disables follow-fork by returning nil here).
	CloneInChildProcess() Sink
	Close() error
}

// Capabilities reports which of Sink's optional operations are
// meaningfully implemented, rather than silently no-opping.
type Capabilities struct {
	Seekable bool
	Clonable bool
}

// Source is the reader-side counterpart of Sink.
type Source interface {
	io.Reader
	Close() error
}

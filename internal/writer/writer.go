// Package writer serializes typed records to a sink, applying
// delta-encoding and the context-switch/frame-pop packing spec.md
// §4.6 describes. A line-for-line port of record_writer.cpp's
// StreamingRecordWriter.
package writer

import (
	"time"

	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
	"github.com/heaptrace/heaptrace/internal/varint"
)

// deltaState holds the previous value of every field that is
// delta-encoded on the wire, record_writer.h's DeltaEncodedFields.
type deltaState struct {
	threadID         varint.Delta
	dataPointer      varint.Delta
	instructionPtr   varint.Delta
	pythonFrameID    varint.Delta
	nativeFrameID    varint.Delta
	pythonLineNumber varint.Delta
	lastThreadID     uint64
	haveThread       bool
}

// Writer emits the wire format described in spec.md §4.6 onto a Sink.
type Writer struct {
	s      sink.Sink
	header recordio.Header
	stats  recordio.Stats
	last   deltaState
	buf    []byte
}

// New constructs a Writer with a fresh header carrying placeholder
// stats, matching StreamingRecordWriter's constructor.
func New(s sink.Sink, commandLine string, pid int32, nativeTraces bool, pyAllocator recordio.PythonAllocatorType) *Writer {
	stats := recordio.Stats{StartTimeMs: nowMillis()}
	return &Writer{
		s: s,
		header: recordio.Header{
			Version:             recordio.Version,
			NativeTraces:        nativeTraces,
			CommandLine:         commandLine,
			Pid:                 pid,
			PythonAllocatorType: pyAllocator,
		},
		stats: stats,
	}
}

// nowMillis is a seam over time.Now so tests can avoid real wall
// clock dependence if they need to; production always calls it with
// the real clock.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// SetMainThread records the main thread id and how many of its
// frames were skipped before tracking attached.
func (w *Writer) SetMainThread(tid uint64, skippedFrames uint64) {
	w.header.MainThreadID = tid
	w.header.SkippedFramesOnMain = skippedFrames
}

func (w *Writer) emit(p []byte) error {
	return w.s.WriteAll(p)
}

func (w *Writer) token(t recordio.RecordType, flags byte) error {
	return w.emit([]byte{byte(recordio.NewToken(t, flags))})
}

func (w *Writer) varint(v uint64) error {
	w.buf = varint.AppendUvarint(w.buf[:0], v)
	return w.emit(w.buf)
}

func (w *Writer) cstring(s string) error {
	return w.emit(append([]byte(s), 0))
}

func (w *Writer) delta(d *varint.Delta, v int64) error {
	w.buf = d.Encode(w.buf[:0], v)
	return w.emit(w.buf)
}

// WriteMemoryRecord emits a periodic RSS sample.
func (w *Writer) WriteMemoryRecord(r recordio.MemoryRecord) error {
	if err := w.token(recordio.MemoryRecord, 0); err != nil {
		return err
	}
	if err := w.varint(r.RSSBytes); err != nil {
		return err
	}
	return w.varint(r.MsSinceEpoch - uint64(w.stats.StartTimeMs))
}

// WriteFrameIndex registers a new interpreter frame.
func (w *Writer) WriteFrameIndex(id recordio.FrameID, f recordio.Frame) error {
	w.stats.NFrames++
	flags := byte(0)
	if !f.IsEntry {
		flags = 1
	}
	if err := w.token(recordio.FrameIndex, flags); err != nil {
		return err
	}
	if err := w.delta(&w.last.pythonFrameID, int64(id)); err != nil {
		return err
	}
	if err := w.cstring(f.FunctionName); err != nil {
		return err
	}
	if err := w.cstring(f.FileName); err != nil {
		return err
	}
	return w.delta(&w.last.pythonLineNumber, int64(f.Line))
}

// WriteNativeTraceIndex registers a new native frame-tree node.
func (w *Writer) WriteNativeTraceIndex(r recordio.UnresolvedNativeFrame) error {
	if err := w.token(recordio.NativeTraceIndex, 0); err != nil {
		return err
	}
	if err := w.delta(&w.last.instructionPtr, int64(r.IP)); err != nil {
		return err
	}
	return w.delta(&w.last.nativeFrameID, int64(r.ParentIndex))
}

// WriteMappings emits a fresh memory-map snapshot.
func (w *Writer) WriteMappings(images []recordio.ImageSegments) error {
	if err := w.token(recordio.MemoryMapStart, 0); err != nil {
		return err
	}
	for _, image := range images {
		if err := w.token(recordio.SegmentHeader, 0); err != nil {
			return err
		}
		if err := w.cstring(image.Filename); err != nil {
			return err
		}
		if err := w.varint(uint64(len(image.Segments))); err != nil {
			return err
		}
		if err := w.emit(uint64LE(image.LoadAddress)); err != nil {
			return err
		}
		for _, seg := range image.Segments {
			if err := w.token(recordio.Segment, 0); err != nil {
				return err
			}
			if err := w.emit(uint64LE(seg.VAddr)); err != nil {
				return err
			}
			if err := w.varint(seg.MemSz); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeWriteContextSwitch emits CONTEXT_SWITCH iff tid differs from
// the last thread-specific record's thread, matching
// maybeWriteContextSwitchRecordUnsafe.
func (w *Writer) maybeWriteContextSwitch(tid uint64) error {
	if w.last.haveThread && w.last.lastThreadID == tid {
		return nil
	}
	w.last.lastThreadID = tid
	w.last.haveThread = true
	if err := w.token(recordio.ContextSwitch, 0); err != nil {
		return err
	}
	return w.delta(&w.last.threadID, int64(tid))
}

// WriteFramePop emits count pops for tid, packing up to 16 pops into
// each FRAME_POP token's flag nibble, matching
// writeThreadSpecificRecord(tid, FramePop).
func (w *Writer) WriteFramePop(tid uint64, count int) error {
	if err := w.maybeWriteContextSwitch(tid); err != nil {
		return err
	}
	for count > 0 {
		toPop := count
		if toPop > 16 {
			toPop = 16
		}
		count -= toPop
		if err := w.token(recordio.FramePop, byte(toPop-1)); err != nil {
			return err
		}
	}
	return nil
}

// WriteFramePush emits a single FRAME_PUSH for tid.
func (w *Writer) WriteFramePush(tid uint64, frameID recordio.FrameID) error {
	if err := w.maybeWriteContextSwitch(tid); err != nil {
		return err
	}
	if err := w.token(recordio.FramePush, 0); err != nil {
		return err
	}
	return w.delta(&w.last.pythonFrameID, int64(frameID))
}

// WriteAllocation emits a simple (non-native) allocation or
// deallocation record.
func (w *Writer) WriteAllocation(tid uint64, address uint64, size uint64, allocator recordio.Allocator) error {
	if err := w.maybeWriteContextSwitch(tid); err != nil {
		return err
	}
	w.stats.NAllocations++
	if err := w.token(recordio.Allocation, byte(allocator)); err != nil {
		return err
	}
	if err := w.delta(&w.last.dataPointer, int64(address)); err != nil {
		return err
	}
	if allocator.Kind() == recordio.SimpleDeallocator {
		return nil
	}
	return w.varint(size)
}

// WriteNativeAllocation emits an allocation with an attached native
// stack reference.
func (w *Writer) WriteNativeAllocation(tid uint64, address, size uint64, allocator recordio.Allocator, nativeFrameID uint64) error {
	if err := w.maybeWriteContextSwitch(tid); err != nil {
		return err
	}
	w.stats.NAllocations++
	if err := w.token(recordio.AllocationWithNative, byte(allocator)); err != nil {
		return err
	}
	if err := w.delta(&w.last.dataPointer, int64(address)); err != nil {
		return err
	}
	if err := w.varint(size); err != nil {
		return err
	}
	return w.delta(&w.last.nativeFrameID, int64(nativeFrameID))
}

// WriteThreadRecord records a thread's name.
func (w *Writer) WriteThreadRecord(tid uint64, name string) error {
	if err := w.maybeWriteContextSwitch(tid); err != nil {
		return err
	}
	if err := w.token(recordio.ThreadRecord, 0); err != nil {
		return err
	}
	return w.cstring(name)
}

// WriteHeader (re)writes the header. When seekToStart is true the
// sink is rewound first, matching writeHeader's teardown rewrite with
// finalized stats; a socket sink's Seek will fail and the write is
// simply skipped, as spec.md §4.6 describes.
func (w *Writer) WriteHeader(seekToStart bool) error {
	if seekToStart {
		if _, err := w.s.Seek(0, sink.SeekStart); err != nil {
			return nil
		}
	}
	w.stats.EndTimeMs = nowMillis()
	w.header.Stats = w.stats

	if err := w.emit([]byte(recordio.Magic)); err != nil {
		return err
	}
	if err := w.emit(int32LE(w.header.Version)); err != nil {
		return err
	}
	nativeByte := byte(0)
	if w.header.NativeTraces {
		nativeByte = 1
	}
	if err := w.emit([]byte{nativeByte}); err != nil {
		return err
	}
	if err := w.emit(statsBytes(w.header.Stats)); err != nil {
		return err
	}
	if err := w.cstring(w.header.CommandLine); err != nil {
		return err
	}
	if err := w.emit(int32LE(w.header.Pid)); err != nil {
		return err
	}
	if err := w.emit(uint64LE(w.header.MainThreadID)); err != nil {
		return err
	}
	if err := w.emit(uint64LE(w.header.SkippedFramesOnMain)); err != nil {
		return err
	}
	return w.emit([]byte{byte(w.header.PythonAllocatorType)})
}

// WriteTrailer emits the non-zero sentinel that marks the end of
// valid data, so FileSource can distinguish real content from a
// zeroed tail left by an abrupt exit.
func (w *Writer) WriteTrailer() error {
	return w.token(recordio.Other, byte(recordio.Trailer))
}

// CloneInChildProcess asks the sink to produce a child sink and, if
// it can, returns a fresh Writer with zeroed delta state, per
// spec.md §4.7.
func (w *Writer) CloneInChildProcess() *Writer {
	childSink := w.s.CloneInChildProcess()
	if childSink == nil {
		return nil
	}
	return New(childSink, w.header.CommandLine, w.header.Pid, w.header.NativeTraces, w.header.PythonAllocatorType)
}

// statsVarintWidth is wide enough for any uint64, and statsBytes
// always pads NAllocations/NFrames out to it. WriteHeader rewrites
// this block in place at the same file offset once the real counts
// are known, so its length can never depend on their value.
const statsVarintWidth = varint.MaxLen64

func statsBytes(s recordio.Stats) []byte {
	b := make([]byte, 0, 32)
	b = appendFixedUvarint(b, s.NAllocations, statsVarintWidth)
	b = appendFixedUvarint(b, s.NFrames, statsVarintWidth)
	b = append(b, int64LE(s.StartTimeMs)...)
	b = append(b, int64LE(s.EndTimeMs)...)
	return b
}

// appendFixedUvarint appends the varint encoding of x, padded with
// continuation bytes to exactly width bytes. ReadUvarint decodes it
// like any other varint; only the encoded length is pinned down.
func appendFixedUvarint(buf []byte, x uint64, width int) []byte {
	for i := 0; i < width; i++ {
		b := byte(x & 0x7f)
		x >>= 7
		if i != width-1 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func uint64LE(v uint64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
}

func int64LE(v int64) []byte { return uint64LE(uint64(v)) }

func int32LE(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

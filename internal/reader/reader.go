// Package reader reconstructs the stream internal/writer produces back
// into frames, per-thread call stacks, memory mappings, and allocation
// records. A line-for-line port of record_reader.cpp's RecordReader,
// generalized to the streaming token/delta wire format spec.md §4.6
// describes rather than the original's fixed-size struct records.
package reader

import (
	"bufio"
	"fmt"
	"io"

	"github.com/heaptrace/heaptrace/internal/frametree"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/memmap"
	"github.com/heaptrace/heaptrace/internal/nativeresolve"
	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
	"github.com/heaptrace/heaptrace/internal/varint"
)

var log = logging.For("reader")

// Allocation is a fully decorated allocation or deallocation event:
// the raw event plus the call-stack-tree indices needed to later
// reconstruct its Python and native stack traces on demand, matching
// pensieve::api::Allocation.
type Allocation struct {
	ThreadID                uint64
	Address                 uint64
	Size                    uint64
	Allocator               recordio.Allocator
	FrameIndex              frametree.Index
	NativeFrameIndex        uint32 // 0 means no native trace attached
	NativeSegmentGeneration memmap.Generation
}

// Result classifies what Next produced, mirroring RecordReader's
// RecordResult enum (minus ERROR, which Next reports as a Go error).
type Result int

const (
	ResultAllocation Result = iota
	ResultMemory
	ResultEOF
)

// deltaState mirrors the writer's deltaState field for field: every
// value the wire format delta-encodes must be decoded with exactly the
// same history on both sides.
type deltaState struct {
	threadID         varint.Delta
	dataPointer      varint.Delta
	instructionPtr   varint.Delta
	pythonFrameID    varint.Delta
	nativeFrameID    varint.Delta
	pythonLineNumber varint.Delta
	currentThreadID  uint64
}

// Reader parses a Source produced by a Writer into structured records.
type Reader struct {
	src sink.Source
	br  *bufio.Reader

	header recordio.Header
	last   deltaState

	frames       map[recordio.FrameID]recordio.Frame
	pythonStacks map[uint64][]recordio.FrameID
	pyTree       *frametree.Tree[recordio.FrameID]

	nativeFrames []recordio.UnresolvedNativeFrame

	images   *memmap.Index
	resolver *nativeresolve.Cache

	threadNames map[uint64]string

	lastAllocation Allocation
	lastMemory     recordio.MemoryRecord
}

// New reads and validates the header from src and returns a Reader
// ready to iterate its records.
func New(src sink.Source, resolver *nativeresolve.Cache) (*Reader, error) {
	r := &Reader{
		src:          src,
		br:           bufio.NewReader(src),
		frames:       make(map[recordio.FrameID]recordio.Frame),
		pythonStacks: make(map[uint64][]recordio.FrameID),
		pyTree:       frametree.New[recordio.FrameID](),
		images:       memmap.NewIndex(),
		resolver:     resolver,
		threadNames:  make(map[uint64]string),
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the parsed preamble.
func (r *Reader) Header() recordio.Header { return r.header }

// Close releases the underlying source.
func (r *Reader) Close() error { return r.src.Close() }

func (r *Reader) readHeader() error {
	magic := make([]byte, len(recordio.Magic))
	if _, err := io.ReadFull(r.br, magic); err != nil {
		return fmt.Errorf("reader: reading magic: %w", err)
	}
	if string(magic) != recordio.Magic {
		return fmt.Errorf("reader: bad magic %q", magic)
	}
	version, err := r.readInt32()
	if err != nil {
		return fmt.Errorf("reader: reading version: %w", err)
	}
	nativeByte, err := r.br.ReadByte()
	if err != nil {
		return fmt.Errorf("reader: reading native flag: %w", err)
	}
	var stats recordio.Stats
	if stats.NAllocations, err = varint.ReadUvarint(r.br); err != nil {
		return err
	}
	if stats.NFrames, err = varint.ReadUvarint(r.br); err != nil {
		return err
	}
	startMs, err := r.readUint64()
	if err != nil {
		return err
	}
	endMs, err := r.readUint64()
	if err != nil {
		return err
	}
	stats.StartTimeMs = int64(startMs)
	stats.EndTimeMs = int64(endMs)

	cmdLine, err := r.readCString()
	if err != nil {
		return fmt.Errorf("reader: reading command line: %w", err)
	}
	pid, err := r.readInt32()
	if err != nil {
		return err
	}
	mainTID, err := r.readUint64()
	if err != nil {
		return err
	}
	skipped, err := r.readUint64()
	if err != nil {
		return err
	}
	allocType, err := r.br.ReadByte()
	if err != nil {
		return err
	}

	r.header = recordio.Header{
		Version:             version,
		NativeTraces:        nativeByte != 0,
		Stats:               stats,
		CommandLine:         cmdLine,
		Pid:                 pid,
		MainThreadID:        mainTID,
		SkippedFramesOnMain: skipped,
		PythonAllocatorType: recordio.PythonAllocatorType(allocType),
	}
	return nil
}

// LastAllocation returns the allocation decoded by the most recent
// call to Next that returned ResultAllocation.
func (r *Reader) LastAllocation() Allocation { return r.lastAllocation }

// LastMemoryRecord returns the sample decoded by the most recent call
// to Next that returned ResultMemory.
func (r *Reader) LastMemoryRecord() recordio.MemoryRecord { return r.lastMemory }

// ThreadName returns the name last reported for tid, if any.
func (r *Reader) ThreadName(tid uint64) (string, bool) {
	name, ok := r.threadNames[tid]
	return name, ok
}

// Next advances the stream by exactly one allocation or memory record,
// consuming and applying any number of bookkeeping records (frame
// pushes/pops, frame and native-trace indices, memory-map updates,
// thread names, context switches) first. This is nextAllocationRecord
// generalized to also surface memory samples, matching memray's
// nextRecord.
func (r *Reader) Next() (Result, error) {
	for {
		tokByte, err := r.br.ReadByte()
		if err == io.EOF {
			return ResultEOF, nil
		}
		if err != nil {
			return ResultEOF, fmt.Errorf("reader: reading token: %w", err)
		}
		tok := recordio.Token(tokByte)

		switch tok.Type() {
		case recordio.ContextSwitch:
			if err := r.parseContextSwitch(); err != nil {
				return ResultEOF, err
			}
		case recordio.FramePush:
			if err := r.parseFramePush(); err != nil {
				return ResultEOF, err
			}
		case recordio.FramePop:
			r.parseFramePop(tok.Flags())
		case recordio.FrameIndex:
			if err := r.parseFrameIndex(tok.Flags()); err != nil {
				return ResultEOF, err
			}
		case recordio.NativeTraceIndex:
			if err := r.parseNativeTraceIndex(); err != nil {
				return ResultEOF, err
			}
		case recordio.MemoryMapStart:
			r.images.StartGeneration()
		case recordio.SegmentHeader:
			if err := r.parseSegmentHeader(); err != nil {
				return ResultEOF, err
			}
		case recordio.ThreadRecord:
			if err := r.parseThreadRecord(); err != nil {
				return ResultEOF, err
			}
		case recordio.MemoryRecord:
			if err := r.parseMemoryRecord(); err != nil {
				return ResultEOF, err
			}
			return ResultMemory, nil
		case recordio.Allocation:
			if err := r.parseAllocation(tok.Flags()); err != nil {
				return ResultEOF, err
			}
			return ResultAllocation, nil
		case recordio.AllocationWithNative:
			if err := r.parseAllocationWithNative(tok.Flags()); err != nil {
				return ResultEOF, err
			}
			return ResultAllocation, nil
		case recordio.Other:
			// Trailer or a future sub-kind we don't need to act on.
		default:
			return ResultEOF, fmt.Errorf("reader: unexpected record type %d", tok.Type())
		}
	}
}

func (r *Reader) parseContextSwitch() error {
	tid, err := r.last.threadID.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding context switch: %w", err)
	}
	r.last.currentThreadID = uint64(tid)
	return nil
}

func (r *Reader) parseFramePush() error {
	id, err := r.last.pythonFrameID.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding frame push: %w", err)
	}
	tid := r.last.currentThreadID
	r.pythonStacks[tid] = append(r.pythonStacks[tid], recordio.FrameID(id))
	return nil
}

func (r *Reader) parseFramePop(flags byte) {
	count := int(flags) + 1
	tid := r.last.currentThreadID
	stack := r.pythonStacks[tid]
	if count > len(stack) {
		count = len(stack)
	}
	r.pythonStacks[tid] = stack[:len(stack)-count]
}

func (r *Reader) parseFrameIndex(flags byte) error {
	id, err := r.last.pythonFrameID.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding frame index: %w", err)
	}
	functionName, err := r.readCString()
	if err != nil {
		return fmt.Errorf("reader: decoding frame function name: %w", err)
	}
	fileName, err := r.readCString()
	if err != nil {
		return fmt.Errorf("reader: decoding frame file name: %w", err)
	}
	line, err := r.last.pythonLineNumber.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding frame line: %w", err)
	}
	frameID := recordio.FrameID(id)
	if _, exists := r.frames[frameID]; exists {
		return fmt.Errorf("reader: duplicate frame id %d", frameID)
	}
	r.frames[frameID] = recordio.Frame{
		FunctionName: functionName,
		FileName:     fileName,
		Line:         int32(line),
		IsEntry:      flags == 0,
	}
	return nil
}

func (r *Reader) parseNativeTraceIndex() error {
	ip, err := r.last.instructionPtr.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding native trace ip: %w", err)
	}
	parent, err := r.last.nativeFrameID.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding native trace parent: %w", err)
	}
	r.nativeFrames = append(r.nativeFrames, recordio.UnresolvedNativeFrame{
		IP:          uint64(ip),
		ParentIndex: uint32(parent),
	})
	return nil
}

func (r *Reader) parseSegmentHeader() error {
	filename, err := r.readCString()
	if err != nil {
		return fmt.Errorf("reader: decoding segment header name: %w", err)
	}
	numSegments, err := varint.ReadUvarint(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding segment count: %w", err)
	}
	loadAddress, err := r.readUint64()
	if err != nil {
		return fmt.Errorf("reader: decoding load address: %w", err)
	}

	segments := make([]recordio.Segment, 0, numSegments)
	for i := uint64(0); i < numSegments; i++ {
		seg, err := r.parseSegment()
		if err != nil {
			return err
		}
		segments = append(segments, seg)
	}
	r.images.AddImage(recordio.ImageSegments{
		Filename:    filename,
		LoadAddress: loadAddress,
		Segments:    segments,
	})
	return nil
}

func (r *Reader) parseSegment() (recordio.Segment, error) {
	tokByte, err := r.br.ReadByte()
	if err != nil {
		return recordio.Segment{}, fmt.Errorf("reader: reading segment token: %w", err)
	}
	if recordio.Token(tokByte).Type() != recordio.Segment {
		return recordio.Segment{}, fmt.Errorf("reader: expected segment token, got %d", tokByte)
	}
	vaddr, err := r.readUint64()
	if err != nil {
		return recordio.Segment{}, err
	}
	memSz, err := varint.ReadUvarint(r.br)
	if err != nil {
		return recordio.Segment{}, err
	}
	return recordio.Segment{VAddr: vaddr, MemSz: memSz}, nil
}

func (r *Reader) parseThreadRecord() error {
	name, err := r.readCString()
	if err != nil {
		return fmt.Errorf("reader: decoding thread name: %w", err)
	}
	r.threadNames[r.last.currentThreadID] = name
	return nil
}

func (r *Reader) parseMemoryRecord() error {
	rss, err := varint.ReadUvarint(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding rss: %w", err)
	}
	deltaMs, err := varint.ReadUvarint(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding memory record timestamp: %w", err)
	}
	r.lastMemory = recordio.MemoryRecord{
		RSSBytes:     rss,
		MsSinceEpoch: deltaMs + uint64(r.header.Stats.StartTimeMs),
	}
	return nil
}

func (r *Reader) frameIndexForCurrentStack() frametree.Index {
	stack := r.pythonStacks[r.last.currentThreadID]
	return r.pyTree.InsertTrace(stack, nil)
}

func (r *Reader) parseAllocation(flags byte) error {
	allocator := recordio.Allocator(flags)
	addr, err := r.last.dataPointer.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding allocation address: %w", err)
	}
	var size uint64
	if allocator.Kind() != recordio.SimpleDeallocator {
		size, err = varint.ReadUvarint(r.br)
		if err != nil {
			return fmt.Errorf("reader: decoding allocation size: %w", err)
		}
	}
	r.lastAllocation = Allocation{
		ThreadID:                r.last.currentThreadID,
		Address:                 uint64(addr),
		Size:                    size,
		Allocator:               allocator,
		FrameIndex:              r.frameIndexForCurrentStack(),
		NativeSegmentGeneration: r.images.CurrentGeneration(),
	}
	return nil
}

func (r *Reader) parseAllocationWithNative(flags byte) error {
	allocator := recordio.Allocator(flags)
	addr, err := r.last.dataPointer.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding allocation address: %w", err)
	}
	size, err := varint.ReadUvarint(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding allocation size: %w", err)
	}
	nativeID, err := r.last.nativeFrameID.Decode(r.br)
	if err != nil {
		return fmt.Errorf("reader: decoding native frame id: %w", err)
	}
	r.lastAllocation = Allocation{
		ThreadID:                r.last.currentThreadID,
		Address:                 uint64(addr),
		Size:                    size,
		Allocator:               allocator,
		FrameIndex:              r.frameIndexForCurrentStack(),
		NativeFrameIndex:        uint32(nativeID),
		NativeSegmentGeneration: r.images.CurrentGeneration(),
	}
	return nil
}

// PythonStack reconstructs up to maxStacks frames of the Python call
// stack rooted at index, deepest frame first, the Go equivalent of
// Py_GetStackFrame. maxStacks of 0 means unbounded.
func (r *Reader) PythonStack(index frametree.Index, maxStacks int) ([]recordio.Frame, error) {
	var frames []recordio.Frame
	var outerErr error
	r.pyTree.Path(index, func(id recordio.FrameID, _ frametree.Index) bool {
		if maxStacks > 0 && len(frames) >= maxStacks {
			return false
		}
		frame, ok := r.frames[id]
		if !ok {
			outerErr = fmt.Errorf("reader: unknown frame id %d", id)
			return false
		}
		frames = append(frames, frame)
		return true
	})
	return frames, outerErr
}

// NativeStack resolves up to maxStacks frames of the native call stack
// whose deepest recorded node is index (1-based, as written by
// WriteNativeTraceIndex), the Go equivalent of Py_GetNativeStackFrame.
func (r *Reader) NativeStack(index uint32, generation memmap.Generation, maxStacks int) []nativeresolve.ResolvedFrame {
	var out []nativeresolve.ResolvedFrame
	for index != 0 {
		if maxStacks > 0 && len(out) >= maxStacks {
			break
		}
		node := r.nativeFrames[index-1]
		index = node.ParentIndex
		image, ok := r.images.Lookup(node.IP, generation)
		if !ok {
			log.WithField("ip", node.IP).Debug("native ip outside any known image")
			continue
		}
		out = append(out, r.resolver.Resolve(image.Filename, image.LoadAddress, node.IP-1, generation)...)
	}
	return out
}

func (r *Reader) readUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

func (r *Reader) readInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		return 0, err
	}
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
}

func (r *Reader) readCString() (string, error) {
	s, err := r.br.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

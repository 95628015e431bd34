// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recordio defines the wire token layout, header, and typed
// record payloads shared by the writer and reader, matching the
// record taxonomy of records.h in the ported C++ tracker.
package recordio

// Magic is the fixed 7-byte magic written at the start of every trace
// file or socket stream.
const Magic = "hptrace"

// Version is the current on-disk/wire format version.
const Version int32 = 1

// RecordType is the 4-bit token identifying a record's payload shape.
type RecordType byte

const (
	Uninitialized RecordType = iota
	Allocation
	AllocationWithNative
	FrameIndex
	FramePush
	NativeTraceIndex
	MemoryMapStart
	SegmentHeader
	Segment
	FramePop
	ThreadRecord
	MemoryRecord
	ContextSwitch
	Other
)

// OtherRecordType distinguishes sub-kinds of the Other token.
type OtherRecordType byte

const (
	_ OtherRecordType = iota
	Trailer
)

// Token is the single byte written before every record: a 4-bit
// RecordType in the low nibble and 4 bits of record-specific flags in
// the high nibble.
type Token byte

// NewToken packs a record type and a 4-bit flags value into one byte.
func NewToken(t RecordType, flags byte) Token {
	if t&0x0f != t {
		panic("recordio: record type does not fit in 4 bits")
	}
	if flags&0x0f != flags {
		panic("recordio: flags do not fit in 4 bits")
	}
	return Token(byte(t) | flags<<4)
}

// Type extracts the record type nibble.
func (tok Token) Type() RecordType { return RecordType(tok & 0x0f) }

// Flags extracts the flags nibble.
func (tok Token) Flags() byte { return byte(tok>>4) & 0x0f }

// AllocatorKind classifies a hooked allocator symbol as a simple
// pointer-keyed allocator/deallocator or a length-bearing ranged one
// (mmap/munmap).
type AllocatorKind byte

const (
	SimpleAllocator AllocatorKind = iota + 1
	SimpleDeallocator
	RangedAllocator
	RangedDeallocator
)

// Allocator identifies which hooked C function produced an allocation
// record, matching hooks.h's Allocator enum.
type Allocator byte

const (
	Malloc Allocator = iota + 1
	Free
	Calloc
	Realloc
	PosixMemalign
	AlignedAlloc
	Memalign
	Valloc
	Pvalloc
	Mmap
	Munmap
	PymallocMalloc
	PymallocCalloc
	PymallocRealloc
	PymallocFree
)

// Kind returns the AllocatorKind of a given Allocator, the Go
// equivalent of hooks.cpp's allocatorKind().
func (a Allocator) Kind() AllocatorKind {
	switch a {
	case Free, PymallocFree:
		return SimpleDeallocator
	case Munmap:
		return RangedDeallocator
	case Mmap:
		return RangedAllocator
	default:
		return SimpleAllocator
	}
}

// IsDeallocator reports whether a is one of the freeing symbols.
func (a Allocator) IsDeallocator() bool {
	k := a.Kind()
	return k == SimpleDeallocator || k == RangedDeallocator
}

// PythonAllocatorType records which allocator domain the interpreter's
// pluggable allocator was configured with at attach time.
type PythonAllocatorType byte

const (
	AllocatorPymalloc PythonAllocatorType = iota + 1
	AllocatorPymallocDebug
	AllocatorMalloc
	AllocatorOther
)

// Stats are the running/final counters written into the header.
type Stats struct {
	NAllocations uint64
	NFrames      uint64
	StartTimeMs  int64
	EndTimeMs    int64
}

// Header is the fixed preamble of a trace file or stream.
type Header struct {
	Version               int32
	NativeTraces          bool
	Stats                 Stats
	CommandLine           string
	Pid                   int32
	MainThreadID          uint64
	SkippedFramesOnMain   uint64
	PythonAllocatorType   PythonAllocatorType
}

// Frame is an interpreter source location, immutable once registered.
type Frame struct {
	FunctionName string
	FileName     string
	Line         int32
	IsEntry      bool
}

// FrameID is the monotonically increasing identifier assigned to a
// Frame on first registration.
type FrameID uint64

// Segment is a single `{vaddr, memsz}` region of a loaded image.
type Segment struct {
	VAddr  uint64
	MemSz  uint64
}

// ImageSegments is an on-disk image mapped into the traced process.
type ImageSegments struct {
	Filename    string
	LoadAddress uint64
	Segments    []Segment
}

// MemoryRecord is a periodic RSS sample.
type MemoryRecord struct {
	MsSinceEpoch uint64
	RSSBytes     uint64
}

// UnresolvedNativeFrame is a node in the native frame tree referring
// to a raw instruction pointer.
type UnresolvedNativeFrame struct {
	IP           uint64
	ParentIndex  uint32
}

// Package aggregate collapses a sequence of allocation/deallocation
// events into heap snapshots keyed by call stack, and tracks the
// running high-water mark without keeping every event in memory. A
// field-for-field port of snapshot.cpp's SnapshotAllocationAggregator
// and StreamingAllocationAggregator.
package aggregate

import (
	"github.com/heaptrace/heaptrace/internal/frametree"
	"github.com/heaptrace/heaptrace/internal/interval"
	"github.com/heaptrace/heaptrace/internal/reader"
	"github.com/heaptrace/heaptrace/internal/recordio"
)

// NoThreadInfo is the synthetic thread id used for a Key when
// allocations are being merged across threads.
const NoThreadInfo uint64 = 0

// Key identifies one row of a reduced snapshot: a distinct call stack,
// optionally further split by thread.
type Key struct {
	FrameIndex frametree.Index
	ThreadID   uint64
}

// Aggregated is one allocation event standing in for every event that
// shared its Key, with Size and NAllocations summed across all of
// them.
type Aggregated struct {
	reader.Allocation
	NAllocations uint64
}

// Snapshot maps each distinct call stack (optionally, call
// stack+thread) present at a point in time to its aggregated
// allocation.
type Snapshot map[Key]Aggregated

func reduceSnapshot(mergeThreads bool, ranges *interval.Tree[reader.Allocation], ptrs map[uint64]reader.Allocation) Snapshot {
	out := make(Snapshot, len(ptrs))
	keyFor := func(a reader.Allocation) Key {
		tid := a.ThreadID
		if mergeThreads {
			tid = NoThreadInfo
		}
		return Key{FrameIndex: a.FrameIndex, ThreadID: tid}
	}
	accumulate := func(key Key, base reader.Allocation, size uint64) {
		if existing, ok := out[key]; ok {
			existing.Size += size
			existing.NAllocations++
			out[key] = existing
			return
		}
		alloc := base
		alloc.Size = size
		out[key] = Aggregated{Allocation: alloc, NAllocations: 1}
	}

	for _, a := range ptrs {
		accumulate(keyFor(a), a, a.Size)
	}
	ranges.ForEach(func(r interval.Range, a reader.Allocation) {
		accumulate(keyFor(a), a, r.Size())
	})
	return out
}

// SnapshotAggregator reconstructs the live heap at an arbitrary point
// by replaying every allocation/deallocation up to that point, the Go
// equivalent of SnapshotAllocationAggregator.
type SnapshotAggregator struct {
	ptrToAllocation map[uint64]reader.Allocation
	ranges          *interval.Tree[reader.Allocation]
}

// NewSnapshotAggregator returns an aggregator with no allocations yet
// replayed.
func NewSnapshotAggregator() *SnapshotAggregator {
	return &SnapshotAggregator{
		ptrToAllocation: make(map[uint64]reader.Allocation),
		ranges:          interval.New[reader.Allocation](),
	}
}

// Add folds one allocation or deallocation event into the current live
// set, matching SnapshotAllocationAggregator::addAllocation.
func (s *SnapshotAggregator) Add(a reader.Allocation) {
	switch a.Allocator.Kind() {
	case recordio.SimpleAllocator:
		s.ptrToAllocation[a.Address] = a
	case recordio.SimpleDeallocator:
		delete(s.ptrToAllocation, a.Address)
	case recordio.RangedAllocator:
		s.ranges.Add(a.Address, a.Size, a)
	case recordio.RangedDeallocator:
		s.ranges.Remove(a.Address, a.Size)
	}
}

// Snapshot reduces the currently live allocations into a stack-keyed
// snapshot.
func (s *SnapshotAggregator) Snapshot(mergeThreads bool) Snapshot {
	return reduceSnapshot(mergeThreads, s.ranges, s.ptrToAllocation)
}

// HighWaterMark is the index into the allocation stream, and the total
// resident bytes, at the point memory usage peaked.
type HighWaterMark struct {
	Index      uint64
	PeakMemory uint64
}

// StreamingAllocationAggregator tracks the high-water-mark heap
// snapshot incrementally, folding each newly-seen high water mark into
// a running snapshot and buffering everything since the last one as an
// undo-able delta, the Go equivalent of StreamingAllocationAggregator.
// This lets the tracker answer "what does the peak look like" without
// retaining the full allocation history.
type StreamingAllocationAggregator struct {
	allocationsSeen uint64

	highWaterMarkIndex  uint64
	highWaterMarkMemory uint64
	highWaterMarkPtrs   map[uint64]reader.Allocation
	highWaterMarkRanges *interval.Tree[reader.Allocation]

	deltaAllocatedSize   uint64
	deltaFreedSize       uint64
	deltaAllocatedPtrs   map[uint64]reader.Allocation
	deltaFreedPtrs       map[uint64]struct{}
	deltaAllocatedRanges *interval.Tree[reader.Allocation]
	deltaFreedRanges     *interval.Tree[struct{}]
}

// NewStreamingAllocationAggregator returns an aggregator starting at
// the (trivial) high water mark of zero bytes.
func NewStreamingAllocationAggregator() *StreamingAllocationAggregator {
	s := &StreamingAllocationAggregator{
		highWaterMarkPtrs:   make(map[uint64]reader.Allocation),
		highWaterMarkRanges: interval.New[reader.Allocation](),
	}
	s.resetDelta()
	return s
}

func (s *StreamingAllocationAggregator) resetDelta() {
	s.deltaAllocatedSize = 0
	s.deltaFreedSize = 0
	s.deltaAllocatedPtrs = make(map[uint64]reader.Allocation)
	s.deltaFreedPtrs = make(map[uint64]struct{})
	s.deltaAllocatedRanges = interval.New[reader.Allocation]()
	s.deltaFreedRanges = interval.New[struct{}]()
}

func (s *StreamingAllocationAggregator) atHighWaterMark() bool {
	return s.deltaFreedSize == 0 && s.deltaAllocatedSize == 0
}

func (s *StreamingAllocationAggregator) applyDeltaToSnapshot(ranges *interval.Tree[reader.Allocation], ptrs map[uint64]reader.Allocation) {
	for addr := range s.deltaFreedPtrs {
		delete(ptrs, addr)
	}
	s.deltaFreedRanges.ForEach(func(r interval.Range, _ struct{}) {
		ranges.Remove(r.Start, r.Size())
	})
	for addr, a := range s.deltaAllocatedPtrs {
		ptrs[addr] = a
	}
	s.deltaAllocatedRanges.ForEach(func(r interval.Range, a reader.Allocation) {
		ranges.Add(a.Address, a.Size, a)
	})
}

// Add folds one allocation or deallocation event in, possibly
// advancing the high water mark, matching
// StreamingAllocationAggregator::addAllocation.
func (s *StreamingAllocationAggregator) Add(a reader.Allocation) {
	if s.atHighWaterMark() {
		s.addWhileAtHighWaterMark(a)
	} else {
		s.addWhileNotAtHighWaterMark(a)
	}
}

func (s *StreamingAllocationAggregator) addWhileAtHighWaterMark(a reader.Allocation) {
	index := s.allocationsSeen
	s.allocationsSeen++

	switch a.Allocator.Kind() {
	case recordio.SimpleAllocator:
		s.highWaterMarkPtrs[a.Address] = a
		s.highWaterMarkIndex = index
		s.highWaterMarkMemory += a.Size
	case recordio.RangedAllocator:
		s.highWaterMarkRanges.Add(a.Address, a.Size, a)
		s.highWaterMarkIndex = index
		s.highWaterMarkMemory += a.Size
	case recordio.SimpleDeallocator:
		existing, ok := s.highWaterMarkPtrs[a.Address]
		if !ok {
			break
		}
		if existing.Size != 0 {
			s.deltaFreedPtrs[a.Address] = struct{}{}
			s.deltaFreedSize += existing.Size
		} else {
			// A freed zero-size allocation never moved the
			// memory total, so the high water mark doesn't
			// move either; just drop it and stay put.
			delete(s.highWaterMarkPtrs, a.Address)
			s.highWaterMarkIndex = index
		}
	case recordio.RangedDeallocator:
		for _, piece := range s.highWaterMarkRanges.FindIntersection(a.Address, a.Size) {
			s.deltaFreedRanges.Add(piece.Range.Start, piece.Range.Size(), struct{}{})
			s.deltaFreedSize += piece.Range.Size()
		}
	}
}

func (s *StreamingAllocationAggregator) addWhileNotAtHighWaterMark(a reader.Allocation) {
	index := s.allocationsSeen
	s.allocationsSeen++

	switch a.Allocator.Kind() {
	case recordio.SimpleAllocator:
		s.deltaAllocatedPtrs[a.Address] = a
		s.deltaAllocatedSize += a.Size
	case recordio.RangedAllocator:
		s.deltaAllocatedRanges.Add(a.Address, a.Size, a)
		s.deltaAllocatedSize += a.Size
	case recordio.SimpleDeallocator:
		if existing, ok := s.deltaAllocatedPtrs[a.Address]; ok {
			s.deltaAllocatedSize -= existing.Size
			delete(s.deltaAllocatedPtrs, a.Address)
		} else if _, ok := s.deltaFreedPtrs[a.Address]; ok {
			// Already freed within this delta: a reallocation we
			// didn't track must have reused the address. Nothing
			// to undo.
		} else if existing, ok := s.highWaterMarkPtrs[a.Address]; ok {
			s.deltaFreedPtrs[a.Address] = struct{}{}
			s.deltaFreedSize += existing.Size
		}
		// Otherwise this frees something allocated before tracking
		// attached; ignore it.
	case recordio.RangedDeallocator:
		s.rangedFreeWhileNotAtHighWaterMark(a)
	}

	if s.deltaAllocatedSize >= s.deltaFreedSize {
		s.highWaterMarkIndex = index
		s.highWaterMarkMemory += s.deltaAllocatedSize - s.deltaFreedSize
		s.applyDeltaToSnapshot(s.highWaterMarkRanges, s.highWaterMarkPtrs)
		s.resetDelta()
	}
}

func (s *StreamingAllocationAggregator) rangedFreeWhileNotAtHighWaterMark(a reader.Allocation) {
	allocatedSinceDeltaBegan := s.deltaAllocatedRanges.FindIntersection(a.Address, a.Size)
	for _, piece := range allocatedSinceDeltaBegan {
		s.deltaAllocatedRanges.Remove(piece.Range.Start, piece.Range.Size())
		s.deltaAllocatedSize -= piece.Range.Size()
	}

	allocatedBeforeDeltaBegan := interval.New[struct{}]()
	allocatedBeforeDeltaBegan.Add(a.Address, a.Size, struct{}{})
	for _, piece := range allocatedSinceDeltaBegan {
		allocatedBeforeDeltaBegan.Remove(piece.Range.Start, piece.Range.Size())
	}

	before := s.deltaFreedRanges.Size()
	allocatedBeforeDeltaBegan.ForEach(func(r interval.Range, _ struct{}) {
		for _, piece := range s.highWaterMarkRanges.FindIntersection(r.Start, r.Size()) {
			s.deltaFreedRanges.Remove(piece.Range.Start, piece.Range.Size())
			s.deltaFreedRanges.Add(piece.Range.Start, piece.Range.Size(), struct{}{})
		}
	})
	s.deltaFreedSize += s.deltaFreedRanges.Size() - before
}

// HighWaterMarkAllocations reduces the committed high-water-mark
// snapshot into a stack-keyed snapshot.
func (s *StreamingAllocationAggregator) HighWaterMarkAllocations(mergeThreads bool) Snapshot {
	return reduceSnapshot(mergeThreads, s.highWaterMarkRanges, s.highWaterMarkPtrs)
}

// LeakedAllocations reduces the high-water-mark snapshot with the
// uncommitted delta folded in on top, without disturbing the
// aggregator's own state, matching getLeakedAllocations.
func (s *StreamingAllocationAggregator) LeakedAllocations(mergeThreads bool) Snapshot {
	ranges := s.highWaterMarkRanges.Clone()
	ptrs := make(map[uint64]reader.Allocation, len(s.highWaterMarkPtrs))
	for addr, a := range s.highWaterMarkPtrs {
		ptrs[addr] = a
	}
	s.applyDeltaToSnapshot(ranges, ptrs)
	return reduceSnapshot(mergeThreads, ranges, ptrs)
}

// HighWaterMark returns the index and peak memory of the high water
// mark committed so far.
func (s *StreamingAllocationAggregator) HighWaterMark() HighWaterMark {
	return HighWaterMark{Index: s.highWaterMarkIndex, PeakMemory: s.highWaterMarkMemory}
}

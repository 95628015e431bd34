// Package memmap tracks the address-space layout of images (shared
// objects, the main executable) mapped into the traced process, and
// resolves a raw instruction pointer to the image and generation it
// belonged to at capture time.
//
// Adapted from golang-debug's core/mapping.go: the Perm bitset and the
// Mapping.Min/Max/Size shape are kept, generalized from a single core
// dump's mapping table to a sequence of "generations" — one per
// MEMORY_MAP_START snapshot — so that an instruction pointer captured
// before a dlopen/dlclose is resolved against the segment layout that
// was current when it was captured, per spec.md's "Generation
// (segments)" concept.
package memmap

import (
	"sort"

	"github.com/heaptrace/heaptrace/internal/recordio"
)

// Perm mirrors core/mapping.go's permission bitset, kept for parity
// with the teacher even though the tracker only ever records
// read-only image segments.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

// Generation is a monotonically increasing counter incremented every
// time the module map is invalidated (dlopen/dlclose, or a fresh
// MEMORY_MAP_START snapshot).
type Generation uint64

// segment is a single loaded image's address range within one
// generation.
type segment struct {
	image recordio.ImageSegments
	min   uint64
	max   uint64
}

// Index resolves instruction pointers to the image segment that
// contained them, scoped by generation.
type Index struct {
	byGeneration map[Generation][]segment
	current      Generation
}

// NewIndex returns an empty index starting at generation 0.
func NewIndex() *Index {
	return &Index{byGeneration: map[Generation][]segment{0: nil}}
}

// StartGeneration begins a new generation, matching
// RecordType::MEMORY_MAP_START resetting the reader's segment table.
// It returns the new generation number.
func (idx *Index) StartGeneration() Generation {
	idx.current++
	idx.byGeneration[idx.current] = nil
	return idx.current
}

// CurrentGeneration returns the generation currently being built (or
// last completed, on the write side).
func (idx *Index) CurrentGeneration() Generation {
	return idx.current
}

// AddImage registers a loaded image's segments into the current
// generation, computing each segment's absolute [min,max) from the
// image's load address plus the segment's relative vaddr/memsz.
func (idx *Index) AddImage(image recordio.ImageSegments) {
	segs := idx.byGeneration[idx.current]
	for _, s := range image.Segments {
		min := image.LoadAddress + s.VAddr
		max := min + s.MemSz
		segs = append(segs, segment{image: image, min: min, max: max})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].min < segs[j].min })
	idx.byGeneration[idx.current] = segs
}

// Lookup finds the image owning ip within the given generation via
// binary search over that generation's sorted segments, returning the
// owning image and its load address, or ok=false if unmapped.
func (idx *Index) Lookup(ip uint64, gen Generation) (image recordio.ImageSegments, ok bool) {
	segs := idx.byGeneration[gen]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].max > ip })
	if i < len(segs) && segs[i].min <= ip && ip < segs[i].max {
		return segs[i].image, true
	}
	return recordio.ImageSegments{}, false
}

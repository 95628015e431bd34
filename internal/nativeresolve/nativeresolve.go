// Package nativeresolve resolves a raw native instruction pointer to
// a (function, file, line) triple, or a sequence of such triples when
// the call was inlined.
//
// The "native symbolizer" here is the concrete, in-repo stand-in for
// the external collaborator interface spec.md §6 describes ("given an
// image ... resolve an instruction pointer to (function, file, line)
// ... when inlined"); SPEC_FULL.md places the full third-party
// DWARF/ELF symbol library outside the core's scope, so this
// implementation leans on the standard library's own debug/dwarf and
// debug/elf packages, matching the teacher's own
// internal/gocore/dwarf.go idiom for resolving PCs against DWARF line
// tables. Results are cached keyed by (ip, generation) in a bounded
// LRU, per spec.md §4.8.
package nativeresolve

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/heaptrace/heaptrace/internal/memmap"
)

// ResolvedFrame is one frame of a (possibly inlined) resolution.
type ResolvedFrame struct {
	Function string
	File     string
	Line     int
}

// Unknown is the synthetic frame substituted for an instruction
// pointer that could not be resolved, per spec.md §7: "Unresolvable
// native IP: yields a synthetic <unknown> frame; never fatal."
var Unknown = ResolvedFrame{Function: "<unknown>"}

// Symbolizer resolves an instruction pointer within a given image to
// one or more source frames (more than one when the call was
// inlined), deepest call first.
type Symbolizer interface {
	Resolve(imagePath string, loadAddress, ip uint64) ([]ResolvedFrame, error)
}

type cacheKey struct {
	ip  uint64
	gen memmap.Generation
}

// Cache wraps a Symbolizer with an LRU keyed by (ip, generation), so
// repeated allocations from the same call site in the same module
// generation are resolved once.
type Cache struct {
	mu   sync.Mutex
	sym  Symbolizer
	lru  *lru.Cache
}

// NewCache builds a cache of the given size around sym. Size must be
// positive.
func NewCache(sym Symbolizer, size int) (*Cache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("nativeresolve: creating cache: %w", err)
	}
	return &Cache{sym: sym, lru: l}, nil
}

// Resolve looks up (ip, gen) in the cache, falling back to the
// wrapped Symbolizer on a miss. Per spec.md §4.8, unwinders report
// the return address, so callers resolve ip-1, the address of the
// call instruction itself; Resolve expects the already-adjusted ip.
func (c *Cache) Resolve(imagePath string, loadAddress, ip uint64, gen memmap.Generation) []ResolvedFrame {
	key := cacheKey{ip, gen}

	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		return v.([]ResolvedFrame)
	}
	c.mu.Unlock()

	frames, err := c.sym.Resolve(imagePath, loadAddress, ip)
	if err != nil || len(frames) == 0 {
		frames = []ResolvedFrame{Unknown}
	}

	c.mu.Lock()
	c.lru.Add(key, frames)
	c.mu.Unlock()
	return frames
}

// DWARFSymbolizer resolves instruction pointers using the standard
// library's debug/elf + debug/dwarf packages, matching the teacher's
// own internal/gocore/dwarf.go line-table walking idiom.
type DWARFSymbolizer struct {
	mu    sync.Mutex
	cache map[string]*dwarf.Data
}

// NewDWARFSymbolizer returns a symbolizer that lazily opens and caches
// DWARF data per image path.
func NewDWARFSymbolizer() *DWARFSymbolizer {
	return &DWARFSymbolizer{cache: map[string]*dwarf.Data{}}
}

func (s *DWARFSymbolizer) dwarfFor(imagePath string) (*dwarf.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache[imagePath]; ok {
		return d, nil
	}
	f, err := elf.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("nativeresolve: opening %s: %w", imagePath, err)
	}
	defer f.Close()
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("nativeresolve: reading DWARF from %s: %w", imagePath, err)
	}
	s.cache[imagePath] = d
	return d, nil
}

// Resolve implements Symbolizer by finding the subprogram whose
// [lowpc, highpc) range contains ip-loadAddress (a file-relative
// address), returning a single non-inlined frame. File and line come
// from a line-table row at exactly that address; when no row starts
// there, they are left empty.
func (s *DWARFSymbolizer) Resolve(imagePath string, loadAddress, ip uint64) ([]ResolvedFrame, error) {
	d, err := s.dwarfFor(imagePath)
	if err != nil {
		return nil, err
	}
	fileAddr := ip - loadAddress

	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !lok {
			continue
		}
		// AttrHighpc is often an offset from low (decoded as int64), not
		// an absolute address (decoded as uint64); accept either encoding.
		var high uint64
		switch v := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			high = v
		case int64:
			high = low + uint64(v)
		default:
			continue
		}
		if fileAddr < low || fileAddr >= high {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)

		lr, err := d.LineReader(entry)
		file, line := "", 0
		if err == nil && lr != nil {
			var le dwarf.LineEntry
			for lr.Next(&le) == nil {
				if le.Address == fileAddr {
					file, line = le.File.Name, le.Line
					break
				}
			}
		}
		return []ResolvedFrame{{Function: name, File: file, Line: line}}, nil
	}
	return nil, fmt.Errorf("nativeresolve: no subprogram contains %#x", fileAddr)
}

package patch

import (
	trie "github.com/derekparker/trie"

	"github.com/heaptrace/heaptrace/internal/recordio"
)

// HookSet is the set of symbol names the patcher redirects, backed by
// a trie (github.com/derekparker/trie, also used by delve for fast
// command-name lookups) for O(len(name)) membership tests against
// the potentially thousands of relocation-table entries a large
// shared object carries.
type HookSet struct {
	t *trie.Trie
}

// NewHookSet builds the default hook set of allocator symbols:
// malloc/free/realloc/calloc, the aligned family, and
// mmap/mmap64/munmap. dlopen/dlclose and the interpreter lock acquire
// call are not in the set.
func NewHookSet() *HookSet {
	hs := &HookSet{t: trie.New()}
	for name, allocator := range map[string]recordio.Allocator{
		"malloc":           recordio.Malloc,
		"free":             recordio.Free,
		"calloc":           recordio.Calloc,
		"realloc":          recordio.Realloc,
		"posix_memalign":   recordio.PosixMemalign,
		"aligned_alloc":    recordio.AlignedAlloc,
		"memalign":         recordio.Memalign,
		"valloc":           recordio.Valloc,
		"pvalloc":          recordio.Pvalloc,
		"mmap":             recordio.Mmap,
		"mmap64":           recordio.Mmap,
		"munmap":           recordio.Munmap,
	} {
		hs.t.Add(name, allocator)
	}
	return hs
}

// Lookup reports whether name is a hooked symbol and, if so, which
// Allocator it corresponds to.
func (hs *HookSet) Lookup(name string) (recordio.Allocator, bool) {
	node, ok := hs.t.Find(name)
	if !ok {
		return 0, false
	}
	allocator, ok := node.Meta().(recordio.Allocator)
	return allocator, ok
}

// Names returns the full hooked symbol list, e.g. for logging.
func (hs *HookSet) Names() []string {
	return hs.t.Keys()
}

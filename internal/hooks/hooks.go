// Package hooks models the interceptor seam spec.md §4.2 describes:
// a table of allocator entry points, wrapped so that every call first
// enters a reentrancy guard, runs the real allocator, then reports
// the result to a Tracker before returning. Go cannot rewrite a host
// C binary's GOT the way the ported C++ tracker does (that is
// `internal/patch`'s job, operating on the shared objects mapped into
// the current process); what lives here is the call shape those patched slots
// would invoke, grounded on hooks.h's SymbolHook template and
// hooks.cpp's malloc/free/realloc/calloc/mmap/munmap bodies.
package hooks

import (
	"sync/atomic"

	"github.com/heaptrace/heaptrace/internal/recordio"
)

// Tracker is the notification seam an interceptor reports through;
// internal/tracker implements it. Kept here, not imported from there,
// so hooks has no dependency on the subsystem that drives it.
type Tracker interface {
	TrackAllocation(ptr, size uint64, allocator recordio.Allocator)
	TrackDeallocation(ptr, size uint64, allocator recordio.Allocator)
}

// Guard is a reentrancy counter: while active, nested calls into a
// hooked allocator (e.g. the tracker's own bookkeeping allocating a
// map entry) must not themselves be recorded. hooks.cpp's
// RecursionGuard is implicit, per-thread storage; Go has no ambient
// thread-local, so callers carry a *Guard explicitly down whatever
// call path reaches a hooked allocator, one Guard per OS thread an
// interceptor can run on.
type Guard struct {
	depth int32
}

// Enter increments the guard depth and reports whether this call is
// the outermost one, i.e. whether tracking should occur at all.
func (g *Guard) Enter() (outermost bool) {
	return atomic.AddInt32(&g.depth, 1) == 1
}

// Exit decrements the guard depth; pair with a deferred call
// immediately after a successful Enter.
func (g *Guard) Exit() {
	atomic.AddInt32(&g.depth, -1)
}

// Active reports whether a call is already in flight on this guard.
func (g *Guard) Active() bool {
	return atomic.LoadInt32(&g.depth) > 0
}

// SimpleAllocate wraps a malloc-shaped allocator: call the real
// function, then report the allocation unless this call is reentrant
// or the allocator returned null. Mirrors intercept::malloc.
func SimpleAllocate(g *Guard, t Tracker, allocator recordio.Allocator, size uint64, call func() uint64) uint64 {
	if g.Active() {
		return call()
	}
	g.Enter()
	ptr := call()
	g.Exit()
	if ptr != 0 {
		t.TrackAllocation(ptr, size, allocator)
	}
	return ptr
}

// SimpleFree wraps a free-shaped deallocator. The deallocation is
// reported *before* the real free runs, matching intercept::free's
// comment that the pointer must not be recycled by another thread
// between the report and the call.
func SimpleFree(g *Guard, t Tracker, allocator recordio.Allocator, ptr uint64, call func()) {
	if ptr != 0 && !g.Active() {
		t.TrackDeallocation(ptr, 0, allocator)
	}
	if g.Active() {
		call()
		return
	}
	g.Enter()
	call()
	g.Exit()
}

// Realloc wraps a realloc-shaped allocator: the old pointer is
// reported freed and the new one reported allocated only once the
// real call has succeeded, matching intercept::realloc.
func Realloc(g *Guard, t Tracker, oldPtr, newSize uint64, call func() uint64) uint64 {
	reentrant := g.Active()
	if !reentrant {
		g.Enter()
	}
	ret := call()
	if !reentrant {
		g.Exit()
	}
	if ret != 0 && !reentrant {
		if oldPtr != 0 {
			t.TrackDeallocation(oldPtr, 0, recordio.Free)
		}
		t.TrackAllocation(ret, newSize, recordio.Realloc)
	}
	return ret
}

// RangedAllocate wraps an mmap-shaped allocator, reporting the
// mapping only on success (failed is the sentinel MAP_FAILED
// comparison value the real syscall would return, typically
// ^uint64(0)). Mirrors intercept::mmap.
func RangedAllocate(g *Guard, t Tracker, length uint64, failed uint64, call func() uint64) uint64 {
	if g.Active() {
		return call()
	}
	g.Enter()
	addr := call()
	g.Exit()
	if addr != failed {
		t.TrackAllocation(addr, length, recordio.Mmap)
	}
	return addr
}

// RangedFree wraps an munmap-shaped deallocator: the deallocation (of
// possibly only part of a tracked mapping, per
// `internal/interval.Tree`) is reported before the real call runs,
// matching intercept::munmap.
func RangedFree(g *Guard, t Tracker, addr, length uint64, call func() int) int {
	if !g.Active() {
		t.TrackDeallocation(addr, length, recordio.Munmap)
	}
	if g.Active() {
		return call()
	}
	g.Enter()
	ret := call()
	g.Exit()
	return ret
}

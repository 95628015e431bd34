// Package tracker owns the lifetime of one tracking session: it wires
// together the hook call shape, the per-thread Python shadow stacks,
// the native frame tree, the symbol patcher and the wire writer, and
// drives the background RSS sampler. A generalized port of
// tracking_api.cpp's Tracker class, substituting Go idioms for the
// pieces that relied on thread-local storage, pthread_atfork and a
// condition-variable-driven background thread.
package tracker

import (
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/heaptrace/heaptrace/internal/archinfo"
	"github.com/heaptrace/heaptrace/internal/config"
	"github.com/heaptrace/heaptrace/internal/frametree"
	"github.com/heaptrace/heaptrace/internal/hooks"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/patch"
	"github.com/heaptrace/heaptrace/internal/pystack"
	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
	"github.com/heaptrace/heaptrace/internal/writer"
)

var log = logging.For("tracker")

type frameKey struct {
	function string
	file     string
	line     int32
	isEntry  bool
}

// Tracker is a single tracking session: one writer, one patched
// process image, one set of per-thread shadow stacks. There is
// ordinarily exactly one live Tracker, reached through Create/Current,
// the Go analogue of tracking_api.cpp's d_instance singleton.
type Tracker struct {
	cfg          config.SessionConfig
	nativeTraces bool

	mu sync.Mutex // guards w, nativeTree and frame registration
	w  *writer.Writer

	frameIDs   map[frameKey]recordio.FrameID
	nextFrame  recordio.FrameID
	nativeTree *frametree.Tree[uint64]

	stacks     *pystack.Registry
	generation pystack.Generation

	guardMu sync.Mutex
	guards  map[uint64]*hooks.Guard

	patcher *patch.Patcher

	active atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var (
	singletonMu sync.Mutex
	singleton   atomic.Pointer[Tracker]
	generations atomic.Uint64
)

// Current returns the live Tracker, or nil if tracking is not
// currently attached.
func Current() *Tracker {
	return singleton.Load()
}

// Create builds a new tracking session and installs it as the current
// Tracker, mirroring Tracker::createTracker and the constructor body
// that runs before it returns. The singleton pointer is published
// before hooks are installed, matching the original's ordering: any
// hook that fires mid-construction must already see an instance, even
// an inactive one, so it safely no-ops instead of crashing on a null
// pointer.
func Create(cfg config.SessionConfig) (*Tracker, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton.Load() != nil {
		return nil, fmt.Errorf("tracker: a session is already attached")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:          cfg,
		nativeTraces: cfg.NativeTraces,
		w:            writer.New(s, strings.Join(os.Args, " "), int32(os.Getpid()), cfg.NativeTraces, recordio.AllocatorPymalloc),
		frameIDs:     map[frameKey]recordio.FrameID{},
		nextFrame:    1,
		nativeTree:   frametree.New[uint64](),
		stacks:       pystack.NewRegistry(),
		generation:   pystack.Generation(generations.Add(1)),
		guards:       map[uint64]*hooks.Guard{},
		patcher:      patch.NewPatcher(hostArch(), patch.NewHookSet(), patch.Interceptors{}),
		done:         make(chan struct{}),
	}

	singleton.Store(t)

	if err := t.w.WriteHeader(false); err != nil {
		singleton.Store(nil)
		return nil, fmt.Errorf("tracker: writing header: %w", err)
	}
	if err := t.updateModuleCache(); err != nil {
		log.WithError(err).Warn("initial module cache snapshot incomplete")
	}
	if err := t.patcher.InstallAll(); err != nil {
		log.WithError(err).Warn("could not patch every loaded module")
	}

	t.wg.Add(1)
	go t.runBackground()

	t.Activate()
	return t, nil
}

// Destroy tears a session down in the exact reverse order Create
// brought it up, matching the destructor's deactivate -> stop
// background thread -> restore symbols -> write trailer -> rewrite
// header -> null singleton sequence. The header is rewritten *after*
// the trailer, not before, so the rewritten stats line reflects the
// final allocation and frame counts.
func Destroy() error {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	t := singleton.Load()
	if t == nil {
		return nil
	}

	t.Deactivate()
	close(t.done)
	t.wg.Wait()

	t.stacks = pystack.NewRegistry()

	if err := t.patcher.RestoreAll(); err != nil {
		log.WithError(err).Warn("could not fully restore patched symbols")
	}

	var firstErr error
	t.mu.Lock()
	if err := t.w.WriteTrailer(); err != nil {
		firstErr = fmt.Errorf("tracker: writing trailer: %w", err)
	}
	if err := t.w.WriteHeader(true); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tracker: rewriting header: %w", err)
	}
	t.mu.Unlock()

	singleton.Store(nil)
	return firstErr
}

// Activate and Deactivate flip whether hook calls are recorded,
// without tearing the session down; a failed write deactivates a
// Tracker in place so the caller can still call Destroy to flush what
// was captured so far.
func (t *Tracker) Activate()   { t.active.Store(true) }
func (t *Tracker) Deactivate() { t.active.Store(false) }
func (t *Tracker) IsActive() bool { return t.active.Load() }

// GuardFor returns the reentrancy guard an interceptor running on
// OS thread tid should hold around a hooked allocator call, creating
// one on first use. Go has no implicit thread-local storage, so the
// caller is expected to look this up once per hooked call using its
// own OS thread id (golang.org/x/sys/unix.Gettid on Linux).
func (t *Tracker) GuardFor(tid uint64) *hooks.Guard {
	t.guardMu.Lock()
	defer t.guardMu.Unlock()
	g, ok := t.guards[tid]
	if !ok {
		g = &hooks.Guard{}
		t.guards[tid] = g
	}
	return g
}

// TrackAllocation implements hooks.Tracker. It flushes the calling
// thread's buffered frame pushes/pops before writing the allocation
// record, so the record always lands under a call stack the reader
// has already seen pushed.
func (t *Tracker) TrackAllocation(ptr, size uint64, allocator recordio.Allocator) {
	if !t.active.Load() {
		return
	}
	tid := currentThreadID()
	g := t.GuardFor(tid)
	if g.Active() {
		return
	}
	g.Enter()
	defer g.Exit()

	stack := t.stacks.Get(tid, t.generation)
	stack.Flush(stackEmitter{t, tid})

	var err error
	if t.nativeTraces {
		nativeIndex := t.captureNativeTrace()
		t.mu.Lock()
		err = t.w.WriteNativeAllocation(tid, ptr, size, allocator, nativeIndex)
		t.mu.Unlock()
	} else {
		t.mu.Lock()
		err = t.w.WriteAllocation(tid, ptr, size, allocator)
		t.mu.Unlock()
	}
	if err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		t.Deactivate()
	}
}

// TrackDeallocation implements hooks.Tracker.
func (t *Tracker) TrackDeallocation(ptr, size uint64, allocator recordio.Allocator) {
	if !t.active.Load() {
		return
	}
	tid := currentThreadID()
	g := t.GuardFor(tid)
	if g.Active() {
		return
	}
	g.Enter()
	defer g.Exit()

	t.mu.Lock()
	err := t.w.WriteAllocation(tid, ptr, size, allocator)
	t.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		t.Deactivate()
	}
}

// OnPythonCall records a CPython frame entry on tid's shadow stack,
// registering the frame's (function, file, line, is_entry) identity
// the first time it is seen.
func (t *Tracker) OnPythonCall(tid uint64, f recordio.Frame) {
	if !t.active.Load() {
		return
	}
	id := t.registerFrame(f)
	t.stacks.Get(tid, t.generation).Push(id)
}

// OnPythonReturn records a CPython frame return on tid's shadow stack.
func (t *Tracker) OnPythonReturn(tid uint64) {
	if !t.active.Load() {
		return
	}
	t.stacks.Get(tid, t.generation).Pop()
}

// OnPythonLine updates the line stored for tid's top shadow-stack
// frame. It registers no new frame: the next allocation on that thread
// is still attributed to the frame id pushed at call time, carrying the
// line that frame was registered with.
func (t *Tracker) OnPythonLine(tid uint64, line int32) {
	if !t.active.Load() {
		return
	}
	t.stacks.Get(tid, t.generation).SetLine(line)
}

// OnThreadExit forgets tid's shadow stack and guard, the Go
// equivalent of libpthread tearing down a RecursionGuard's
// thread-local storage on exit.
func (t *Tracker) OnThreadExit(tid uint64) {
	t.stacks.Forget(tid)
	t.guardMu.Lock()
	delete(t.guards, tid)
	t.guardMu.Unlock()
}

// RegisterThreadName records a human-readable name for tid.
func (t *Tracker) RegisterThreadName(tid uint64, name string) {
	if !t.active.Load() {
		return
	}
	t.mu.Lock()
	err := t.w.WriteThreadRecord(tid, name)
	t.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		t.Deactivate()
	}
}

// InvalidateModuleCache re-patches any module loaded since the last
// snapshot and emits a fresh mapping record, matching
// invalidate_module_cache_impl; a host embedding this tracker should
// call it after every dlopen/dlclose it observes.
func (t *Tracker) InvalidateModuleCache() {
	if err := t.patcher.InstallAll(); err != nil {
		log.WithError(err).Warn("could not patch every loaded module")
	}
	if err := t.updateModuleCache(); err != nil {
		log.WithError(err).Warn("module cache snapshot incomplete")
	}
}

func (t *Tracker) registerFrame(f recordio.Frame) recordio.FrameID {
	key := frameKey{f.FunctionName, f.FileName, f.Line, f.IsEntry}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.frameIDs[key]; ok {
		return id
	}
	id := t.nextFrame
	t.nextFrame++
	t.frameIDs[key] = id
	if err := t.w.WriteFrameIndex(id, f); err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		t.active.Store(false)
	}
	return id
}

// captureNativeTrace walks the current goroutine's C-stack-shaped
// call stack with runtime.Callers (the Go stand-in for libunwind,
// which NativeTrace.fill wraps in the original) and folds it into the
// shared native frame tree, writing a NATIVE_TRACE_INDEX record for
// any node not already present. It returns the leaf node's index,
// zero if no frames could be captured.
func (t *Tracker) captureNativeTrace() uint64 {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(4, pcs)
	if n == 0 {
		return 0
	}
	pcs = pcs[:n]

	// runtime.Callers returns innermost-first; InsertTrace wants
	// root-to-leaf order.
	trace := make([]uint64, n)
	for i, pc := range pcs {
		trace[n-1-i] = uint64(pc)
	}

	var writeErr error
	t.mu.Lock()
	index := t.nativeTree.InsertTrace(trace, func(ip uint64, parent frametree.Index) bool {
		err := t.w.WriteNativeTraceIndex(recordio.UnresolvedNativeFrame{IP: ip, ParentIndex: uint32(parent)})
		if err != nil {
			writeErr = err
			return false
		}
		return true
	})
	t.mu.Unlock()

	if writeErr != nil {
		log.WithError(writeErr).Error("failed to write output, deactivating tracking")
		t.Deactivate()
		return 0
	}
	return uint64(index)
}

// stackEmitter adapts a Tracker's writer to pystack.Emitter for one
// thread, so Stack.Flush can stay ignorant of the wire format.
type stackEmitter struct {
	t   *Tracker
	tid uint64
}

func (e stackEmitter) EmitFramePush(id recordio.FrameID) {
	e.t.mu.Lock()
	err := e.t.w.WriteFramePush(e.tid, id)
	e.t.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		e.t.Deactivate()
	}
}

func (e stackEmitter) EmitFramePop(count int) {
	e.t.mu.Lock()
	err := e.t.w.WriteFramePop(e.tid, count)
	e.t.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("failed to write output, deactivating tracking")
		e.t.Deactivate()
	}
}

// updateModuleCache snapshots every currently loaded shared object's
// PT_LOAD segments and writes a fresh MEMORY_MAP_START-rooted record
// group, the Go analogue of dl_iterate_phdr_callback driven by
// dl_iterate_phdr. A no-op when native traces are disabled, since
// nothing will ever need to resolve an instruction pointer.
func (t *Tracker) updateModuleCache() error {
	if !t.nativeTraces {
		return nil
	}
	modules, err := patch.EnumerateModules()
	if err != nil {
		return fmt.Errorf("tracker: enumerating modules: %w", err)
	}

	images := make([]recordio.ImageSegments, 0, len(modules))
	for _, mod := range modules {
		segments, err := loadSegments(mod.Path)
		if err != nil {
			log.WithError(err).WithField("module", mod.Path).Warn("skipping module for mapping snapshot")
			continue
		}
		images = append(images, recordio.ImageSegments{
			Filename:    mod.Path,
			LoadAddress: mod.Base,
			Segments:    segments,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.WriteMappings(images)
}

func loadSegments(path string) ([]recordio.Segment, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segments []recordio.Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segments = append(segments, recordio.Segment{VAddr: prog.Vaddr, MemSz: prog.Memsz})
	}
	return segments, nil
}

// runBackground periodically samples RSS and writes a MEMORY_RECORD,
// the Go equivalent of BackgroundThread's condition-variable-driven
// polling loop; done is closed instead of notifying a condvar.
func (t *Tracker) runBackground() {
	defer t.wg.Done()

	interval := t.cfg.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			rss, err := readRSS()
			if err != nil {
				log.WithError(err).Warn("failed to read RSS, deactivating tracking")
				t.Deactivate()
				continue
			}
			t.mu.Lock()
			err = t.w.WriteMemoryRecord(recordio.MemoryRecord{
				RSSBytes:     rss,
				MsSinceEpoch: uint64(time.Now().UnixMilli()),
			})
			t.mu.Unlock()
			if err != nil {
				log.WithError(err).Warn("failed to write memory record, deactivating tracking")
				t.Deactivate()
			}
		}
	}
}

// readRSS parses /proc/self/statm's resident set size field, the Go
// analogue of getRSS's "%*u %zu" scan.
func readRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, fmt.Errorf("tracker: reading /proc/self/statm: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("tracker: unexpected /proc/self/statm format %q", data)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tracker: parsing resident page count: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil
}

// currentThreadID identifies the calling OS thread. Linux gettid, not
// a goroutine id: the hooked allocators this package models run on
// whatever OS thread the host interpreter happens to be using, and
// spec.md's per-thread shadow stacks are keyed the same way
// tracking_api.cpp's thread_id() is.
func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}

func hostArch() archinfo.Info {
	switch runtime.GOARCH {
	case "arm64":
		return archinfo.ARM64
	case "386":
		return archinfo.I386
	default:
		return archinfo.AMD64
	}
}

func buildSink(cfg config.SessionConfig) (sink.Sink, error) {
	switch cfg.SinkKind {
	case config.SinkFile:
		return sink.NewFileSink(cfg.Target, cfg.FileGrowthBytes, cfg.Compress)
	case config.SinkSocket:
		return sink.ListenSocketSink(cfg.Target, 30*time.Second)
	case config.SinkNull:
		return sink.NullSink{}, nil
	default:
		return nil, fmt.Errorf("tracker: unknown sink kind %q", cfg.SinkKind)
	}
}

// PrepareFork, AfterForkParent and AfterForkChild are the fork-safety
// seam tracking_api.cpp installs via pthread_atfork. Go programs
// cannot register a libc atfork handler without cgo, and this package
// is built without it, so these are exported for an embedding cgo
// shim to call around its own fork() wrapper rather than being wired
// up automatically; see DESIGN.md's Open Question resolution for
// fork-following.
func PrepareFork() {
	t := Current()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.guardMu.Lock()
}

// AfterForkParent releases the locks PrepareFork took, letting the
// parent process resume normal tracking immediately after fork()
// returns.
func AfterForkParent() {
	t := Current()
	if t == nil {
		return
	}
	t.guardMu.Unlock()
	t.mu.Unlock()
}

// AfterForkChild runs in the freshly forked child. If the session was
// not configured to follow forks, tracking simply stops in the child,
// matching memray's default; otherwise it clones the writer (onto a
// fresh sink the parent's sink opens for the child, such as a
// pid-suffixed file; a sink that cannot be cloned stops tracking in
// the child) and rebuilds a child-local Tracker around it, intentionally
// discarding the parent's in-memory Tracker without tearing it down,
// since the forked address space has already copied whatever state it
// held and the corresponding file descriptors belong to the parent.
func AfterForkChild() {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	t := singleton.Load()
	if t == nil {
		return
	}
	t.guardMu.Unlock()
	t.mu.Unlock()

	if !t.cfg.FollowFork {
		singleton.Store(nil)
		return
	}

	childWriter := t.w.CloneInChildProcess()
	if childWriter == nil {
		singleton.Store(nil)
		return
	}

	child := &Tracker{
		cfg:          t.cfg,
		nativeTraces: t.nativeTraces,
		w:            childWriter,
		frameIDs:     map[frameKey]recordio.FrameID{},
		nextFrame:    1,
		nativeTree:   frametree.New[uint64](),
		stacks:       pystack.NewRegistry(),
		generation:   pystack.Generation(generations.Add(1)),
		guards:       map[uint64]*hooks.Guard{},
		patcher:      patch.NewPatcher(hostArch(), patch.NewHookSet(), patch.Interceptors{}),
		done:         make(chan struct{}),
	}
	singleton.Store(child)

	if err := child.w.WriteHeader(false); err != nil {
		log.WithError(err).Error("child tracker failed to write header")
		singleton.Store(nil)
		return
	}

	child.wg.Add(1)
	go child.runBackground()
	child.Activate()
}

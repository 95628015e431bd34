package tracker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/archinfo"
	"github.com/heaptrace/heaptrace/internal/config"
	"github.com/heaptrace/heaptrace/internal/frametree"
	"github.com/heaptrace/heaptrace/internal/hooks"
	"github.com/heaptrace/heaptrace/internal/patch"
	"github.com/heaptrace/heaptrace/internal/pystack"
	"github.com/heaptrace/heaptrace/internal/recordio"
	"github.com/heaptrace/heaptrace/internal/sink"
	"github.com/heaptrace/heaptrace/internal/writer"
)

// memSink is a minimal in-memory sink.Sink, avoiding any real file or
// socket I/O, and an explicit CloneInChildProcess stub so fork-child
// tests don't touch the filesystem.
type memSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *memSink) WriteAll(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	return nil
}
func (s *memSink) Seek(offset int64, whence int) (int64, error) { return 0, bytes.ErrTooLarge }
func (s *memSink) Supported() sink.Capabilities                 { return sink.Capabilities{} }
func (s *memSink) CloneInChildProcess() sink.Sink                { return &memSink{} }
func (s *memSink) Close() error                                  { return nil }

// newTestTracker builds a Tracker directly, bypassing Create's module
// enumeration and symbol patching (internal/patch's own tests avoid
// exercising InstallAll against the live process for the same reason:
// it walks real loaded shared objects, which is exactly what
// production wants but what a unit test shouldn't depend on).
func newTestTracker(cfg config.SessionConfig, s sink.Sink) *Tracker {
	return &Tracker{
		cfg:          cfg,
		nativeTraces: cfg.NativeTraces,
		w:            writer.New(s, "python test.py", 1, cfg.NativeTraces, recordio.AllocatorPymalloc),
		frameIDs:     map[frameKey]recordio.FrameID{},
		nextFrame:    1,
		nativeTree:   frametree.New[uint64](),
		stacks:       pystack.NewRegistry(),
		generation:   1,
		guards:       map[uint64]*hooks.Guard{},
		patcher:      patch.NewPatcher(archinfo.AMD64, patch.NewHookSet(), patch.Interceptors{}),
		done:         make(chan struct{}),
	}
}

func TestTrackAllocationIsNoOpWhileInactive(t *testing.T) {
	s := &memSink{}
	tr := newTestTracker(config.Default(), s)
	tr.TrackAllocation(0x1000, 64, recordio.Malloc)

	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	assert.Zero(t, n)
}

func TestTrackAllocationWritesWhileActive(t *testing.T) {
	s := &memSink{}
	tr := newTestTracker(config.Default(), s)
	tr.Activate()
	tr.OnPythonCall(7, recordio.Frame{FunctionName: "f", FileName: "a.py", Line: 1, IsEntry: true})
	tr.TrackAllocation(0x1000, 64, recordio.Malloc)

	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	assert.Greater(t, n, 0)
}

func TestTrackAllocationSuppressedByReentrancyGuard(t *testing.T) {
	s := &memSink{}
	tr := newTestTracker(config.Default(), s)
	tr.Activate()

	g := tr.GuardFor(currentThreadID())
	g.Enter()
	tr.TrackAllocation(0x1000, 64, recordio.Malloc)
	g.Exit()

	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	assert.Zero(t, n)
}

func TestRegisterFrameDedupesIdenticalFrames(t *testing.T) {
	tr := newTestTracker(config.Default(), &memSink{})
	f := recordio.Frame{FunctionName: "g", FileName: "b.py", Line: 5, IsEntry: true}
	id1 := tr.registerFrame(f)
	id2 := tr.registerFrame(f)
	assert.Equal(t, id1, id2)

	other := recordio.Frame{FunctionName: "h", FileName: "b.py", Line: 6}
	id3 := tr.registerFrame(other)
	assert.NotEqual(t, id1, id3)
}

func TestOnPythonCallAndReturnTrackPerThreadStack(t *testing.T) {
	tr := newTestTracker(config.Default(), &memSink{})
	tr.Activate()
	tr.OnPythonCall(1, recordio.Frame{FunctionName: "outer", FileName: "a.py", Line: 1, IsEntry: true})
	tr.OnPythonCall(1, recordio.Frame{FunctionName: "inner", FileName: "a.py", Line: 2})
	assert.Equal(t, 2, tr.stacks.Get(1, tr.generation).Len())

	tr.OnPythonReturn(1)
	assert.Equal(t, 1, tr.stacks.Get(1, tr.generation).Len())
}

func TestCaptureNativeTraceSharesNodeForIdenticalCallStacks(t *testing.T) {
	cfg := config.Default()
	cfg.NativeTraces = true
	tr := newTestTracker(cfg, &memSink{})
	tr.Activate()

	var first, second uint64
	func() { first = tr.captureNativeTrace() }()
	func() { second = tr.captureNativeTrace() }()

	assert.NotZero(t, first)
	assert.Equal(t, first, second)
}

func TestOnThreadExitForgetsStackAndGuard(t *testing.T) {
	tr := newTestTracker(config.Default(), &memSink{})
	tr.Activate()
	tr.OnPythonCall(9, recordio.Frame{FunctionName: "f", FileName: "a.py", Line: 1, IsEntry: true})
	tr.GuardFor(9)

	tr.OnThreadExit(9)

	tr.guardMu.Lock()
	_, hasGuard := tr.guards[9]
	tr.guardMu.Unlock()
	assert.False(t, hasGuard)
	assert.Equal(t, 0, tr.stacks.Get(9, tr.generation).Len())
}

func TestRunBackgroundWritesMemoryRecordsUntilStopped(t *testing.T) {
	s := &memSink{}
	cfg := config.Default()
	cfg.SampleInterval = 10 * time.Millisecond
	tr := newTestTracker(cfg, s)
	tr.Activate()

	tr.wg.Add(1)
	go tr.runBackground()
	time.Sleep(50 * time.Millisecond)
	close(tr.done)
	tr.wg.Wait()

	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	assert.Greater(t, n, 0)
}

func TestAfterForkChildWithoutFollowForkDropsSingleton(t *testing.T) {
	singletonMu.Lock()
	cfg := config.Default()
	cfg.FollowFork = false
	tr := newTestTracker(cfg, &memSink{})
	singleton.Store(tr)
	singletonMu.Unlock()

	PrepareFork()
	AfterForkChild()

	assert.Nil(t, Current())
}

func TestAfterForkChildWithFollowForkRebuildsTracker(t *testing.T) {
	singletonMu.Lock()
	cfg := config.Default()
	cfg.FollowFork = true
	tr := newTestTracker(cfg, &memSink{})
	singleton.Store(tr)
	singletonMu.Unlock()

	PrepareFork()
	AfterForkChild()

	child := Current()
	require.NotNil(t, child)
	assert.NotSame(t, tr, child)
	assert.True(t, child.IsActive())

	close(child.done)
	child.wg.Wait()
	singleton.Store(nil)
}

func TestReadRSSReturnsPositiveValue(t *testing.T) {
	rss, err := readRSS()
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}

package pystack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/recordio"
)

type recordingEmitter struct {
	pushes []recordio.FrameID
	pops   []int
}

func (r *recordingEmitter) EmitFramePush(frameID recordio.FrameID) {
	r.pushes = append(r.pushes, frameID)
}

func (r *recordingEmitter) EmitFramePop(count int) {
	r.pops = append(r.pops, count)
}

func TestFreshPushesAreFlushedInOrder(t *testing.T) {
	s := New(1)
	s.Push(10)
	s.Push(11)
	e := &recordingEmitter{}
	s.Flush(e)
	assert.Equal(t, []recordio.FrameID{10, 11}, e.pushes)
	assert.Empty(t, e.pops)
}

func TestUnemittedFrameIsDroppedOnPop(t *testing.T) {
	s := New(1)
	s.Push(10)
	s.Pop()
	e := &recordingEmitter{}
	s.Flush(e)
	assert.Empty(t, e.pushes)
	assert.Empty(t, e.pops)
}

func TestEmittedFrameIsBufferedThenFlushedOnPop(t *testing.T) {
	s := New(1)
	s.Push(10)
	e := &recordingEmitter{}
	s.Flush(e)
	require.Equal(t, []recordio.FrameID{10}, e.pushes)

	s.Pop()
	s.Flush(e)
	assert.Equal(t, []int{1}, e.pops)
}

func TestLineChangeOnTopFrameEmitsSyntheticPopPush(t *testing.T) {
	s := New(1)
	s.Push(10)
	s.SetLine(5)
	e := &recordingEmitter{}
	s.Flush(e)
	require.Equal(t, []recordio.FrameID{10}, e.pushes)

	s.SetLine(6)
	s.Flush(e)
	assert.Equal(t, []int{1}, e.pops)
	assert.Equal(t, []recordio.FrameID{10, 10}, e.pushes)
}

func TestResetClearsEmittedFlagsAndPendingPops(t *testing.T) {
	s := New(1)
	s.Push(10)
	e := &recordingEmitter{}
	s.Flush(e)

	s.Reset(2)
	e2 := &recordingEmitter{}
	s.Flush(e2)
	assert.Equal(t, []recordio.FrameID{10}, e2.pushes)
	assert.Equal(t, Generation(2), s.Generation())
}

func TestRegistryGetIsLazyPerThread(t *testing.T) {
	r := NewRegistry()
	a := r.Get(1, 0)
	b := r.Get(1, 0)
	assert.Same(t, a, b)

	c := r.Get(2, 0)
	assert.NotSame(t, a, c)
}

func TestRegistryForgetDropsStack(t *testing.T) {
	r := NewRegistry()
	first := r.Get(1, 0)
	first.Push(1)
	r.Forget(1)
	second := r.Get(1, 0)
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, second.Len())
}

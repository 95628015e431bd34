package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/recordio"
)

type recordingTracker struct {
	allocations   []recordio.Allocator
	deallocations []recordio.Allocator
}

func (r *recordingTracker) TrackAllocation(ptr, size uint64, allocator recordio.Allocator) {
	r.allocations = append(r.allocations, allocator)
}

func (r *recordingTracker) TrackDeallocation(ptr, size uint64, allocator recordio.Allocator) {
	r.deallocations = append(r.deallocations, allocator)
}

func TestSimpleAllocateReportsOnSuccess(t *testing.T) {
	g := &Guard{}
	tr := &recordingTracker{}
	ptr := SimpleAllocate(g, tr, recordio.Malloc, 64, func() uint64 { return 0x1000 })
	assert.Equal(t, uint64(0x1000), ptr)
	require.Len(t, tr.allocations, 1)
	assert.Equal(t, recordio.Malloc, tr.allocations[0])
	assert.False(t, g.Active())
}

func TestSimpleAllocateSkipsReportingOnFailure(t *testing.T) {
	g := &Guard{}
	tr := &recordingTracker{}
	ptr := SimpleAllocate(g, tr, recordio.Malloc, 64, func() uint64 { return 0 })
	assert.Equal(t, uint64(0), ptr)
	assert.Empty(t, tr.allocations)
}

func TestSimpleAllocateIsSilentWhenReentrant(t *testing.T) {
	g := &Guard{}
	g.Enter()
	tr := &recordingTracker{}
	SimpleAllocate(g, tr, recordio.Malloc, 64, func() uint64 { return 0x2000 })
	assert.Empty(t, tr.allocations)
}

func TestReallocReportsFreeThenAllocate(t *testing.T) {
	g := &Guard{}
	tr := &recordingTracker{}
	ret := Realloc(g, tr, 0x1000, 128, func() uint64 { return 0x3000 })
	assert.Equal(t, uint64(0x3000), ret)
	require.Len(t, tr.deallocations, 1)
	require.Len(t, tr.allocations, 1)
	assert.Equal(t, recordio.Free, tr.deallocations[0])
	assert.Equal(t, recordio.Realloc, tr.allocations[0])
}

func TestReallocWithNilOldPointerOnlyAllocates(t *testing.T) {
	g := &Guard{}
	tr := &recordingTracker{}
	Realloc(g, tr, 0, 128, func() uint64 { return 0x3000 })
	assert.Empty(t, tr.deallocations)
	assert.Len(t, tr.allocations, 1)
}

func TestRangedFreeReportsBeforeCallingThrough(t *testing.T) {
	g := &Guard{}
	tr := &recordingTracker{}
	var orderCalled []string
	tr2 := &orderTrackingTracker{recordingTracker: tr, order: &orderCalled}
	ret := RangedFree(g, tr2, 0x4000, 4096, func() int {
		orderCalled = append(orderCalled, "munmap")
		return 0
	})
	assert.Equal(t, 0, ret)
	require.Equal(t, []string{"deallocate", "munmap"}, orderCalled)
}

type orderTrackingTracker struct {
	*recordingTracker
	order *[]string
}

func (o *orderTrackingTracker) TrackDeallocation(ptr, size uint64, allocator recordio.Allocator) {
	*o.order = append(*o.order, "deallocate")
	o.recordingTracker.TrackDeallocation(ptr, size, allocator)
}

package interval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestMunmapMiddlePage(t *testing.T) {
	tree := New[string]()
	tree.Add(0, 3*pageSize, "mapping")

	removed := tree.Remove(pageSize, pageSize)
	require.Len(t, removed, 1)
	assert.Equal(t, Range{pageSize, 2 * pageSize}, removed[0].Range)

	assert.Equal(t, 2, tree.Len())
	assert.EqualValues(t, 2*pageSize, tree.Size())

	var ranges []Range
	tree.ForEach(func(r Range, v string) { ranges = append(ranges, r) })
	assert.ElementsMatch(t, []Range{{0, pageSize}, {2 * pageSize, 3 * pageSize}}, ranges)
}

func TestAddRemoveLaw(t *testing.T) {
	tree := New[int]()
	tree.Add(100, 50, 1)
	tree.Add(200, 50, 2)

	removed := tree.Remove(120, 20)
	require.Len(t, removed, 1)
	assert.EqualValues(t, 20, removed[0].Range.Size())
	assert.EqualValues(t, 100-20, tree.Size())
}

func TestRemoveNoOverlapIsNoop(t *testing.T) {
	tree := New[int]()
	tree.Add(0, 100, 1)
	removed := tree.Remove(1000, 100)
	assert.Nil(t, removed)
	assert.EqualValues(t, 100, tree.Size())
}

func TestRemoveFullOverlap(t *testing.T) {
	tree := New[int]()
	tree.Add(0, 100, 1)
	removed := tree.Remove(0, 100)
	require.Len(t, removed, 1)
	assert.Equal(t, 0, tree.Len())
}

func TestRemoveExactlyOncePerIntersectedRange(t *testing.T) {
	tree := New[int]()
	tree.Add(0, 10, 1)
	tree.Add(10, 10, 2)
	tree.Add(20, 10, 3)

	removed := tree.Remove(5, 20)
	// intersects all three ranges, each exactly once
	assert.Len(t, removed, 3)
}

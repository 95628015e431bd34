package frametree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdenticalTracesYieldIdenticalIndex(t *testing.T) {
	tree := New[uint64]()
	onNew := func(key uint64, parent Index) bool { return true }

	a := tree.InsertTrace([]uint64{1, 2, 3}, onNew)
	// interleave an unrelated trace
	tree.InsertTrace([]uint64{1, 9}, onNew)
	b := tree.InsertTrace([]uint64{1, 2, 3}, onNew)

	assert.Equal(t, a, b)
}

func TestPrefixSharing(t *testing.T) {
	tree := New[uint64]()
	onNew := func(key uint64, parent Index) bool { return true }

	leaf1 := tree.InsertTrace([]uint64{1, 2, 3}, onNew)
	leaf2 := tree.InsertTrace([]uint64{1, 2, 4}, onNew)

	assert.NotEqual(t, leaf1, leaf2)

	_, parent1 := tree.Node(leaf1)
	_, parent2 := tree.Node(leaf2)
	assert.Equal(t, parent1, parent2, "siblings should share the same parent node")
}

func TestPathReconstructsDeepestFirst(t *testing.T) {
	tree := New[uint64]()
	onNew := func(key uint64, parent Index) bool { return true }
	leaf := tree.InsertTrace([]uint64{10, 20, 30}, onNew)

	var got []uint64
	tree.Path(leaf, func(key uint64, index Index) bool {
		got = append(got, key)
		return true
	})
	assert.Equal(t, []uint64{30, 20, 10}, got)
}

func TestOnNewDeclineAbortsInsertion(t *testing.T) {
	tree := New[uint64]()
	idx := tree.GetOrInsert(Root, 1, func(key uint64, parent Index) bool { return false })
	assert.Equal(t, Root, idx)
	assert.Equal(t, Root, tree.MaxIndex())
}

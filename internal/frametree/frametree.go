// Package frametree implements the canonical prefix-compressed
// call-stack trie shared by the Python frame tree and the native
// frame tree: identical stack traces always map to the same node
// index, and distinct traces share the longest common node prefix.
//
// Grounded on bloomberg/memray's frame_tree.h: an arena (d_graph) of
// nodes, each a {key, parent index, sorted children} triple, rooted at
// index 0. Children are kept sorted by key so insertion and lookup
// both do a binary search rather than a full scan.
package frametree

import (
	"cmp"
	"sort"
)

// Index identifies a node in the tree. Index 0 is the (synthetic)
// root; minIndex is 1 since index 0 never corresponds to a real
// frame.
type Index uint32

const Root Index = 0

type childEdge[K cmp.Ordered] struct {
	key   K
	child Index
}

type node[K cmp.Ordered] struct {
	key      K
	parent   Index
	children []childEdge[K]
}

// Tree is a generic prefix trie over keys of type K (FrameID for the
// Python frame tree, uint64 instruction pointers for the native frame
// tree). The onNew callback taken by GetOrInsert and InsertTrace, if
// non-nil, is called exactly once per newly inserted node with
// (key, parentIndex) before the node is linked in, mirroring
// FrameTree::getTraceIndexUnsafe's callback — a caller can use it to
// emit a record for the new node, and a false return aborts the
// insertion.
type Tree[K cmp.Ordered] struct {
	nodes []node[K]
}

// New returns a tree containing only the synthetic root.
func New[K cmp.Ordered]() *Tree[K] {
	var zero K
	return &Tree[K]{nodes: []node[K]{{key: zero}}}
}

// MinIndex and MaxIndex bound the valid non-root node indices
// currently stored.
func (t *Tree[K]) MinIndex() Index { return 1 }
func (t *Tree[K]) MaxIndex() Index { return Index(len(t.nodes) - 1) }

// Node returns the (key, parentIndex) pair stored at index, as
// FrameTree::nextNode does.
func (t *Tree[K]) Node(index Index) (key K, parent Index) {
	n := t.nodes[index]
	return n.key, n.parent
}

// GetOrInsert finds or creates the child of parent keyed by key, and
// returns its index. If a new node is created and onNew is non-nil, it
// is invoked with (key, parent) before the node becomes visible; if it
// returns false, the insertion is aborted and 0 is returned, matching
// the original's callback-declines-the-frame behavior.
func (t *Tree[K]) GetOrInsert(parent Index, key K, onNew func(key K, parent Index) bool) Index {
	n := &t.nodes[parent]
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].key >= key
	})
	if i < len(n.children) && n.children[i].key == key {
		return n.children[i].child
	}
	newIndex := Index(len(t.nodes))
	if onNew != nil && !onNew(key, parent) {
		return 0
	}
	edge := childEdge[K]{key, newIndex}
	n.children = append(n.children, childEdge[K]{})
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = edge
	t.nodes = append(t.nodes, node[K]{key: key, parent: parent})
	return newIndex
}

// InsertTrace walks the full stack trace (root-to-leaf order, deepest
// frame last) from the root, inserting any frames not yet present, and
// returns the index of the deepest node — identical traces always
// return the same index regardless of other traces interleaved.
func (t *Tree[K]) InsertTrace(trace []K, onNew func(key K, parent Index) bool) Index {
	idx := Root
	for _, key := range trace {
		idx = t.GetOrInsert(idx, key, onNew)
	}
	return idx
}

// Path walks from index up to the root, calling fn with each
// (key, index) pair starting at the deepest frame, stopping early if
// fn returns false. This is the Go equivalent of repeatedly calling
// Node() to reconstruct a stack trace for display.
func (t *Tree[K]) Path(index Index, fn func(key K, index Index) bool) {
	for index != Root {
		key, parent := t.Node(index)
		if !fn(key, index) {
			return
		}
		index = parent
	}
}

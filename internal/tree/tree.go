// Package tree models one side's module hierarchy as recorded during an
// execution.
//
// A Tree is an arena: nodes live in a slice and refer to each other, and to
// the recorder's items, by index. The tree and the recorder's item list are
// two independently owned collections with the same lifetime (one session).
//
// Trees are built while recording (see Builder), cloned before comparison,
// and the clone's sibling lists may be permuted in place by ReorderAndMatch
// so that the reference and candidate children pair up by identity.
package tree

import "slices"

// None marks an absent node or item index.
const None = -1

// State is the cached outcome of aligning a node's children.
type State int

const (
	// Unaligned means no reorder has been attempted for the node.
	Unaligned State = iota
	// Aligned means the children were paired successfully.
	Aligned
	// AlignFailed means no identity-consistent pairing exists.
	AlignFailed
)

func (s State) String() string {
	switch s {
	case Unaligned:
		return "unaligned"
	case Aligned:
		return "aligned"
	case AlignFailed:
		return "alignment-failed"
	default:
		return "unknown"
	}
}

// Node is one position in a side's module hierarchy.
type Node struct {
	// Identity is the stable key of the module within one side's execution.
	// Corresponding modules on the two sides share an identity.
	Identity string

	// Kind is the node type descriptor used to resolve comparison actions.
	Kind string

	// Parent is the parent node index, or None for the root.
	Parent int

	// Children are child node indices in structural order.
	Children []int

	// Forward and Backward are item indices into the owning recorder,
	// or None when no such record exists.
	Forward  int
	Backward int

	// Origin is the index of this node in the tree it was cloned from.
	// For a tree that is not a clone it is the node's own index.
	Origin int

	// Alignment caches the reorder outcome for this node's children.
	Alignment State

	// alignErr is the cached failure when Alignment == AlignFailed.
	alignErr error
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Tree is an arena of nodes with a designated root.
type Tree struct {
	Nodes []Node
	Root  int

	// Reorders counts ReorderAndMatch attempts made through Align.
	Reorders int
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{Root: None}
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Node returns the node at index i.
func (t *Tree) Node(i int) *Node {
	return &t.Nodes[i]
}

// Add appends a node under parent (None for a top-level node) and returns
// its index.
func (t *Tree) Add(parent int, identity, kind string) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{
		Identity: identity,
		Kind:     kind,
		Parent:   parent,
		Forward:  None,
		Backward: None,
		Origin:   idx,
	})
	if parent != None {
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	}
	return idx
}

// Clone returns a deep copy of t whose nodes point back at t through Origin.
// Reordering the clone never affects t.
func (t *Tree) Clone() *Tree {
	c := &Tree{Nodes: make([]Node, len(t.Nodes)), Root: t.Root}
	for i, n := range t.Nodes {
		n.Children = slices.Clone(n.Children)
		n.Origin = i
		n.Alignment = Unaligned
		n.alignErr = nil
		c.Nodes[i] = n
	}
	return c
}

// Walk visits nodes depth-first in structural order starting at n.
// Returning false from fn stops the walk below that node.
func (t *Tree) Walk(n int, fn func(idx, depth int) bool) {
	t.walk(n, 0, fn)
}

func (t *Tree) walk(n, depth int, fn func(idx, depth int) bool) {
	if n == None {
		return
	}
	if !fn(n, depth) {
		return
	}
	for _, c := range t.Nodes[n].Children {
		t.walk(c, depth+1, fn)
	}
}

package tree

import (
	"errors"
	"fmt"
)

// Synthetic root identity and kind, used when an execution opens more than
// one top-level node.
const (
	RootIdentity = "<root>"
	RootKind     = "Root"
)

// ErrUnbalanced is returned when nodes are closed out of order.
var ErrUnbalanced = errors.New("unbalanced node stack")

// Builder grows a Tree while an execution runs.
//
// Push opens a node under the currently open one; Pop closes it. The first
// top-level node becomes the root. If a second top-level node is opened,
// a synthetic root is inserted above both.
type Builder struct {
	tree      *Tree
	stack     []int
	synthetic bool
}

// NewBuilder creates a builder over an empty tree.
func NewBuilder() *Builder {
	return &Builder{tree: New()}
}

// BuilderFor wraps an existing tree, e.g. one read back from storage.
func BuilderFor(t *Tree) *Builder {
	synthetic := t.Root != None && t.Nodes[t.Root].Identity == RootIdentity
	return &Builder{tree: t, synthetic: synthetic}
}

// Tree returns the tree being built.
func (b *Builder) Tree() *Tree {
	return b.tree
}

// Depth returns the number of currently open nodes.
func (b *Builder) Depth() int {
	return len(b.stack)
}

// Push opens a node and returns its index.
func (b *Builder) Push(identity, kind string) int {
	parent := None
	if len(b.stack) > 0 {
		parent = b.stack[len(b.stack)-1]
	} else if b.tree.Root != None {
		parent = b.ensureSyntheticRoot()
	}

	idx := b.tree.Add(parent, identity, kind)
	if b.tree.Root == None {
		b.tree.Root = idx
	}
	b.stack = append(b.stack, idx)
	return idx
}

// ensureSyntheticRoot inserts a synthetic root above the current root.
func (b *Builder) ensureSyntheticRoot() int {
	if b.synthetic {
		return b.tree.Root
	}
	old := b.tree.Root
	root := b.tree.Add(None, RootIdentity, RootKind)
	b.tree.Nodes[old].Parent = root
	b.tree.Nodes[root].Children = []int{old}
	b.tree.Root = root
	b.synthetic = true
	return root
}

// Pop closes node, which must be the most recently opened one.
func (b *Builder) Pop(node int) error {
	if len(b.stack) == 0 {
		return fmt.Errorf("pop node %d: %w (no open nodes)", node, ErrUnbalanced)
	}
	top := b.stack[len(b.stack)-1]
	if top != node {
		return fmt.Errorf("pop node %d (%s): %w (open node is %d (%s))",
			node, b.tree.Nodes[node].Identity, ErrUnbalanced, top, b.tree.Nodes[top].Identity)
	}
	b.stack = b.stack[:len(b.stack)-1]
	return nil
}

// Truncate closes every node opened above depth without attaching
// anything to them. Nodes abandoned this way stay in the tree with no
// records.
func (b *Builder) Truncate(depth int) {
	if depth < 0 {
		depth = 0
	}
	if depth < len(b.stack) {
		b.stack = b.stack[:depth]
	}
}

// AttachForward records item as node's forward record.
func (b *Builder) AttachForward(node, item int) {
	b.tree.Nodes[node].Forward = item
}

// AttachBackward records item as node's backward record.
func (b *Builder) AttachBackward(node, item int) {
	b.tree.Nodes[node].Backward = item
}

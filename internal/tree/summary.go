package tree

import (
	"fmt"
	"strings"
)

// Describe renders a node as Kind(identity).
func (t *Tree) Describe(n int) string {
	if n == None {
		return "<none>"
	}
	node := &t.Nodes[n]
	return fmt.Sprintf("%s(%s)", node.Kind, node.Identity)
}

// Summary renders the subtree at n, one node per line, indented two spaces
// per level. Subtrees deeper than maxDepth are elided with "...";
// maxDepth <= 0 means unlimited.
func (t *Tree) Summary(n, maxDepth int) string {
	var b strings.Builder
	t.Walk(n, func(idx, depth int) bool {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(t.Describe(idx))
		node := &t.Nodes[idx]
		if node.Alignment != Unaligned {
			fmt.Fprintf(&b, " [%s]", node.Alignment)
		}
		if maxDepth > 0 && depth+1 >= maxDepth && !node.IsLeaf() {
			b.WriteString(" ...\n")
			return false
		}
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

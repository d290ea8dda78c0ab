package tree

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Reason categorizes an alignment failure.
type Reason string

const (
	// ReasonStructuralMismatch means the sibling groups differ in length.
	ReasonStructuralMismatch Reason = "STRUCTURAL_MISMATCH"

	// ReasonNoBijection means a reference child has no candidate child with
	// the same identity left to pair with.
	ReasonNoBijection Reason = "NO_BIJECTION"
)

// AlignError describes why two sibling groups could not be paired.
type AlignError struct {
	Reason Reason

	// RefParent and CandParent identify the nodes whose children failed.
	RefParent  string
	CandParent string

	// RefCount and CandCount are the sibling group sizes.
	RefCount  int
	CandCount int

	// Missing is the reference child identity that found no partner.
	Missing string
}

// Error implements the error interface.
func (e *AlignError) Error() string {
	switch e.Reason {
	case ReasonStructuralMismatch:
		return fmt.Sprintf("%s: %s has %d children but %s has %d",
			e.Reason, e.RefParent, e.RefCount, e.CandParent, e.CandCount)
	case ReasonNoBijection:
		return fmt.Sprintf("%s: no candidate child of %s matches reference child %q of %s",
			e.Reason, e.CandParent, e.Missing, e.RefParent)
	default:
		return fmt.Sprintf("%s: %s vs %s", e.Reason, e.RefParent, e.CandParent)
	}
}

// Unwrap maps the reason onto the shared error classes.
func (e *AlignError) Unwrap() error {
	if e.Reason == ReasonStructuralMismatch {
		return ir.ErrStructuralMismatch
	}
	return ir.ErrAlignment
}

// ReorderAndMatch permutes the candidate node's children in place so that
// the i-th candidate child has the identity of the i-th reference child.
//
// Children sharing an identity (a component invoked several times) pair by
// occurrence: candidate children are queued per identity in their current
// order and popped as reference children ask for them. On failure nothing
// is mutated.
func ReorderAndMatch(r, c *Tree, rn, cn int) error {
	rNode, cNode := &r.Nodes[rn], &c.Nodes[cn]

	if len(rNode.Children) != len(cNode.Children) {
		return &AlignError{
			Reason:     ReasonStructuralMismatch,
			RefParent:  rNode.Identity,
			CandParent: cNode.Identity,
			RefCount:   len(rNode.Children),
			CandCount:  len(cNode.Children),
		}
	}

	queues := make(map[string][]int, len(cNode.Children))
	for _, child := range cNode.Children {
		id := c.Nodes[child].Identity
		queues[id] = append(queues[id], child)
	}

	order := make([]int, len(rNode.Children))
	for i, child := range rNode.Children {
		id := r.Nodes[child].Identity
		q := queues[id]
		if len(q) == 0 {
			return &AlignError{
				Reason:     ReasonNoBijection,
				RefParent:  rNode.Identity,
				CandParent: cNode.Identity,
				RefCount:   len(rNode.Children),
				CandCount:  len(cNode.Children),
				Missing:    id,
			}
		}
		order[i] = q[0]
		queues[id] = q[1:]
	}

	cNode.Children = order
	return nil
}

// Align runs ReorderAndMatch for a node pair at most once and caches the
// outcome on both nodes. Later calls return the cached state and error,
// so a node aligned during the forward walk is not re-aligned during the
// backward walk.
func Align(r, c *Tree, rn, cn int) (State, error) {
	cNode := &c.Nodes[cn]
	if cNode.Alignment != Unaligned {
		return cNode.Alignment, cNode.alignErr
	}

	c.Reorders++
	state, err := Aligned, ReorderAndMatch(r, c, rn, cn)
	if err != nil {
		state = AlignFailed
	}

	cNode.Alignment, cNode.alignErr = state, err
	r.Nodes[rn].Alignment, r.Nodes[rn].alignErr = state, err
	return state, err
}

package report

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/tree"
)

// ErrAlreadyLinked is returned when a forward/backward link is set twice.
var ErrAlreadyLinked = errors.New("cross-phase link already set")

// Item is one recorded invocation of a node.
type Item struct {
	// ID is the content-addressed record ID (see ir.RecordID).
	ID string `json:"id"`

	// Phase is forward or backward. It never changes after recording.
	Phase ir.Phase `json:"phase"`

	// Step is the logical-clock value assigned at record time.
	Step int64 `json:"step"`

	// Index is the item's position in the owning recorder.
	Index int `json:"index"`

	// Identity is the owning node's stable key within one side.
	Identity string `json:"identity"`

	// Kind is the node type descriptor ("Linear", "LayerNorm", ...).
	Kind string `json:"kind"`

	// Input and Output are opaque tensor handles. For a backward item the
	// input is the forward input and the output is the incoming gradient.
	Input  []ir.Tensor `json:"input,omitempty"`
	Output []ir.Tensor `json:"output,omitempty"`

	// Location is source-location metadata, passed through untouched.
	Location ir.Attrs `json:"location,omitempty"`

	// Frames are the captured call-stack frames of the invocation.
	Frames []ir.Frame `json:"frames,omitempty"`

	// Node is the structural tree node this item is attached to.
	Node int `json:"node"`

	// InputGrads has one slot per gradient-bearing input leaf.
	// Only backward items have slots; they fill in during backward.
	InputGrads []*ir.Tensor `json:"input_grads,omitempty"`

	fwd *Item
	bwd *Item
}

// newItem builds an item and sizes the input-grad slots for backward items.
func newItem(phase ir.Phase, step int64, input, output []ir.Tensor, identity, kind string, loc ir.Attrs, frames []ir.Frame) *Item {
	it := &Item{
		Phase:    phase,
		Step:     step,
		Identity: identity,
		Kind:     kind,
		Input:    input,
		Output:   output,
		Location: loc,
		Frames:   frames,
		Node:     tree.None,
	}
	if phase == ir.PhaseBackward {
		it.InputGrads = make([]*ir.Tensor, ir.GradLeaves(input))
	}
	return it
}

// Forward returns the paired forward item of a backward item.
func (it *Item) Forward() *Item {
	return it.fwd
}

// Backward returns the paired backward item of a forward item.
func (it *Item) Backward() *Item {
	return it.bwd
}

// Link pairs a forward item with its backward item. Each side of the link
// can be set only once.
func Link(fwd, bwd *Item) error {
	if fwd.Phase != ir.PhaseForward || bwd.Phase != ir.PhaseBackward {
		return fmt.Errorf("link %s to %s: need a forward and a backward item", fwd.Phase, bwd.Phase)
	}
	if fwd.bwd != nil || bwd.fwd != nil {
		return fmt.Errorf("link %s (step %d): %w", fwd.Identity, fwd.Step, ErrAlreadyLinked)
	}
	fwd.bwd = bwd
	bwd.fwd = fwd
	return nil
}

// SetInputGrad fills the nth input-grad slot of a backward item.
func (it *Item) SetInputGrad(n int, grad ir.Tensor) error {
	if it.Phase != ir.PhaseBackward {
		return fmt.Errorf("set input grad on %s item %s", it.Phase, it.Identity)
	}
	if n < 0 || n >= len(it.InputGrads) {
		return fmt.Errorf("input grad slot %d out of range [0, %d) for %s", n, len(it.InputGrads), it.Identity)
	}
	g := grad
	it.InputGrads[n] = &g
	return nil
}

// CompareTensors returns the tensors an equivalence check looks at:
// outputs for forward items, input grads for backward items. A backward
// item without gradient-bearing inputs falls back to its incoming
// gradient. Unfilled grad slots appear as empty tensors.
func (it *Item) CompareTensors() []ir.Tensor {
	if it.Phase == ir.PhaseForward || len(it.InputGrads) == 0 {
		return it.Output
	}
	out := make([]ir.Tensor, len(it.InputGrads))
	for i, g := range it.InputGrads {
		if g != nil {
			out[i] = *g
		}
	}
	return out
}

// String renders a one-line description.
func (it *Item) String() string {
	return fmt.Sprintf("Item(%s step=%d kind=%s identity=%s)", it.Phase, it.Step, it.Kind, it.Identity)
}

package report

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/tree"
)

// MismatchError reports an occurrence that exists on one side but not the
// other, e.g. a shared component invoked three times by the candidate but
// only twice by the reference.
type MismatchError struct {
	// Side is the recorder that lacks the occurrence.
	Side     ir.Side
	Identity string

	// Ordinal is the zero-based occurrence requested.
	Ordinal int

	// Available is how many occurrences Side actually recorded.
	Available int
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s recorded %d forward invocation(s) of %q, occurrence #%d requested",
		ir.ErrStructuralMismatch, e.Side, e.Available, e.Identity, e.Ordinal)
}

// Unwrap lets errors.Is match ir.ErrStructuralMismatch.
func (e *MismatchError) Unwrap() error {
	return ir.ErrStructuralMismatch
}

// Report is the per-side recorder: an ordered, append-only store of Items
// plus the structural tree built while recording.
type Report struct {
	Name string
	Side ir.Side

	// Session scopes content-addressed item IDs. Empty leaves IDs unset.
	Session string

	items   []*Item
	counter *Counter
	loss    *ir.Tensor
	builder *tree.Builder

	// occurrences buckets forward items by identity in recorded order.
	occurrences map[string][]*Item
}

// New creates an empty recorder for one side.
func New(name string, side ir.Side) *Report {
	return &Report{
		Name:        name,
		Side:        side,
		builder:     tree.NewBuilder(),
		occurrences: make(map[string][]*Item),
	}
}

// Recording reports whether a counter is attached, i.e. whether the
// recorder is inside an active Context.
func (r *Report) Recording() bool {
	return r.counter != nil
}

// Record stamps and appends one item.
//
// Panics if the recorder is not inside an active Context: recording
// without a counter is a contract violation, not a data problem.
func (r *Report) Record(phase ir.Phase, input, output []ir.Tensor, identity, kind string, loc ir.Attrs, frames []ir.Frame) *Item {
	if r.counter == nil {
		panic(fmt.Sprintf("report %q: Record(%s, %q) called outside an active Context", r.Name, phase, identity))
	}
	if !phase.Valid() {
		panic(fmt.Sprintf("report %q: invalid phase %q", r.Name, phase))
	}

	it := newItem(phase, r.counter.Next(), input, output, identity, kind, loc, frames)
	it.Index = len(r.items)
	if r.Session != "" {
		it.ID = ir.MustRecordID(r.Session, r.Side, phase, identity, it.Step)
	}
	r.items = append(r.items, it)

	if phase == ir.PhaseForward {
		r.occurrences[identity] = append(r.occurrences[identity], it)
	}
	return it
}

// Begin opens a structural node for an invocation that is about to run.
// Pair every Begin with End.
func (r *Report) Begin(identity, kind string) int {
	if r.counter == nil {
		panic(fmt.Sprintf("report %q: Begin(%q) called outside an active Context", r.Name, identity))
	}
	return r.builder.Push(identity, kind)
}

// End closes node, records its forward item and attaches it to the node.
func (r *Report) End(node int, input, output []ir.Tensor, loc ir.Attrs, frames []ir.Frame) (*Item, error) {
	if err := r.builder.Pop(node); err != nil {
		return nil, fmt.Errorf("report %q: %w", r.Name, err)
	}
	n := r.builder.Tree().Node(node)
	it := r.Record(ir.PhaseForward, input, output, n.Identity, n.Kind, loc, frames)
	it.Node = node
	r.builder.AttachForward(node, it.Index)
	return it, nil
}

// RecordBackward records the backward invocation paired with fwd.
// The backward item's input is fwd's input, so its grad slots match the
// gradient-bearing inputs of the forward call.
func (r *Report) RecordBackward(fwd *Item, gradOutput []ir.Tensor, frames []ir.Frame) (*Item, error) {
	if fwd.Phase != ir.PhaseForward {
		return nil, fmt.Errorf("report %q: backward of a %s item", r.Name, fwd.Phase)
	}
	it := r.Record(ir.PhaseBackward, fwd.Input, gradOutput, fwd.Identity, fwd.Kind, fwd.Location, frames)
	if err := Link(fwd, it); err != nil {
		return nil, fmt.Errorf("report %q: %w", r.Name, err)
	}
	it.Node = fwd.Node
	if fwd.Node != tree.None {
		r.builder.AttachBackward(fwd.Node, it.Index)
	}
	return it, nil
}

// Items returns all items in recorded order.
func (r *Report) Items() []*Item {
	return r.items
}

// Item returns the item at index i, or nil when i is out of range.
func (r *Report) Item(i int) *Item {
	if i < 0 || i >= len(r.items) {
		return nil
	}
	return r.items[i]
}

// Len returns the number of recorded items.
func (r *Report) Len() int {
	return len(r.items)
}

// ForwardItems returns the forward items in chronological order.
func (r *Report) ForwardItems() []*Item {
	var fwd []*Item
	for _, it := range r.items {
		if it.Phase == ir.PhaseForward {
			fwd = append(fwd, it)
		}
	}
	return fwd
}

// Occurrences returns how many forward items were recorded for identity.
func (r *Report) Occurrences(identity string) int {
	return len(r.occurrences[identity])
}

// MatchOccurrence returns the forward item on r that corresponds to the
// latest forward invocation of identity recorded on other.
//
// Components invoked repeatedly (weight sharing) pair by occurrence
// ordinal, not absolute position: if other has recorded k invocations of
// identity so far, the k-th one on r (counting from one) is returned.
func (r *Report) MatchOccurrence(identity string, other *Report) (*Item, error) {
	k := other.Occurrences(identity) - 1
	if k < 0 {
		return nil, &MismatchError{Side: other.Side, Identity: identity, Ordinal: 0, Available: 0}
	}
	bucket := r.occurrences[identity]
	if k >= len(bucket) {
		return nil, &MismatchError{Side: r.Side, Identity: identity, Ordinal: k, Available: len(bucket)}
	}
	return bucket[k], nil
}

// NextStep returns the step that follows the last recorded item, or 0
// for an empty recorder.
func (r *Report) NextStep() int64 {
	if len(r.items) == 0 {
		return 0
	}
	return r.items[len(r.items)-1].Step + 1
}

// SetLoss captures the scalar loss of the execution.
func (r *Report) SetLoss(loss ir.Tensor) {
	l := loss.Clone()
	r.loss = &l
}

// Loss returns the captured loss, if any.
func (r *Report) Loss() (ir.Tensor, bool) {
	if r.loss == nil {
		return ir.Tensor{}, false
	}
	return *r.loss, true
}

// Tree returns the structural tree built while recording.
func (r *Report) Tree() *tree.Tree {
	return r.builder.Tree()
}

// Structure returns the ordered (phase, identity) sequence of the recorder.
func (r *Report) Structure() []ir.StructureEntry {
	entries := make([]ir.StructureEntry, len(r.items))
	for i, it := range r.items {
		entries[i] = ir.StructureEntry{Phase: it.Phase, Identity: it.Identity}
	}
	return entries
}

// Restore rebuilds a frozen recorder from persisted parts.
//
// Items must be in recorded order. Forward/backward links are re-derived
// from the tree: each node carries at most one forward and one backward
// item index.
func Restore(name string, side ir.Side, session string, items []*Item, t *tree.Tree, loss *ir.Tensor) (*Report, error) {
	r := New(name, side)
	r.Session = session
	r.items = items
	r.loss = loss
	if t != nil {
		r.builder = tree.BuilderFor(t)
	}

	for i, it := range items {
		if it.Index != i {
			return nil, fmt.Errorf("restore %q: item %d has index %d", name, i, it.Index)
		}
		if i > 0 && items[i-1].Step >= it.Step {
			return nil, fmt.Errorf("restore %q: steps not strictly increasing at item %d", name, i)
		}
		if it.Phase == ir.PhaseForward {
			r.occurrences[it.Identity] = append(r.occurrences[it.Identity], it)
		}
	}

	rt := r.Tree()
	for i := range rt.Nodes {
		n := rt.Node(i)
		if n.Forward == tree.None || n.Backward == tree.None {
			continue
		}
		fwd, bwd := r.Item(n.Forward), r.Item(n.Backward)
		if fwd == nil || bwd == nil {
			return nil, fmt.Errorf("restore %q: node %s references missing item", name, n.Identity)
		}
		if err := Link(fwd, bwd); err != nil {
			return nil, fmt.Errorf("restore %q: %w", name, err)
		}
	}
	return r, nil
}

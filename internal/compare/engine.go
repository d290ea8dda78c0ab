// Package compare walks a reference and a candidate recording in lockstep
// and reports the first position where they disagree.
//
// The forward walk starts at the roots and only descends into a pair of
// nodes when the pair itself fails: a passing parent certifies its whole
// subtree. When a failing parent has children, they are paired by identity
// (reordering the candidate's children once if needed) and checked in
// order, so the failure is pinned on the deepest node that explains it.
// The backward walk does the same over gradient records, visiting children
// in reverse order and reusing the forward walk's alignment.
package compare

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/roach88/lockstep/internal/action"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/tree"
)

// summaryDepth bounds the subtree summaries attached to diagnostics.
const summaryDepth = 3

// Observer is called for every node pair the walk visits.
type Observer func(phase ir.Phase, r, c *tree.Node)

// Verdict is the outcome of one comparison.
type Verdict struct {
	Passed bool `json:"passed"`

	// Failure is the first divergence; nil when Passed.
	Failure *Diagnostic `json:"failure,omitempty"`

	// ForwardChecks and BackwardChecks count visited node pairs.
	ForwardChecks  int `json:"forward_checks"`
	BackwardChecks int `json:"backward_checks"`

	// Reorders counts alignment attempts on the candidate tree.
	Reorders int `json:"reorders"`

	// SameStructure reports whether both sides recorded the same ordered
	// (phase, identity) sequence.
	SameStructure bool `json:"same_structure"`
}

// Engine compares two recorders. It holds no per-run state and can be
// reused.
type Engine struct {
	registry *action.Registry
	opts     config.Options
	logger   *slog.Logger
	sink     Sink
	observer Observer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithSink sets where the diagnostic of a failed run is emitted.
func WithSink(s Sink) EngineOption {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithObserver installs a visitor for every checked pair.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates an engine. A nil registry means the default one.
func New(registry *action.Registry, opts config.Options, options ...EngineOption) *Engine {
	if registry == nil {
		registry = action.NewRegistry()
	}
	e := &Engine{
		registry: registry,
		opts:     opts,
		logger:   slog.Default(),
		sink:     TextSink{W: io.Discard},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Options returns the engine's options.
func (e *Engine) Options() config.Options {
	return e.opts
}

// Registry returns the engine's action registry.
func (e *Engine) Registry() *action.Registry {
	return e.registry
}

// Run compares ref against cand.
//
// Both trees are cloned first so reordering never touches the recorders.
// Data problems end up in the returned Verdict; Run does not panic on them.
func (e *Engine) Run(ref, cand *report.Report) Verdict {
	w := &walk{
		e:    e,
		ref:  ref,
		cand: cand,
		rt:   ref.Tree().Clone(),
		ct:   cand.Tree().Clone(),
	}
	w.verdict.SameStructure = sameStructure(ref, cand)

	e.logger.Debug("comparison starting",
		"reference", ref.Name,
		"candidate", cand.Name,
		"reference_items", ref.Len(),
		"candidate_items", cand.Len(),
		"same_structure", w.verdict.SameStructure)

	w.run()
	w.verdict.Reorders = w.ct.Reorders

	if w.verdict.Passed {
		e.logger.Info("comparison passed",
			"forward_checks", w.verdict.ForwardChecks,
			"backward_checks", w.verdict.BackwardChecks,
			"reorders", w.verdict.Reorders)
	}
	return w.verdict
}

func sameStructure(ref, cand *report.Report) bool {
	rh, err := ir.StructureHash(ref.Structure())
	if err != nil {
		return false
	}
	ch, err := ir.StructureHash(cand.Structure())
	if err != nil {
		return false
	}
	return rh == ch
}

// walk is the state of one Run.
type walk struct {
	e         *Engine
	ref, cand *report.Report
	rt, ct    *tree.Tree
	verdict   Verdict
}

func (w *walk) run() {
	if !w.checkRoots() {
		return
	}
	if w.rt.Root != tree.None && !w.checkForward(w.rt.Root, w.ct.Root) {
		return
	}
	if w.e.opts.LossFn && !w.checkLoss() {
		return
	}
	if w.e.opts.ForwardOnly() {
		w.verdict.Passed = true
		return
	}
	if w.rt.Root != tree.None && !w.checkBackward(w.rt.Root, w.ct.Root) {
		return
	}
	w.verdict.Passed = true
}

// checkRoots handles recordings where one side has no tree at all.
func (w *walk) checkRoots() bool {
	rEmpty, cEmpty := w.rt.Root == tree.None, w.ct.Root == tree.None
	if rEmpty == cEmpty {
		return true
	}
	d := &Diagnostic{
		Reason: ReasonStructural,
		Phase:  ir.PhaseForward,
		Step:   StepUnknown,
		Detail: fmt.Sprintf("%s: reference recorded %d node(s), candidate %d",
			ir.ErrStructuralMismatch, w.rt.Len(), w.ct.Len()),
	}
	if !rEmpty {
		n := w.rt.Node(w.rt.Root)
		d.RefKind, d.RefIdentity = n.Kind, n.Identity
	}
	if !cEmpty {
		n := w.ct.Node(w.ct.Root)
		d.CandKind, d.CandIdentity = n.Kind, n.Identity
	}
	w.fail(d)
	return false
}

// recordOf returns the node's record for phase, or nil.
func recordOf(r *report.Report, n *tree.Node, phase ir.Phase) *report.Item {
	if phase == ir.PhaseForward {
		return r.Item(n.Forward)
	}
	return r.Item(n.Backward)
}

func (w *walk) checkForward(rn, cn int) bool {
	return w.check(ir.PhaseForward, rn, cn)
}

func (w *walk) checkBackward(rn, cn int) bool {
	return w.check(ir.PhaseBackward, rn, cn)
}

// check compares one node pair for phase and descends on failure.
func (w *walk) check(phase ir.Phase, rn, cn int) bool {
	rNode, cNode := w.rt.Node(rn), w.ct.Node(cn)
	if phase == ir.PhaseForward {
		w.verdict.ForwardChecks++
	} else {
		w.verdict.BackwardChecks++
	}
	if w.e.observer != nil {
		w.e.observer(phase, rNode, cNode)
	}

	rItem, cItem := recordOf(w.ref, rNode, phase), recordOf(w.cand, cNode, phase)

	var (
		res action.Result
		act action.Action
	)
	switch {
	case rItem == nil && cItem == nil:
		// A container with no records of its own, e.g. a synthetic root.
		// Its verdict is the verdict of its children.
		if rNode.IsLeaf() && cNode.IsLeaf() {
			return true
		}
		res = action.Fail("no %s records on either side", phase)
	case rItem == nil || cItem == nil:
		missing := ir.SideReference
		if cItem == nil {
			missing = ir.SideCandidate
		}
		d := w.diagnose(phase, ReasonStructural, rn, cn, nil)
		d.Detail = fmt.Sprintf("%s: %s has no %s record for this node", ir.ErrStructuralMismatch, missing, phase)
		w.fail(d)
		return false
	default:
		act = w.e.registry.Resolve(rNode.Kind, cNode.Kind)
		res = act.Compare(rItem, cItem, w.e.opts)
		w.e.logger.Debug("pair checked",
			"phase", phase,
			"reference", w.rt.Describe(rn),
			"candidate", w.ct.Describe(cn),
			"action", act.Name(),
			"ok", res.OK)
		if res.OK {
			return true
		}
	}

	if rNode.IsLeaf() || cNode.IsLeaf() {
		d := w.diagnose(phase, ReasonLeaf, rn, cn, act)
		d.Detail = res.Detail
		if rNode.IsLeaf() != cNode.IsLeaf() {
			d.Structure = w.structure(rn, cn)
		}
		w.fail(d)
		return false
	}

	if _, err := tree.Align(w.rt, w.ct, rn, cn); err != nil {
		reason := ReasonAlignment
		if errors.Is(err, ir.ErrStructuralMismatch) {
			reason = ReasonStructural
		}
		d := w.diagnose(phase, reason, rn, cn, act)
		d.Detail = res.Detail
		d.AlignmentError = err.Error()
		d.Structure = w.structure(rn, cn)
		w.fail(d)
		return false
	}

	rKids, cKids := w.rt.Node(rn).Children, w.ct.Node(cn).Children
	if phase == ir.PhaseForward {
		for i := range rKids {
			if !w.check(phase, rKids[i], cKids[i]) {
				return false
			}
		}
	} else {
		for i := len(rKids) - 1; i >= 0; i-- {
			if !w.check(phase, rKids[i], cKids[i]) {
				return false
			}
		}
	}

	if act == nil {
		return true
	}

	d := w.diagnose(phase, ReasonAggregate, rn, cn, act)
	d.Detail = res.Detail
	d.Structure = w.structure(rn, cn)
	w.fail(d)
	return false
}

func (w *walk) checkLoss() bool {
	rl, rok := w.ref.Loss()
	cl, cok := w.cand.Loss()

	d := &Diagnostic{
		Reason:       ReasonLoss,
		Phase:        ir.PhaseForward,
		Step:         StepUnknown,
		RefKind:      "Loss",
		CandKind:     "Loss",
		RefIdentity:  w.ref.Name,
		CandIdentity: w.cand.Name,
	}
	switch {
	case !rok && !cok:
		d.Detail = "no loss captured on either side"
	case !rok:
		d.Detail = "no loss captured on the reference side"
	case !cok:
		d.Detail = "no loss captured on the candidate side"
	default:
		tol := config.Tolerance{Atol: w.e.opts.Atol, Rtol: w.e.opts.Rtol}
		res := action.CompareTensor(rl, cl, tol, w.e.opts.CompareMode)
		if res.OK {
			return true
		}
		d.Detail = res.Detail
	}
	w.fail(d)
	return false
}

// diagnose fills the position fields of a diagnostic for a node pair.
func (w *walk) diagnose(phase ir.Phase, reason Reason, rn, cn int, act action.Action) *Diagnostic {
	rNode, cNode := w.rt.Node(rn), w.ct.Node(cn)
	d := &Diagnostic{
		Reason:       reason,
		Phase:        phase,
		Step:         StepUnknown,
		RefKind:      rNode.Kind,
		CandKind:     cNode.Kind,
		RefIdentity:  rNode.Identity,
		CandIdentity: cNode.Identity,
	}
	if act != nil {
		d.Action = act.Name()
	}

	rItem, cItem := recordOf(w.ref, rNode, phase), recordOf(w.cand, cNode, phase)
	switch {
	case rItem != nil:
		d.Step = strconv.FormatInt(rItem.Step, 10)
	case cItem != nil:
		d.Step = strconv.FormatInt(cItem.Step, 10)
	}
	if rItem != nil {
		d.RefFrames = rItem.Frames
	}
	if cItem != nil {
		d.CandFrames = cItem.Frames
	}

	if rNode.Parent != tree.None {
		d.RefParent = w.rt.Describe(rNode.Parent)
	}
	if cNode.Parent != tree.None {
		d.CandParent = w.ct.Describe(cNode.Parent)
	}
	return d
}

func (w *walk) structure(rn, cn int) *Structure {
	return &Structure{
		Reference: w.rt.Summary(rn, summaryDepth),
		Candidate: w.ct.Summary(cn, summaryDepth),
	}
}

// fail records the first divergence and emits it exactly once.
func (w *walk) fail(d *Diagnostic) {
	if w.verdict.Failure != nil {
		return
	}
	w.verdict.Passed = false
	w.verdict.Failure = d

	w.e.logger.Error("divergence found",
		"phase", d.Phase,
		"reason", d.Reason,
		"step", d.Step,
		"reference", fmt.Sprintf("%s(%s)", d.RefKind, d.RefIdentity),
		"candidate", fmt.Sprintf("%s(%s)", d.CandKind, d.CandIdentity),
		"detail", d.Detail)

	if err := w.e.sink.Emit(d); err != nil {
		w.e.logger.Warn("diagnostic sink failed", "error", err)
	}
}

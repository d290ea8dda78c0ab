package report

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Context holds the currently active recorder of each side for the
// duration of one recorded execution.
//
// One Context belongs to one session; there are no process-wide slots.
// Enter and exit follow stack discipline, so nested scopes restore exactly
// the state they found.
type Context struct {
	ref   *Report
	cand  *Report
	depth int
}

// NewContext creates an inactive context.
func NewContext() *Context {
	return &Context{}
}

// Enter installs ref and cand as the active pair and attaches a fresh,
// zeroed Counter to each. The returned exit function restores the
// enclosing pair and the counters the two recorders had before; it must
// be called exactly once, normally via defer.
//
// Nodes opened inside the scope and not closed by the time exit runs are
// abandoned, so a failed execution cannot leave later records nested
// under them.
func (c *Context) Enter(ref, cand *Report) (exit func()) {
	return c.EnterWith(ref, cand, NewCounter(), NewCounter())
}

// EnterWith is Enter with caller-owned counters. Passing the same counters
// to every scope of one recording keeps steps strictly increasing across
// the scopes.
func (c *Context) EnterWith(ref, cand *Report, refCounter, candCounter *Counter) (exit func()) {
	if ref == nil || cand == nil {
		panic("report: Context.Enter needs both recorders")
	}
	if refCounter == nil || candCounter == nil {
		panic("report: Context.EnterWith needs both counters")
	}

	prevRef, prevCand := c.ref, c.cand
	prevRefCounter, prevCandCounter := ref.counter, cand.counter
	refDepth, candDepth := ref.builder.Depth(), cand.builder.Depth()

	c.ref, c.cand = ref, cand
	ref.counter = refCounter
	cand.counter = candCounter
	c.depth++

	exited := false
	return func() {
		if exited {
			return
		}
		exited = true
		ref.builder.Truncate(refDepth)
		cand.builder.Truncate(candDepth)
		ref.counter, cand.counter = prevRefCounter, prevCandCounter
		c.ref, c.cand = prevRef, prevCand
		c.depth--
	}
}

// Run executes fn with ref and cand active. The previous state is restored
// on every exit path: normal return, error, or panic. A panic continues to
// propagate after the restore.
func (c *Context) Run(ref, cand *Report, fn func() error) error {
	return c.RunWith(ref, cand, NewCounter(), NewCounter(), fn)
}

// RunWith is Run with caller-owned counters, see EnterWith.
func (c *Context) RunWith(ref, cand *Report, refCounter, candCounter *Counter, fn func() error) error {
	exit := c.EnterWith(ref, cand, refCounter, candCounter)
	defer exit()

	if err := fn(); err != nil {
		return fmt.Errorf("recorded execution: %w", err)
	}
	return nil
}

// Active returns the active recorder for side, or nil when no context is
// active. Instrumentation call sites use the nil to no-op outside a
// comparison session.
func (c *Context) Active(side ir.Side) *Report {
	if c == nil {
		return nil
	}
	switch side {
	case ir.SideReference:
		return c.ref
	case ir.SideCandidate:
		return c.cand
	default:
		return nil
	}
}

// Depth returns the nesting depth; 0 means inactive.
func (c *Context) Depth() int {
	return c.depth
}

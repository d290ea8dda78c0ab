package session

import (
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/stack"
	"github.com/roach88/lockstep/internal/tree"
)

// Recorder is the instrumentation handle for one side. Every method is a
// no-op while the session is not recording, so instrumented code can run
// outside a comparison unchanged.
type Recorder struct {
	s    *Session
	side ir.Side
}

// Recorder returns the instrumentation handle for side.
func (s *Session) Recorder(side ir.Side) *Recorder {
	return &Recorder{s: s, side: side}
}

// Call is an open invocation returned by Begin.
type Call struct {
	rep  *report.Report
	node int
}

// Active reports whether the call is being recorded.
func (c Call) Active() bool {
	return c.rep != nil
}

func (r *Recorder) active() *report.Report {
	return r.s.ctx.Active(r.side)
}

// Begin opens an invocation of a module. Nested Begin calls become
// children of the open invocation.
func (r *Recorder) Begin(identity, kind string) Call {
	rep := r.active()
	if rep == nil {
		return Call{node: tree.None}
	}
	return Call{rep: rep, node: rep.Begin(identity, kind)}
}

// End closes c and records its forward record. The caller's source
// location is attached when stack capture is on.
func (r *Recorder) End(c Call, input, output []ir.Tensor) (*report.Item, error) {
	if !c.Active() {
		return nil, nil
	}

	var (
		frames []ir.Frame
		loc    ir.Attrs
	)
	if r.s.stacks {
		frames = stack.Capture(1)
		if len(frames) > 0 {
			loc = ir.Location(frames[0].File, frames[0].Line)
		}
	}

	it, err := c.rep.End(c.node, input, output, loc, frames)
	if err != nil {
		return nil, err
	}
	if r.side == ir.SideCandidate && r.s.Options.SingleStep {
		r.s.checkStep(it)
	}
	return it, nil
}

// Backward records the backward invocation of fwd with its incoming
// gradient and fills the input-grad slots in order.
func (r *Recorder) Backward(fwd *report.Item, gradOutput []ir.Tensor, inputGrads ...ir.Tensor) (*report.Item, error) {
	rep := r.active()
	if rep == nil || fwd == nil {
		return nil, nil
	}

	var frames []ir.Frame
	if r.s.stacks {
		frames = stack.Capture(1)
	}
	bwd, err := rep.RecordBackward(fwd, gradOutput, frames)
	if err != nil {
		return nil, err
	}
	for i, g := range inputGrads {
		if err := bwd.SetInputGrad(i, g); err != nil {
			return nil, err
		}
	}
	return bwd, nil
}

// Loss captures the execution's scalar loss.
func (r *Recorder) Loss(t ir.Tensor) {
	if rep := r.active(); rep != nil {
		rep.SetLoss(t)
	}
}

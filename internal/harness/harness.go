package harness

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/testutil"
)

// Harness is the test execution engine.
// It records scenarios through a real session with a constant session ID
// and stack capture off, so repeated runs produce identical records.
type Harness struct {
	logger     *slog.Logger
	sink       compare.Sink
	onRecorded func(*session.Session) error
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithSink sets where the diagnostic of a failed comparison is emitted.
func WithSink(s compare.Sink) Option {
	return func(h *Harness) {
		h.sink = s
	}
}

// WithRecorded sets a hook called with the session after both sides are
// recorded and before they are compared, e.g. to persist it. An error
// aborts the run.
func WithRecorded(fn func(*session.Session) error) Option {
	return func(h *Harness) {
		h.onRecorded = fn
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		sink:   compare.TextSink{W: io.Discard},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a test scenario with a default harness.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(scenario)
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Resolve session options
// 2. Record the reference and candidate executions
// 3. Hand the recorded session to the WithRecorded hook
// 4. Compare them
// 5. Check the expect clause and the trace assertions
func (h *Harness) Run(scenario *Scenario) (*Result, error) {
	sess, err := h.Record(scenario)
	if err != nil {
		return nil, err
	}
	if h.onRecorded != nil {
		if err := h.onRecorded(sess); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
	}

	eng := compare.New(nil, sess.Options, compare.WithLogger(h.logger), compare.WithSink(h.sink))

	result := NewResult()
	result.Session = sess
	result.Verdict = sess.Compare(eng)
	result.FirstMismatch = sess.FirstMismatch()
	for _, side := range []ir.Side{ir.SideReference, ir.SideCandidate} {
		for _, it := range sess.Report(side).Items() {
			result.AddRecordTrace(side, it.Phase, it.Step, it.Identity, it.Kind)
		}
	}

	for _, msg := range checkExpect(scenario.Expect, result) {
		result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	h.logger.Info("scenario completed",
		"scenario", scenario.Name,
		"verdict", result.Verdict.Passed,
		"pass", result.Pass,
		"errors", len(result.Errors))
	return result, nil
}

// Record runs the scenario's two scripted executions inside one session.
func (h *Harness) Record(scenario *Scenario) (*session.Session, error) {
	opts, err := scenario.ResolveOptions()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	sess := session.New(scenario.Name, opts, testutil.NewConstantSessionID(scenario.SessionID),
		session.WithLogger(h.logger),
		session.WithStackCapture(false))

	err = sess.Record(func(ctx *report.Context) error {
		if err := playSide(sess.Recorder(ir.SideReference), scenario.Reference); err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		if err := playSide(sess.Recorder(ir.SideCandidate), scenario.Candidate); err != nil {
			return fmt.Errorf("candidate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	return sess, nil
}

// pending is a finished forward invocation waiting for its backward pass.
type pending struct {
	item *report.Item
	spec NodeSpec
}

// playSide records one execution: forward invocations depth-first, then
// backward invocations in reverse completion order, then the loss.
func playSide(rec *session.Recorder, side SideSpec) error {
	var done []pending
	for _, n := range side.Nodes {
		if err := playNode(rec, n, &done); err != nil {
			return err
		}
	}

	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		if len(p.spec.Grad) == 0 {
			continue
		}
		if _, err := rec.Backward(p.item, []ir.Tensor{ir.Vector(1)}, ir.Vector(p.spec.Grad...)); err != nil {
			return fmt.Errorf("backward %s: %w", p.spec.Identity, err)
		}
	}

	if side.Loss != nil {
		rec.Loss(ir.Scalar(*side.Loss))
	}
	return nil
}

func playNode(rec *session.Recorder, n NodeSpec, done *[]pending) error {
	children, err := n.callOrder()
	if err != nil {
		return fmt.Errorf("%s: %w", n.Identity, err)
	}

	for k := 0; k < n.invocations(); k++ {
		call := rec.Begin(n.Identity, n.Kind)
		for _, child := range children {
			if err := playNode(rec, child, done); err != nil {
				return err
			}
		}

		var output []ir.Tensor
		if out := n.outputAt(k); len(out) > 0 {
			output = []ir.Tensor{ir.Vector(out...)}
		}
		it, err := rec.End(call, []ir.Tensor{ir.Vector(1).Grad()}, output)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Identity, err)
		}
		*done = append(*done, pending{item: it, spec: n})
	}
	return nil
}

// checkExpect compares the verdict with the expect clause.
func checkExpect(e ExpectClause, r *Result) []string {
	var errs []string
	v := r.Verdict

	if v.Passed != e.Pass {
		msg := fmt.Sprintf("expected pass=%t, got pass=%t", e.Pass, v.Passed)
		if v.Failure != nil {
			msg += ": " + v.Failure.Error()
		}
		errs = append(errs, msg)
	}

	if d := v.Failure; d != nil {
		if e.Phase != "" && string(d.Phase) != e.Phase {
			errs = append(errs, fmt.Sprintf("expected divergence in %s phase, got %s", e.Phase, d.Phase))
		}
		if e.Reason != "" && string(d.Reason) != e.Reason {
			errs = append(errs, fmt.Sprintf("expected reason %s, got %s", e.Reason, d.Reason))
		}
		if e.Identity != "" && d.RefIdentity != e.Identity && d.CandIdentity != e.Identity {
			errs = append(errs, fmt.Sprintf("expected divergence at %s, got %s / %s", e.Identity, d.RefIdentity, d.CandIdentity))
		}
		if e.Step != "" && d.Step != e.Step {
			errs = append(errs, fmt.Sprintf("expected step %s, got %s", e.Step, d.Step))
		}
	}

	if e.Reorders != nil && v.Reorders != *e.Reorders {
		errs = append(errs, fmt.Sprintf("expected %d reorder(s), got %d", *e.Reorders, v.Reorders))
	}

	if e.FirstMismatch != "" {
		switch m := r.FirstMismatch; {
		case m == nil:
			errs = append(errs, fmt.Sprintf("expected single-step mismatch at %s, got none", e.FirstMismatch))
		case m.Identity != e.FirstMismatch:
			errs = append(errs, fmt.Sprintf("expected single-step mismatch at %s, got %s", e.FirstMismatch, m.Identity))
		}
	}
	return errs
}

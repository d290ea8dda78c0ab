// Package session ties one comparison run together: the execution context,
// the two recorders, the session ID and the options.
//
// A typical run records the reference and then the candidate execution
// inside Record, then calls Compare:
//
//	s := session.New("mlp", opts, session.UUIDv7Generator{})
//	err := s.Record(func(ctx *report.Context) error {
//	    refModel.Forward(s.Recorder(ir.SideReference), x)
//	    candModel.Forward(s.Recorder(ir.SideCandidate), x)
//	    return nil
//	})
//	verdict := s.Compare(compare.New(nil, opts))
package session

import (
	"fmt"
	"log/slog"

	"github.com/roach88/lockstep/internal/action"
	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
)

// StepMismatch is the first divergence seen in single-step mode.
type StepMismatch struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`

	// Ordinal is the zero-based occurrence of Identity on the candidate.
	Ordinal int `json:"ordinal"`

	// Step is the candidate record's step.
	Step   int64  `json:"step"`
	Detail string `json:"detail"`

	// Err is set when no reference counterpart exists.
	Err error `json:"-"`
}

// String renders the mismatch on one line.
func (m *StepMismatch) String() string {
	return fmt.Sprintf("%s(%s) occurrence #%d at step %d: %s", m.Kind, m.Identity, m.Ordinal, m.Step, m.Detail)
}

// Session is one recording plus comparison run.
type Session struct {
	ID      string
	Name    string
	Options config.Options

	ctx      *report.Context
	ref      *report.Report
	cand     *report.Report
	registry *action.Registry
	logger   *slog.Logger
	stacks   bool

	// refSteps and candSteps outlive each Record scope.
	refSteps  *report.Counter
	candSteps *report.Counter

	firstMismatch *StepMismatch
}

// Option configures a Session.
type Option func(*Session)

// WithRegistry sets the action registry used by single-step checks.
func WithRegistry(r *action.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithStackCapture turns call-stack capture on or off. On by default.
func WithStackCapture(on bool) Option {
	return func(s *Session) {
		s.stacks = on
	}
}

// New creates a session with a fresh ID from gen.
func New(name string, opts config.Options, gen IDGenerator, options ...Option) *Session {
	id := gen.Generate()
	s := &Session{
		ID:       id,
		Name:     name,
		Options:  opts,
		ctx:      report.NewContext(),
		ref:      report.New(name, ir.SideReference),
		cand:     report.New(name, ir.SideCandidate),
		registry: action.NewRegistry(),
		logger:   slog.Default(),
		stacks:   true,

		refSteps:  report.NewCounter(),
		candSteps: report.NewCounter(),
	}
	s.ref.Session = id
	s.cand.Session = id
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Resume wraps two restored recorders, e.g. read back from a store, so
// they can be compared again. Further Record calls continue each side's
// steps after its last item.
func Resume(id, name string, opts config.Options, ref, cand *report.Report, options ...Option) *Session {
	s := &Session{
		ID:       id,
		Name:     name,
		Options:  opts,
		ctx:      report.NewContext(),
		ref:      ref,
		cand:     cand,
		registry: action.NewRegistry(),
		logger:   slog.Default(),
		stacks:   true,

		refSteps:  report.CounterFrom(ref.NextStep()),
		candSteps: report.CounterFrom(cand.NextStep()),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Reference returns the reference recorder.
func (s *Session) Reference() *report.Report { return s.ref }

// Candidate returns the candidate recorder.
func (s *Session) Candidate() *report.Report { return s.cand }

// Context returns the session's execution context.
func (s *Session) Context() *report.Context { return s.ctx }

// Report returns the recorder for side.
func (s *Session) Report(side ir.Side) *report.Report {
	if side == ir.SideCandidate {
		return s.cand
	}
	return s.ref
}

// Record runs fn with the session's recorders active. The context is
// restored when fn returns or panics.
//
// Record may be called several times, e.g. forward in one call and
// backward in another; steps keep increasing across the calls.
func (s *Session) Record(fn func(ctx *report.Context) error) error {
	s.logger.Debug("recording", "session", s.ID, "name", s.Name)
	err := s.ctx.RunWith(s.ref, s.cand, s.refSteps, s.candSteps, func() error {
		return fn(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.logger.Debug("recorded",
		"session", s.ID,
		"reference_items", s.ref.Len(),
		"candidate_items", s.cand.Len())
	return nil
}

// FirstMismatch returns the first single-step divergence, or nil.
func (s *Session) FirstMismatch() *StepMismatch {
	return s.firstMismatch
}

// Compare runs the tree comparison. In single-step mode it still runs and
// its verdict is the one that counts.
func (s *Session) Compare(e *compare.Engine) compare.Verdict {
	v := e.Run(s.ref, s.cand)
	if s.firstMismatch != nil {
		s.logger.Info("single-step mismatch seen during recording",
			"session", s.ID,
			"at", s.firstMismatch.String(),
			"tree_passed", v.Passed)
	}
	return v
}

// checkStep compares a finished candidate forward record with its
// reference counterpart, matched by occurrence.
func (s *Session) checkStep(cand *report.Item) {
	ordinal := s.cand.Occurrences(cand.Identity) - 1
	ref, err := s.ref.MatchOccurrence(cand.Identity, s.cand)
	if err != nil {
		s.noteMismatch(&StepMismatch{
			Identity: cand.Identity,
			Kind:     cand.Kind,
			Ordinal:  ordinal,
			Step:     cand.Step,
			Detail:   err.Error(),
			Err:      err,
		})
		return
	}

	act := s.registry.Resolve(ref.Kind, cand.Kind)
	res := act.Compare(ref, cand, s.Options)
	s.logger.Debug("single-step check",
		"identity", cand.Identity,
		"ordinal", ordinal,
		"action", act.Name(),
		"ok", res.OK)
	if !res.OK {
		s.noteMismatch(&StepMismatch{
			Identity: cand.Identity,
			Kind:     cand.Kind,
			Ordinal:  ordinal,
			Step:     cand.Step,
			Detail:   res.Detail,
		})
	}
}

func (s *Session) noteMismatch(m *StepMismatch) {
	if s.firstMismatch != nil {
		return
	}
	s.firstMismatch = m
	s.logger.Warn("single-step mismatch",
		"session", s.ID,
		"identity", m.Identity,
		"ordinal", m.Ordinal,
		"step", m.Step,
		"detail", m.Detail)
}

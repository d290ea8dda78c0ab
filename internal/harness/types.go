package harness

import (
	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/session"
)

// TraceEvent is one recorded invocation in the scenario's timeline.
type TraceEvent struct {
	Side     ir.Side  `json:"side"`
	Phase    ir.Phase `json:"phase"`
	Step     int64    `json:"step"`
	Identity string   `json:"identity"`
	Kind     string   `json:"kind"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if the verdict matches the expect clause and all assertions hold.
	Pass bool `json:"pass"`

	// Verdict is the comparison outcome.
	Verdict compare.Verdict `json:"verdict"`

	// FirstMismatch is the first single-step divergence, if any.
	FirstMismatch *session.StepMismatch `json:"first_mismatch,omitempty"`

	// Trace contains the reference records then the candidate records,
	// each in recorded order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Session is the recorded session, e.g. for persisting.
	Session *session.Session `json:"-"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddRecordTrace adds a recorded item to the trace.
func (r *Result) AddRecordTrace(side ir.Side, phase ir.Phase, step int64, identity, kind string) {
	r.Trace = append(r.Trace, TraceEvent{
		Side:     side,
		Phase:    phase,
		Step:     step,
		Identity: identity,
		Kind:     kind,
	})
}

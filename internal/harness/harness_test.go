package harness

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/session"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	path := filepath.Join("testdata", "scenarios", name+".yaml")
	sc, err := LoadScenarioWithBasePath(path, filepath.Dir(path))
	require.NoError(t, err)
	return sc
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			sc := loadTestScenario(t, name)
			result, err := Run(sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{
		"isomorphic_pass",
		"leaf_divergence",
		"reordered_aggregate",
		"backward_divergence",
		"structural_mismatch",
		"loss_mismatch",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	sc := loadTestScenario(t, "reordered_aggregate")

	first, err := Run(sc)
	require.NoError(t, err)
	second, err := Run(sc)
	require.NoError(t, err)

	assert.Equal(t, Snapshot(sc.Name, first), Snapshot(sc.Name, second))
	assert.Equal(t, first.Trace, second.Trace)

	a, b := first.Session.Candidate().Items(), second.Session.Candidate().Items()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
	assert.Equal(t, "test-session-default", first.Session.ID)
}

func TestRun_Trace(t *testing.T) {
	result, err := Run(loadTestScenario(t, "isomorphic_pass"))
	require.NoError(t, err)

	require.Len(t, result.Trace, 12)
	assert.Equal(t, TraceEvent{Side: ir.SideReference, Phase: ir.PhaseForward, Step: 0, Identity: "fc", Kind: "Linear"}, result.Trace[0])
	assert.Equal(t, TraceEvent{Side: ir.SideReference, Phase: ir.PhaseBackward, Step: 3, Identity: "model", Kind: "MLP"}, result.Trace[3])
	assert.Equal(t, TraceEvent{Side: ir.SideCandidate, Phase: ir.PhaseForward, Step: 0, Identity: "fc", Kind: "Linear"}, result.Trace[6])
}

func TestRun_ExpectMismatchIsReported(t *testing.T) {
	sc := loadTestScenario(t, "leaf_divergence")
	sc.Expect.Identity = "fc"
	sc.Expect.Step = "0"
	reorders := 0
	sc.Expect.Reorders = &reorders

	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"expected divergence at fc, got act / act",
		"expected step 0, got 1",
		"expected 0 reorder(s), got 1",
	}, result.Errors)
}

func TestRun_UnexpectedVerdict(t *testing.T) {
	sc := loadTestScenario(t, "leaf_divergence")
	sc.Expect = ExpectClause{Pass: true}

	result, err := Run(sc)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "expected pass=true, got pass=false: forward divergence at ReLU(act) vs ReLU(act): leaf divergence", result.Errors[0])
}

func TestRun_FirstMismatch(t *testing.T) {
	result, err := Run(loadTestScenario(t, "single_step"))
	require.NoError(t, err)
	require.NotNil(t, result.FirstMismatch)
	assert.Equal(t, "fc", result.FirstMismatch.Identity)
	assert.Equal(t, int64(0), result.FirstMismatch.Step)

	sc := loadTestScenario(t, "leaf_divergence")
	sc.Expect.FirstMismatch = "act"
	result, err = Run(sc)
	require.NoError(t, err)
	assert.Contains(t, result.Errors, "expected single-step mismatch at act, got none")
}

func TestRun_SinkReceivesDiagnostic(t *testing.T) {
	var sink compare.Collector
	result, err := New(WithSink(&sink)).Run(loadTestScenario(t, "structural_mismatch"))
	require.NoError(t, err)
	require.Len(t, sink.Diagnostics, 1)
	assert.Same(t, result.Verdict.Failure, sink.Diagnostics[0])
}

func TestRun_RecordedHook(t *testing.T) {
	var seen int
	h := New(WithRecorded(func(s *session.Session) error {
		seen = s.Candidate().Len()
		assert.Zero(t, s.Candidate().Tree().Reorders, "hook runs before comparison")
		return nil
	}))
	_, err := h.Run(loadTestScenario(t, "reordered_aggregate"))
	require.NoError(t, err)
	assert.Equal(t, 3, seen)

	h = New(WithRecorded(func(*session.Session) error { return errors.New("disk full") }))
	_, err = h.Run(loadTestScenario(t, "isomorphic_pass"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_BadOptions(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: bad
description: "invalid compare mode"
options:
  compare_mode: median
reference:
  nodes: []
candidate:
  nodes: []
expect:
  pass: true
`))
	require.NoError(t, err)

	_, err = Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario bad")
}

func TestRun_EmptySides(t *testing.T) {
	sc := &Scenario{Name: "empty", Description: "nothing recorded", Expect: ExpectClause{Pass: true}}
	result, err := Run(sc)
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Empty(t, result.Trace)
}

func TestSnapshot_Passing(t *testing.T) {
	r := NewResult()
	r.Verdict = compare.Verdict{Passed: true, ForwardChecks: 2, BackwardChecks: 2, SameStructure: true}
	assert.Equal(t, "scenario: s\npassed: true\nforward_checks: 2\nbackward_checks: 2\nreorders: 0\nsame_structure: true\n",
		string(Snapshot("s", r)))
}

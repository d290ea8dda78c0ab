package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders the verdict of a scenario run as text: a header with the
// walk counters, then the diagnostic of the first divergence, if any.
// Stack capture is off in the harness, so the text is machine-independent.
func Snapshot(name string, result *Result) []byte {
	var b strings.Builder
	v := result.Verdict
	fmt.Fprintf(&b, "scenario: %s\n", name)
	fmt.Fprintf(&b, "passed: %t\n", v.Passed)
	fmt.Fprintf(&b, "forward_checks: %d\n", v.ForwardChecks)
	fmt.Fprintf(&b, "backward_checks: %d\n", v.BackwardChecks)
	fmt.Fprintf(&b, "reorders: %d\n", v.Reorders)
	fmt.Fprintf(&b, "same_structure: %t\n", v.SameStructure)
	if v.Failure != nil {
		b.WriteByte('\n')
		b.WriteString(v.Failure.String())
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}

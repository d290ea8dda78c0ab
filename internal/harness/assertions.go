package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Filtered trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nTrace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%s %s %d] %s(%s)\n", event.Side, event.Phase, event.Step, event.Kind, event.Identity)
	}

	return buf.String()
}

// filterTrace keeps the events matching the assertion's side and phase.
func filterTrace(trace []TraceEvent, a Assertion) []TraceEvent {
	var out []TraceEvent
	for _, event := range trace {
		if a.Side != "" && string(event.Side) != a.Side {
			continue
		}
		if a.Phase != "" && string(event.Phase) != a.Phase {
			continue
		}
		out = append(out, event)
	}
	return out
}

// scope describes the side/phase filter for messages.
func scope(a Assertion) string {
	side, phase := a.Side, a.Phase
	if side == "" {
		side = "any side"
	}
	if phase == "" {
		phase = "any phase"
	}
	return side + ", " + phase
}

// assertTraceContains checks that the identity was recorded at least once.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	events := filterTrace(trace, assertion)
	for _, event := range events {
		if event.Identity == assertion.Identity {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s recorded (%s)", assertion.Identity, scope(assertion)),
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks that identities were first recorded in the given
// order. Identities don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	events := filterTrace(trace, assertion)

	// Step 1: Find first position of each expected identity
	positions := make(map[string]int)
	for i, event := range events {
		if positions[event.Identity] == 0 {
			positions[event.Identity] = i + 1 // 1-indexed for readability
		}
	}

	// Step 2: Verify all identities found
	for _, id := range assertion.Identities {
		if positions[id] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all identities present: %v (%s)", assertion.Identities, scope(assertion)),
				Actual:   fmt.Sprintf("missing identity: %s", id),
				Trace:    events,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(assertion.Identities); i++ {
		prev := assertion.Identities[i-1]
		curr := assertion.Identities[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("identities in order: %v (%s)", assertion.Identities, scope(assertion)),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: events,
			}
		}
	}

	return nil
}

// assertTraceCount checks that the identity was recorded exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	events := filterTrace(trace, assertion)
	count := 0
	for _, event := range events {
		if event.Identity == assertion.Identity {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s (%s)", assertion.Count, assertion.Identity, scope(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    events,
		}
	}

	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

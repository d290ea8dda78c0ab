package ir

import "errors"

// Error classes shared by the recorder, the tree and the comparison engine.
// Concrete error types wrap one of these so callers can use errors.Is.
var (
	// ErrStructuralMismatch means the two sides recorded a different number
	// of invocations, occurrences or siblings for the same identity.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrAlignment means no identity-consistent pairing exists between two
	// sibling sets.
	ErrAlignment = errors.New("alignment failure")
)

package testutil

// ConstantSessionID generates the same session ID every time.
//
// This enables deterministic test execution and golden snapshot comparison:
// record IDs are content-addressed with the session ID, so the same
// scenario run twice produces byte-identical records.
//
// Unlike session.FixedGenerator, which hands out IDs in sequence and panics
// once they run out, this generator never runs dry.
//
// Thread-safety: ConstantSessionID is stateless and safe for concurrent use.
type ConstantSessionID struct {
	id string
}

// NewConstantSessionID creates a constant session ID generator.
//
// The ID is typically set in the scenario YAML:
//
//	session_id: "test-session-00000000-0000-0000-0000-000000000001"
//
// If id is empty, Generate() returns "test-session-default".
func NewConstantSessionID(id string) *ConstantSessionID {
	if id == "" {
		id = "test-session-default"
	}
	return &ConstantSessionID{id: id}
}

// Generate returns the constant session ID.
//
// Implements session.IDGenerator.
func (g *ConstantSessionID) Generate() string {
	return g.id
}

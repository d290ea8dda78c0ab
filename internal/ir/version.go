package ir

// Version constants for persisted records and the tool.
const (
	// FormatVersion is the persisted record format version.
	FormatVersion = "1"

	// ToolVersion is the lockstep version.
	ToolVersion = "0.3.0"
)

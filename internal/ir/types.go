package ir

import (
	"fmt"
	"strings"
)

// Phase identifies the stage of an execution a record belongs to.
type Phase string

const (
	PhaseForward  Phase = "forward"
	PhaseBackward Phase = "backward"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseForward || p == PhaseBackward
}

// Side identifies which of the two compared executions a record came from.
type Side string

const (
	// SideReference is the trusted implementation.
	SideReference Side = "reference"

	// SideCandidate is the implementation under test.
	SideCandidate Side = "candidate"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideReference || s == SideCandidate
}

// ParseSide converts a flag value into a Side.
// Accepts "reference"/"ref" and "candidate"/"cand".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "reference", "ref":
		return SideReference, nil
	case "candidate", "cand":
		return SideCandidate, nil
	default:
		return "", fmt.Errorf("invalid side %q: must be reference or candidate", s)
	}
}

// Frame is one captured call-stack frame.
type Frame struct {
	Func string `json:"func"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// String renders the frame the way Go tracebacks do.
func (f Frame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d", f.Func, f.File, f.Line)
}

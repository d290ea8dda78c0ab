package compare

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/stack"
)

// Reason classifies the first divergence of a session.
type Reason string

const (
	// ReasonLeaf is a failing pair where at least one node has no children.
	ReasonLeaf Reason = "leaf"

	// ReasonAggregate is a failing parent whose children all match.
	ReasonAggregate Reason = "aggregate"

	// ReasonAlignment is a failing parent whose children admit no
	// identity-consistent pairing.
	ReasonAlignment Reason = "alignment"

	// ReasonStructural covers sibling groups of different sizes and records
	// present on one side only.
	ReasonStructural Reason = "structural"

	// ReasonLoss is a missing or differing scalar loss.
	ReasonLoss Reason = "loss"
)

// Title is the human heading for the reason.
func (r Reason) Title() string {
	switch r {
	case ReasonLeaf:
		return "leaf divergence"
	case ReasonAggregate:
		return "aggregate differs despite matching children"
	case ReasonAlignment:
		return "children could not be aligned"
	case ReasonStructural:
		return "structural mismatch"
	case ReasonLoss:
		return "loss mismatch"
	default:
		return string(r)
	}
}

// StepUnknown is the step shown when no record resolves the position.
const StepUnknown = "unknown"

// Structure holds the subtree summaries of both sides.
type Structure struct {
	Reference string `json:"reference"`
	Candidate string `json:"candidate"`
}

// Diagnostic is the user-visible account of the first divergence.
type Diagnostic struct {
	Reason Reason   `json:"reason"`
	Phase  ir.Phase `json:"phase"`

	// Step is the logical step of the offending record, or StepUnknown.
	Step string `json:"step"`

	RefKind      string `json:"ref_kind"`
	CandKind     string `json:"cand_kind"`
	RefIdentity  string `json:"ref_identity"`
	CandIdentity string `json:"cand_identity"`

	// Action is the comparison action that rejected the pair.
	Action string `json:"action,omitempty"`

	// Detail is the comparison failure. For alignment failures it is the
	// original comparison failure, not the alignment error.
	Detail string `json:"detail"`

	// AlignmentError is set when the reorder fallback failed.
	AlignmentError string `json:"alignment_error,omitempty"`

	// RefParent and CandParent describe the parent nodes when the walk
	// descended from a higher level.
	RefParent  string `json:"ref_parent,omitempty"`
	CandParent string `json:"cand_parent,omitempty"`

	Structure *Structure `json:"structure,omitempty"`

	RefFrames  []ir.Frame `json:"ref_frames,omitempty"`
	CandFrames []ir.Frame `json:"cand_frames,omitempty"`
}

// Error lets a Diagnostic travel as an error value.
func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%s divergence at %s(%s) vs %s(%s): %s",
		d.Phase, d.RefKind, d.RefIdentity, d.CandKind, d.CandIdentity, d.Reason.Title())
}

// Format writes the human-readable report.
func (d *Diagnostic) Format(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "divergence in %s phase: %s\n", d.Phase, d.Reason.Title())
	fmt.Fprintf(&b, "  step:      %s\n", d.Step)
	fmt.Fprintf(&b, "  reference: %s(%s)\n", d.RefKind, d.RefIdentity)
	fmt.Fprintf(&b, "  candidate: %s(%s)\n", d.CandKind, d.CandIdentity)
	if d.Action != "" {
		fmt.Fprintf(&b, "  action:    %s\n", d.Action)
	}
	fmt.Fprintf(&b, "  detail:    %s\n", d.Detail)
	if d.AlignmentError != "" {
		fmt.Fprintf(&b, "  alignment: %s\n", d.AlignmentError)
	}
	if d.RefParent != "" || d.CandParent != "" {
		fmt.Fprintf(&b, "  parent:    %s / %s\n", orNone(d.RefParent), orNone(d.CandParent))
	}
	if d.Structure != nil {
		writeBlock(&b, "reference subtree:", d.Structure.Reference)
		writeBlock(&b, "candidate subtree:", d.Structure.Candidate)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if len(d.RefFrames) > 0 {
		if _, err := io.WriteString(w, "reference stack:\n"); err != nil {
			return err
		}
		if err := stack.Format(w, d.RefFrames); err != nil {
			return err
		}
	}
	if len(d.CandFrames) > 0 {
		if _, err := io.WriteString(w, "candidate stack:\n"); err != nil {
			return err
		}
		if err := stack.Format(w, d.CandFrames); err != nil {
			return err
		}
	}
	return nil
}

// String renders Format into a string.
func (d *Diagnostic) String() string {
	var b strings.Builder
	_ = d.Format(&b)
	return b.String()
}

func writeBlock(b *strings.Builder, title, body string) {
	b.WriteString(title)
	b.WriteByte('\n')
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// Sink receives the diagnostic of a failed session.
type Sink interface {
	Emit(d *Diagnostic) error
}

// TextSink writes the human-readable report.
type TextSink struct {
	W io.Writer
}

// Emit implements Sink.
func (s TextSink) Emit(d *Diagnostic) error {
	return d.Format(s.W)
}

// JSONSink writes one indented JSON document per diagnostic.
type JSONSink struct {
	W io.Writer
}

// Emit implements Sink.
func (s JSONSink) Emit(d *Diagnostic) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostic: %w", err)
	}
	data = append(data, '\n')
	_, err = s.W.Write(data)
	return err
}

// Collector keeps emitted diagnostics in memory.
type Collector struct {
	Diagnostics []*Diagnostic
}

// Emit implements Sink.
func (c *Collector) Emit(d *Diagnostic) error {
	c.Diagnostics = append(c.Diagnostics, d)
	return nil
}

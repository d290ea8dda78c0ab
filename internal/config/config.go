// Package config holds the options that steer one comparison session and
// loads them from YAML, CUE or HCL files.
package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Diff phases.
const (
	DiffForward = "forward"
	DiffBoth    = "both"
)

// Compare modes.
const (
	// ModeStrict checks every element: |a-b| <= atol + rtol*|b|.
	ModeStrict = "strict"

	// ModeMean compares the means of the two tensors with the same bound.
	ModeMean = "mean"
)

// ErrInvalid is returned by Validate for out-of-range options.
var ErrInvalid = errors.New("invalid options")

// Tolerance is an absolute/relative error bound.
type Tolerance struct {
	Atol float64 `json:"atol" yaml:"atol"`
	Rtol float64 `json:"rtol" yaml:"rtol"`
}

// Within reports whether a and b agree under the bound, with b as the
// reference value. NaNs only agree with NaNs.
func (t Tolerance) Within(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if a == b {
		return true
	}
	return math.Abs(a-b) <= t.Atol+t.Rtol*math.Abs(b)
}

// Options configures a session.
type Options struct {
	// SingleStep compares each candidate forward invocation against its
	// reference counterpart as soon as it finishes.
	SingleStep bool `json:"single_step" yaml:"single_step"`

	// DiffPhase is "forward" to stop after the forward walk or "both".
	DiffPhase string `json:"diff_phase" yaml:"diff_phase"`

	// LossFn enables comparison of the captured scalar losses.
	LossFn bool `json:"loss_fn" yaml:"loss_fn"`

	Atol float64 `json:"atol" yaml:"atol"`
	Rtol float64 `json:"rtol" yaml:"rtol"`

	// CompareMode is "strict" or "mean".
	CompareMode string `json:"compare_mode" yaml:"compare_mode"`

	// Tolerances overrides Atol/Rtol per node kind.
	Tolerances map[string]Tolerance `json:"tolerances,omitempty" yaml:"tolerances,omitempty"`
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		DiffPhase:   DiffBoth,
		Atol:        0,
		Rtol:        1e-7,
		CompareMode: ModeStrict,
	}
}

// Validate checks enumerations and bounds.
func (o Options) Validate() error {
	switch o.DiffPhase {
	case DiffForward, DiffBoth:
	default:
		return fmt.Errorf("%w: diff_phase %q must be %q or %q", ErrInvalid, o.DiffPhase, DiffForward, DiffBoth)
	}
	switch o.CompareMode {
	case ModeStrict, ModeMean:
	default:
		return fmt.Errorf("%w: compare_mode %q must be %q or %q", ErrInvalid, o.CompareMode, ModeStrict, ModeMean)
	}
	if err := checkTolerance("default", Tolerance{Atol: o.Atol, Rtol: o.Rtol}); err != nil {
		return err
	}
	for _, kind := range o.Kinds() {
		if err := checkTolerance(kind, o.Tolerances[kind]); err != nil {
			return err
		}
	}
	return nil
}

func checkTolerance(name string, t Tolerance) error {
	if t.Atol < 0 || math.IsNaN(t.Atol) || t.Rtol < 0 || math.IsNaN(t.Rtol) {
		return fmt.Errorf("%w: %s tolerance atol=%g rtol=%g must be non-negative", ErrInvalid, name, t.Atol, t.Rtol)
	}
	return nil
}

// ForKind returns the tolerance for a node kind, falling back to the
// session-wide Atol/Rtol.
func (o Options) ForKind(kind string) Tolerance {
	if t, ok := o.Tolerances[kind]; ok {
		return t
	}
	return Tolerance{Atol: o.Atol, Rtol: o.Rtol}
}

// ForwardOnly reports whether the backward walk is disabled.
func (o Options) ForwardOnly() bool {
	return o.DiffPhase == DiffForward
}

// Kinds returns the kinds with tolerance overrides, sorted.
func (o Options) Kinds() []string {
	kinds := make([]string, 0, len(o.Tolerances))
	for k := range o.Tolerances {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Package action decides whether two corresponding invocation records are
// equivalent.
//
// An Action is resolved per (reference kind, candidate kind) pair from a
// Registry. Comparisons return a Result value; nothing in this package
// signals a mismatch through panics or errors.
package action

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
)

// Action compares two records of the same phase.
type Action interface {
	Name() string
	Compare(ref, cand *report.Item, opts config.Options) Result
}

// Result is the outcome of one comparison.
type Result struct {
	OK bool `json:"ok"`

	// Detail explains a failure. Empty on success.
	Detail string `json:"detail,omitempty"`

	// Index is the position of the first failing tensor, or -1.
	Index int `json:"index"`

	// MaxAbs and MaxRel are the largest element errors seen.
	MaxAbs float64 `json:"max_abs"`
	MaxRel float64 `json:"max_rel"`
}

// Pass returns a successful result.
func Pass() Result {
	return Result{OK: true, Index: -1}
}

// Fail returns a failed result with a formatted detail.
func Fail(format string, args ...any) Result {
	return Result{Index: -1, Detail: fmt.Sprintf(format, args...)}
}

// String renders the result on one line.
func (r Result) String() string {
	if r.OK {
		return fmt.Sprintf("ok (max_abs=%g max_rel=%g)", r.MaxAbs, r.MaxRel)
	}
	return "mismatch: " + r.Detail
}

// Equal compares the tensors returned by report.Item.CompareTensors
// pairwise, using the tolerance configured for the reference kind.
type Equal struct{}

// Name implements Action.
func (Equal) Name() string { return "equal" }

// Compare implements Action.
func (Equal) Compare(ref, cand *report.Item, opts config.Options) Result {
	if ref == nil || cand == nil {
		return Fail("missing record (reference=%v, candidate=%v)", ref != nil, cand != nil)
	}
	rts, cts := ref.CompareTensors(), cand.CompareTensors()
	if len(rts) != len(cts) {
		return Fail("%s tensor count differs: reference %d, candidate %d", ref.Phase, len(rts), len(cts))
	}

	tol := opts.ForKind(ref.Kind)
	out := Pass()
	for i := range rts {
		res := CompareTensor(rts[i], cts[i], tol, opts.CompareMode)
		out.MaxAbs = math.Max(out.MaxAbs, res.MaxAbs)
		out.MaxRel = math.Max(out.MaxRel, res.MaxRel)
		if !res.OK {
			out.OK = false
			out.Index = i
			out.Detail = fmt.Sprintf("%s tensor #%d: %s", ref.Phase, i, res.Detail)
			return out
		}
	}
	return out
}

// Skip accepts every pair. Register it for kinds that are intentionally
// not compared, e.g. dropout.
type Skip struct{}

// Name implements Action.
func (Skip) Name() string { return "skip" }

// Compare implements Action.
func (Skip) Compare(_, _ *report.Item, _ config.Options) Result {
	return Pass()
}

// CompareTensor compares one candidate tensor against its reference.
//
// Shapes must match exactly. In strict mode every element must satisfy
// the tolerance; in mean mode only the element means are compared.
func CompareTensor(ref, cand ir.Tensor, tol config.Tolerance, mode string) Result {
	if !ref.SameShape(cand) {
		return Fail("shape differs: reference %v, candidate %v", ref.Shape, cand.Shape)
	}
	if len(ref.Data) != len(cand.Data) {
		return Fail("length differs: reference %d, candidate %d", len(ref.Data), len(cand.Data))
	}

	out := Pass()
	first := -1
	for i := range ref.Data {
		a, b := cand.Data[i], ref.Data[i]
		abs := math.Abs(a - b)
		rel := abs
		if b != 0 {
			rel = abs / math.Abs(b)
		}
		if !math.IsNaN(abs) {
			out.MaxAbs = math.Max(out.MaxAbs, abs)
			out.MaxRel = math.Max(out.MaxRel, rel)
		}
		if first < 0 && !tol.Within(a, b) {
			first = i
		}
	}

	if mode == config.ModeMean {
		rm, cm := mean(ref.Data), mean(cand.Data)
		if !tol.Within(cm, rm) {
			out.OK = false
			out.Detail = fmt.Sprintf("mean differs: reference %g, candidate %g (atol=%g rtol=%g)", rm, cm, tol.Atol, tol.Rtol)
		}
		return out
	}

	if first >= 0 {
		out.OK = false
		out.Detail = fmt.Sprintf("element %s: reference %g, candidate %g (max_abs=%g max_rel=%g, atol=%g rtol=%g)",
			position(ref.Shape, first), ref.Data[first], cand.Data[first], out.MaxAbs, out.MaxRel, tol.Atol, tol.Rtol)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// position converts a flat row-major offset into a bracketed index.
func position(shape []int, flat int) string {
	if len(shape) == 0 {
		return "[]"
	}
	idx := make([]string, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		dim := shape[d]
		if dim == 0 {
			idx[d] = "0"
			continue
		}
		idx[d] = fmt.Sprint(flat % dim)
		flat /= dim
	}
	return "[" + strings.Join(idx, ",") + "]"
}

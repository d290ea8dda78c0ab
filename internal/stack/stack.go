// Package stack captures call-stack frames for invocation records.
// Frames are diagnostic only and never affect comparison.
package stack

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

const maxDepth = 64

// Capture returns the caller's stack, skipping skip frames above the
// caller of Capture. Runtime and testing frames are dropped.
func Capture(skip int) []ir.Frame {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	var out []ir.Frame
	for {
		f, more := frames.Next()
		if keep(f.Function) {
			out = append(out, ir.Frame{Func: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

func keep(fn string) bool {
	return fn != "" &&
		!strings.HasPrefix(fn, "runtime.") &&
		!strings.HasPrefix(fn, "testing.")
}

// Format writes frames innermost first, one traceback entry per frame.
func Format(w io.Writer, frames []ir.Frame) error {
	for _, f := range frames {
		if _, err := fmt.Fprintf(w, "  %s\n      %s:%d\n", f.Func, f.File, f.Line); err != nil {
			return err
		}
	}
	return nil
}

// Package ir provides the foundational record types for lockstep.
//
// This package contains plain data types and the canonical serialization
// used for content-addressed identity. All other internal packages import
// ir; ir imports nothing internal. This keeps ir at the bottom of the
// dependency graph with no cycles.
//
// Key design constraints:
//   - Tensors are opaque to everything except comparison actions
//   - Location metadata is an Attrs value and is passed through untouched
//   - Canonical JSON forbids floats, so tensor data never feeds an ID
//   - Ordering uses logical steps only, never wall-clock timestamps
package ir

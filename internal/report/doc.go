// Package report records invocations of one side of a comparison.
//
// A Report (the recorder) is an append-only, step-ordered list of Items.
// Each Item is one forward or backward invocation of a node. While a
// Context is active, each of the two Reports it holds has a Counter
// attached and may record; outside a Context, recording is a programmer
// error and panics.
//
// # Lifecycle
//
//  1. Create one Report per side before an execution.
//  2. Enter a Context with both Reports; run each side's execution, which
//     records Items and builds the structural tree.
//  3. Exit the Context; the Reports are now frozen.
//  4. Hand both Reports to the comparison engine.
//
// Contexts nest with stack discipline: exiting restores exactly the
// enclosing state, including on panics.
package report

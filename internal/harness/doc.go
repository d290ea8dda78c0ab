// Package harness runs comparison scenarios described in YAML.
//
// A scenario scripts two executions of a module tree, records them through
// a real session and checks the comparison verdict against an expect
// clause. It is how the engine's behaviour is pinned down end to end.
//
// # Scenario Format
//
//	name: reordered_aggregate
//	description: "Children called in a different order, parent still differs"
//	options:
//	  loss_fn: true
//	  tolerances:
//	    Softmax: { atol: 1e-5 }
//	reference:
//	  loss: 0.5
//	  nodes:
//	    - identity: model
//	      kind: MLP
//	      output: [3]
//	      grad: [1]
//	      children:
//	        - { identity: a, kind: Linear, output: [1], grad: [1] }
//	        - { identity: b, kind: Linear, output: [2], grad: [1] }
//	candidate:
//	  nodes:
//	    - identity: model
//	      kind: MLP
//	      output: [5]
//	      calls: [b, a]
//	      children: [...]
//	expect:
//	  pass: false
//	  phase: forward
//	  reason: aggregate
//	  identity: model
//	assertions:
//	  - type: trace_order
//	    side: candidate
//	    phase: forward
//	    identities: [b, a, model]
//
// Every node is invoked with one gradient-bearing input. A node with a
// grad records a backward invocation whose input grad is that value;
// backward invocations run in reverse completion order. repeat invokes a
// node several times in a row, the way a shared component is reused.
//
// Options come either inline (options, same shape as an options YAML file)
// or from a config file (config, YAML, CUE or HCL), never both.
//
// # Assertion Types
//
//   - trace_contains: Verifies an identity was recorded
//   - trace_order: Verifies identities were first recorded in order
//   - trace_count: Verifies an identity was recorded exactly N times
//
// Each can be narrowed with side and phase.
//
// # Deterministic Testing
//
// The harness uses:
//   - A constant session ID (from scenario.session_id or a default)
//   - Stack capture off
//   - A fresh session per run
//
// This ensures identical verdict snapshots across runs and machines.
package harness

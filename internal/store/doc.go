// Package store provides SQLite-backed storage for recorded sessions.
//
// A stored session is:
//   - Sessions: the header (name, options, tool and format versions)
//   - Reports: one row per side, with the captured loss
//   - Nodes: the side's structural tree, one row per arena slot
//   - Items: the side's records in recorded order
//   - Verdicts: the latest comparison outcome
//
// All ordering uses logical indexes (idx, step), never timestamps, so a
// session read back compares exactly as it did when it was recorded.
// Tensors are stored as JSON with NaN and the infinities spelled as
// strings; location metadata is stored as RFC 8785 canonical JSON.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

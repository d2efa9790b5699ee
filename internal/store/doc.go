// Package store provides the SQLite-backed CaseStore: the single source of
// truth for the off-chain status of every paid audit job.
//
// The store holds two tables:
//   - cases: one row per on-chain job id (payment provenance, completion,
//     local failure, refund)
//   - meta: key/value pairs, currently the indexer cursor
//
// # Write Rules
//
// Payment events are merged, never overwritten: re-applying the same
// JobPaid event leaves the row byte-identical and paid_time keeps its first
// value.
//
// Completion events from the ledger are applied unconditionally. Local
// pipeline writes (MarkFailed, MarkCompleted, SetReportRef) run inside a
// transaction that re-reads the row, so completed and failed can never both
// be set.
//
// A batch of ledger events and the cursor that covers it commit in the same
// transaction. A failed batch leaves both untouched.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single open connection: SQLite allows one writer
package store

// Package indexer mirrors contract events into the case store.
//
// The indexer pulls JobPaid, JobCompleted, JobFailed and JobRefunded logs in
// closed block ranges and applies each range in a single store transaction
// that also advances the persisted cursor. A range that fails to fetch or
// apply is not committed, so the next poll re-delivers exactly that range.
// Application is idempotent, which makes at-least-once delivery safe.
//
// Ranges wider than the configured maximum are split into chunks; each chunk
// commits on its own, so a long catch-up keeps the progress it made.
package indexer

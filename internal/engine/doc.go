// Package engine implements the job orchestrator.
//
// The orchestrator drives one submitted job from source text to a terminal
// case state:
//
//	Submitted -> SourcePersisted -> Analyzed -> Synthesized -> ReportBuilt
//	          -> ChainNotified -> Completed | Failed
//
// ARCHITECTURE:
//
// Queue and workers:
// Submit enqueues onto an unbounded FIFO queue; Run starts a fixed pool of
// workers that drain it. Jobs are independent and complete in any order.
//
// Per-job guard:
// A job id is "in flight" from Submit until its run finishes. A second
// Submit for that id is rejected with ErrJobInFlight, and a Submit for a case
// the store already holds as completed or failed is rejected with
// ErrJobTerminal. At most one run per id can therefore reach the chain.
//
// Stage results:
// Every stage returns a value or a *StageError carrying a fixed code. The
// first StageError short-circuits the run into the failure path, which
// notifies the chain (when a signer is configured) and then marks the case
// failed with a bounded reason.
//
// Policy:
// Only a normal synthesis counts as success. Degraded and error outcomes
// fail the job even though static findings exist.
//
// Local success may precede chain success: when the report is stored but the
// completion transaction is not confirmed, only the report reference is
// recorded and the case stays incomplete. Submitting such a case again
// skips straight to ChainNotified with the stored reference, so a delivered
// report is never followed by an on-chain failure.
package engine

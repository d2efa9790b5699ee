package store

import "time"

// Status is the user-facing lifecycle state derived from a case row.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusRefundable Status = "Refundable"
	StatusCompleted  Status = "Completed"
	StatusRefunded   Status = "Refunded"
)

// RefundGrace is how long a paid, unresolved case stays Pending before the
// user may claim a refund on-chain.
const RefundGrace = 15 * time.Minute

// DeriveStatus computes the listing status of c at now.
//
// Completed wins, then Refunded. A case paid at least RefundGrace ago with
// neither completion nor failure is Refundable. Everything else is Pending.
func DeriveStatus(c Case, now time.Time) Status {
	if c.Completed {
		return StatusCompleted
	}
	if c.Refunded {
		return StatusRefunded
	}
	if c.PaidTime != nil && !c.Failed {
		paid := time.Unix(*c.PaidTime, 0)
		if now.Sub(paid) >= RefundGrace {
			return StatusRefundable
		}
	}
	return StatusPending
}

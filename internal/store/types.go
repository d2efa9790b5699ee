package store

import "unicode/utf8"

// MaxFailReasonLen bounds the stored failure diagnostic.
const MaxFailReasonLen = 400

// Case is the off-chain record of one paid audit job.
//
// Nullable columns map to zero values: empty strings for tx hashes and the
// report reference, zero for block heights, nil for timestamps.
type Case struct {
	ID     uint64 `json:"id"`
	User   string `json:"user"`
	Amount string `json:"amount"`

	PaidTx    string `json:"paidTx,omitempty"`
	PaidBlock uint64 `json:"paidBlock,omitempty"`
	PaidTime  *int64 `json:"paidTime"`

	Completed      bool   `json:"completed"`
	ReportRef      string `json:"reportRef,omitempty"`
	CompletedTx    string `json:"completedTx,omitempty"`
	CompletedBlock uint64 `json:"completedBlock,omitempty"`
	CompletedTime  *int64 `json:"completedTime,omitempty"`

	Failed     bool   `json:"failed"`
	FailReason string `json:"failReason,omitempty"`

	Refunded     bool   `json:"refunded"`
	RefundedTx   string `json:"refundedTx,omitempty"`
	RefundedTime *int64 `json:"refundedTime,omitempty"`
}

// Terminal reports whether the pipeline must leave the case alone.
func (c Case) Terminal() bool {
	return c.Completed || c.Failed
}

// PaidEvent is a decoded JobPaid log ready to be merged into a case.
type PaidEvent struct {
	ID     uint64
	User   string
	Amount string
	Tx     string
	Block  uint64
	Time   int64
}

// CompletedEvent is a decoded JobCompleted log.
type CompletedEvent struct {
	ID        uint64
	ReportRef string
	Tx        string
	Block     uint64
	Time      int64
}

// FailedEvent is a decoded JobFailed log.
type FailedEvent struct {
	ID     uint64
	Reason string
	Tx     string
	Block  uint64
	Time   int64
}

// RefundedEvent is a decoded JobRefunded log.
type RefundedEvent struct {
	ID     uint64
	To     string
	Amount string
	Tx     string
	Block  uint64
	Time   int64
}

// Completion carries the provenance of a locally confirmed on-chain
// completion. Tx and Block may be empty when unknown.
type Completion struct {
	Tx    string
	Block uint64
	Time  int64
}

// Batch is every event in a closed block range. Through is the highest
// block the batch covers; the cursor moves there when the batch commits.
// Zero means the batch does not move the cursor.
type Batch struct {
	Paid      []PaidEvent
	Completed []CompletedEvent
	Failed    []FailedEvent
	Refunded  []RefundedEvent
	Through   uint64
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Paid) + len(b.Completed) + len(b.Failed) + len(b.Refunded)
}

// TruncateReason bounds s to MaxFailReasonLen runes.
func TruncateReason(s string) string {
	if utf8.RuneCountInString(s) <= MaxFailReasonLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxFailReasonLen])
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	paidAt := int64(1700000000)
	paid := time.Unix(paidAt, 0)

	tests := []struct {
		name string
		c    Case
		now  time.Time
		want Status
	}{
		{"unpaid", Case{}, paid, StatusPending},
		{"just paid", Case{PaidTime: &paidAt}, paid, StatusPending},
		{"one second before grace", Case{PaidTime: &paidAt}, paid.Add(899 * time.Second), StatusPending},
		{"exactly at grace", Case{PaidTime: &paidAt}, paid.Add(900 * time.Second), StatusRefundable},
		{"after grace", Case{PaidTime: &paidAt}, paid.Add(901 * time.Second), StatusRefundable},
		{"completed", Case{PaidTime: &paidAt, Completed: true}, paid.Add(time.Hour), StatusCompleted},
		{"failed stays pending", Case{PaidTime: &paidAt, Failed: true}, paid.Add(time.Hour), StatusPending},
		{"refunded", Case{PaidTime: &paidAt, Failed: true, Refunded: true}, paid.Add(time.Hour), StatusRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.c, tt.now))
		})
	}
}

// Job 42 paid at block 100 with no completion: Pending, then Refundable
// 901 seconds later.
func TestDeriveStatus_Job42Scenario(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	paidAt := time.Unix(1700000000, 0)

	err := s.ApplyBatch(ctx, Batch{
		Paid:    []PaidEvent{createTestPaid(42, "0xpayer", 100, paidAt.Unix())},
		Through: 100,
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	list, err := s.ListByUser(ctx, "0xpayer", 1, 20, paidAt.Add(10*time.Second))
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	assert.Equal(t, StatusPending, list[0].Status)

	list, err = s.ListByUser(ctx, "0xpayer", 1, 20, paidAt.Add(901*time.Second))
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	assert.Equal(t, StatusRefundable, list[0].Status)
}

func TestTruncateReason_RuneSafe(t *testing.T) {
	long := ""
	for i := 0; i < MaxFailReasonLen+10; i++ {
		long += "é"
	}
	got := TruncateReason(long)
	assert.Equal(t, MaxFailReasonLen, len([]rune(got)))
	assert.Equal(t, "short", TruncateReason("short"))
}

package indexer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/store"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type fetch struct{ from, to uint64 }

// fakeSource serves a fixed event set and can fail specific ranges.
type fakeSource struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	events  chain.Events
	failAt  map[uint64]error // keyed by range start
	fetches []fetch
}

func (f *fakeSource) Head(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeSource) Events(ctx context.Context, from, to uint64) (chain.Events, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetch{from, to})
	if err := f.failAt[from]; err != nil {
		return chain.Events{}, err
	}
	in := func(p chain.Provenance) bool { return p.Block >= from && p.Block <= to }
	var out chain.Events
	for _, e := range f.events.Paid {
		if in(e.Provenance) {
			out.Paid = append(out.Paid, e)
		}
	}
	for _, e := range f.events.Completed {
		if in(e.Provenance) {
			out.Completed = append(out.Completed, e)
		}
	}
	for _, e := range f.events.Failed {
		if in(e.Provenance) {
			out.Failed = append(out.Failed, e)
		}
	}
	for _, e := range f.events.Refunded {
		if in(e.Provenance) {
			out.Refunded = append(out.Refunded, e)
		}
	}
	return out, nil
}

func (f *fakeSource) fetched() []fetch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetch(nil), f.fetches...)
}

func paid(id, block uint64, ts int64) chain.JobPaid {
	return chain.JobPaid{
		ID:         id,
		User:       alice,
		Amount:     big.NewInt(1_000_000_000_000_000),
		Provenance: chain.Provenance{TxHash: "0xpaid", Block: block, Time: ts},
	}
}

func completed(id, block uint64, ref string) chain.JobCompleted {
	return chain.JobCompleted{
		ID:         id,
		ReportRef:  ref,
		Provenance: chain.Provenance{TxHash: "0xdone", Block: block, Time: 1700001000},
	}
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestClampStart(t *testing.T) {
	tests := []struct {
		name           string
		from, to, want uint64
	}{
		{"explicit start kept", 10, 100000, 10},
		{"genesis clamped to lookback", 0, 100000, 95000},
		{"genesis on short chain", 0, 3000, 1},
		{"unknown head", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampStart(tt.from, tt.to, DefaultLookback))
		})
	}
}

func TestBackfill_ChunksAndClamps(t *testing.T) {
	src := &fakeSource{head: 10000}
	s := createTestStore(t)
	ix := New(src, s, WithLogger(quietLogger()))

	_, err := ix.Backfill(context.Background(), 0, 10000)
	require.NoError(t, err)

	assert.Equal(t, []fetch{{5000, 6999}, {7000, 8999}, {9000, 10000}}, src.fetched())

	_, ok, err := s.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "one-shot backfill must not move the cursor")
}

func TestBackfill_AppliesEvents(t *testing.T) {
	src := &fakeSource{head: 200}
	src.events.Paid = []chain.JobPaid{paid(42, 100, 1700000000), paid(43, 150, 1700000500)}
	src.events.Completed = []chain.JobCompleted{completed(43, 160, "/reports/43")}
	src.events.Failed = []chain.JobFailed{{
		ID: 42, Reason: "detector_error: exit 1",
		Provenance: chain.Provenance{Block: 170, Time: 1700000600},
	}}
	s := createTestStore(t)
	ix := New(src, s, WithLogger(quietLogger()))

	n, err := ix.Backfill(context.Background(), 1, 200)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	c42, err := s.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, alice.Hex(), c42.User)
	assert.Equal(t, "1000000000000000", c42.Amount)
	assert.Equal(t, uint64(100), c42.PaidBlock)
	require.NotNil(t, c42.PaidTime)
	assert.Equal(t, int64(1700000000), *c42.PaidTime)
	assert.True(t, c42.Failed)

	c43, err := s.Get(context.Background(), 43)
	require.NoError(t, err)
	assert.True(t, c43.Completed)
	assert.Equal(t, "/reports/43", c43.ReportRef)
	assert.Equal(t, uint64(160), c43.CompletedBlock)

	// re-delivery is idempotent
	_, err = ix.Backfill(context.Background(), 1, 200)
	require.NoError(t, err)
	again, err := s.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, c42, again)
}

func TestPoll_AdvancesCursor(t *testing.T) {
	src := &fakeSource{head: 120}
	src.events.Paid = []chain.JobPaid{paid(1, 110, 1700000000)}
	s := createTestStore(t)
	ix := New(src, s, WithStartBlock(100), WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, ix.Poll(ctx))
	assert.Equal(t, []fetch{{100, 120}}, src.fetched())
	cursor, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(120), cursor)

	// head unchanged: nothing fetched
	require.NoError(t, ix.Poll(ctx))
	assert.Len(t, src.fetched(), 1)

	src.head = 130
	require.NoError(t, ix.Poll(ctx))
	assert.Equal(t, fetch{121, 130}, src.fetched()[1])
	assert.Equal(t, uint64(131), ix.Next())
}

func TestPoll_FetchErrorRetriesSameRange(t *testing.T) {
	src := &fakeSource{head: 50, failAt: map[uint64]error{10: errors.New("rpc timeout")}}
	src.events.Paid = []chain.JobPaid{paid(7, 20, 1700000000)}
	s := createTestStore(t)
	ix := New(src, s, WithStartBlock(10), WithLogger(quietLogger()))
	ctx := context.Background()

	err := ix.Poll(ctx)
	require.ErrorContains(t, err, "rpc timeout")
	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, 7)
	assert.ErrorIs(t, err, store.ErrCaseNotFound)

	delete(src.failAt, 10)
	require.NoError(t, ix.Poll(ctx))
	fetches := src.fetched()
	assert.Equal(t, fetches[0], fetches[1], "failed range must be retried exactly")

	cursor, _, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor)
}

func TestPoll_PartialChunkProgressKept(t *testing.T) {
	src := &fakeSource{head: 30, failAt: map[uint64]error{21: errors.New("boom")}}
	s := createTestStore(t)
	ix := New(src, s, WithStartBlock(1), WithMaxRange(10), WithLogger(quietLogger()))
	ctx := context.Background()

	require.Error(t, ix.Poll(ctx))
	cursor, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), cursor)
	assert.Equal(t, uint64(21), ix.Next())

	delete(src.failAt, 21)
	require.NoError(t, ix.Poll(ctx))
	assert.Equal(t, fetch{21, 30}, src.fetched()[len(src.fetched())-1])
}

func TestPoll_ResumesFromPersistedCursor(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.AdvanceCursor(context.Background(), 500))

	src := &fakeSource{head: 510}
	ix := New(src, s, WithStartBlock(1), WithLogger(quietLogger()))
	require.NoError(t, ix.Poll(context.Background()))
	assert.Equal(t, []fetch{{501, 510}}, src.fetched())
}

func TestPoll_HeadError(t *testing.T) {
	src := &fakeSource{headErr: errors.New("dial tcp: refused")}
	ix := New(src, createTestStore(t), WithLogger(quietLogger()))
	assert.ErrorContains(t, ix.Poll(context.Background()), "refused")
	assert.Empty(t, src.fetched())
}

type failingSink struct{}

func (failingSink) ApplyBatch(ctx context.Context, b store.Batch) error {
	return errors.New("disk full")
}

func (failingSink) Cursor(ctx context.Context) (uint64, bool, error) {
	return 0, false, nil
}

func TestPoll_ApplyErrorDoesNotAdvance(t *testing.T) {
	src := &fakeSource{head: 40}
	ix := New(src, failingSink{}, WithStartBlock(30), WithLogger(quietLogger()))

	require.ErrorContains(t, ix.Poll(context.Background()), "disk full")
	assert.Equal(t, uint64(30), ix.Next())
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{head: 5}
	s := createTestStore(t)
	ix := New(src, s, WithStartBlock(1), WithPollInterval(5*time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, ok, err := s.Cursor(context.Background())
		return err == nil && ok && c == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

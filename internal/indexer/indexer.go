package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/store"
)

// Defaults.
const (
	DefaultLookback     = 5000
	DefaultPollInterval = 5 * time.Second
	DefaultMaxRange     = 2000
)

// Source supplies ledger heights and decoded events. *chain.Reader
// implements it.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	Events(ctx context.Context, from, to uint64) (chain.Events, error)
}

// Sink persists event batches and the cursor. *store.Store implements it.
type Sink interface {
	ApplyBatch(ctx context.Context, b store.Batch) error
	Cursor(ctx context.Context) (height uint64, ok bool, err error)
}

var (
	_ Source = (*chain.Reader)(nil)
	_ Sink   = (*store.Store)(nil)
)

// Indexer is the event indexer. It is not safe for concurrent use: one
// goroutine drives Run or Poll.
type Indexer struct {
	source Source
	sink   Sink
	logger *slog.Logger

	startBlock uint64
	lookback   uint64
	interval   time.Duration
	maxRange   uint64

	resumed bool
	next    uint64 // lowest height not yet applied
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithStartBlock sets the height indexing starts at when no cursor exists.
// Zero means "recent history only" (see Backfill).
func WithStartBlock(h uint64) Option {
	return func(ix *Indexer) { ix.startBlock = h }
}

// WithLookback bounds how far back a genesis-start backfill reaches.
func WithLookback(blocks uint64) Option {
	return func(ix *Indexer) {
		if blocks > 0 {
			ix.lookback = blocks
		}
	}
}

// WithPollInterval sets the sleep between polls.
func WithPollInterval(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.interval = d
		}
	}
}

// WithMaxRange sets the widest range fetched in one call.
func WithMaxRange(blocks uint64) Option {
	return func(ix *Indexer) {
		if blocks > 0 {
			ix.maxRange = blocks
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// New creates an Indexer reading from source and writing to sink.
func New(source Source, sink Sink, opts ...Option) *Indexer {
	ix := &Indexer{
		source:   source,
		sink:     sink,
		logger:   slog.Default(),
		lookback: DefaultLookback,
		interval: DefaultPollInterval,
		maxRange: DefaultMaxRange,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Backfill applies every event in [from, to] without moving the cursor and
// returns the number of events applied. A from of 0 with a known to is
// clamped to the lookback window before to.
func (ix *Indexer) Backfill(ctx context.Context, from, to uint64) (int, error) {
	return ix.apply(ctx, from, to, false)
}

// Run resumes from the persisted cursor and polls until ctx is done.
// Poll errors are logged and retried on the next tick.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer started",
		"start_block", ix.startBlock, "interval", ix.interval, "max_range", ix.maxRange)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		if err := ix.Poll(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Warn("indexer poll failed", "next", ix.next, "error", err)
		}

		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped", "next", ix.next)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one indexing step: it reads the head and applies every
// block past the last applied height, advancing the cursor per committed
// chunk.
func (ix *Indexer) Poll(ctx context.Context) error {
	if !ix.resumed {
		height, ok, err := ix.sink.Cursor(ctx)
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		if ok {
			ix.next = height + 1
		} else {
			ix.next = ix.startBlock
		}
		ix.resumed = true
	}

	head, err := ix.source.Head(ctx)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if head == 0 || head < ix.next {
		return nil
	}

	_, err = ix.apply(ctx, ix.next, head, true)
	return err
}

// Next returns the lowest height the next poll will fetch.
func (ix *Indexer) Next() uint64 {
	return ix.next
}

func (ix *Indexer) apply(ctx context.Context, from, to uint64, advance bool) (int, error) {
	from = clampStart(from, to, ix.lookback)
	if from > to {
		return 0, nil
	}

	applied := 0
	for start := from; ; {
		end := to
		if to-start >= ix.maxRange {
			end = start + ix.maxRange - 1
		}

		ev, err := ix.source.Events(ctx, start, end)
		if err != nil {
			return applied, fmt.Errorf("fetch [%d, %d]: %w", start, end, err)
		}
		batch := toBatch(ev)
		if advance {
			batch.Through = end
		}
		if err := ix.sink.ApplyBatch(ctx, batch); err != nil {
			return applied, fmt.Errorf("apply [%d, %d]: %w", start, end, err)
		}
		applied += batch.Len()
		if advance {
			ix.next = end + 1
		}

		level := slog.LevelDebug
		if batch.Len() > 0 {
			level = slog.LevelInfo
		}
		ix.logger.Log(ctx, level, "indexed range",
			"from", start, "to", end,
			"paid", len(batch.Paid), "completed", len(batch.Completed),
			"failed", len(batch.Failed), "refunded", len(batch.Refunded), "skipped", ev.Skipped)

		if end == to {
			return applied, nil
		}
		start = end + 1
	}
}

// clampStart replaces a genesis start with max(1, to-lookback).
func clampStart(from, to, lookback uint64) uint64 {
	if from != 0 || to == 0 {
		return from
	}
	if to > lookback {
		return to - lookback
	}
	return 1
}

func toBatch(ev chain.Events) store.Batch {
	var b store.Batch
	for _, e := range ev.Paid {
		b.Paid = append(b.Paid, store.PaidEvent{
			ID:     e.ID,
			User:   e.User.Hex(),
			Amount: bigString(e.Amount),
			Tx:     e.TxHash,
			Block:  e.Block,
			Time:   e.Time,
		})
	}
	for _, e := range ev.Completed {
		b.Completed = append(b.Completed, store.CompletedEvent{
			ID:        e.ID,
			ReportRef: e.ReportRef,
			Tx:        e.TxHash,
			Block:     e.Block,
			Time:      e.Time,
		})
	}
	for _, e := range ev.Failed {
		b.Failed = append(b.Failed, store.FailedEvent{
			ID:     e.ID,
			Reason: e.Reason,
			Tx:     e.TxHash,
			Block:  e.Block,
			Time:   e.Time,
		})
	}
	for _, e := range ev.Refunded {
		b.Refunded = append(b.Refunded, store.RefundedEvent{
			ID:     e.ID,
			To:     e.To.Hex(),
			Amount: bigString(e.Amount),
			Tx:     e.TxHash,
			Block:  e.Block,
			Time:   e.Time,
		})
	}
	return b
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

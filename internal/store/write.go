package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPaid merges a JobPaid event into the case row.
//
// Identity, user, amount and payment provenance are (re)written; paid_time
// keeps the first value ever recorded. Local outcome columns are never
// touched, so re-applying the same event any number of times is a no-op.
func (s *Store) UpsertPaid(ctx context.Context, ev PaidEvent) error {
	err := retryOp(defaultRetryConfig, func() error {
		return upsertPaid(ctx, s.db, ev)
	})
	if err != nil {
		return fmt.Errorf("upsert paid: %w", err)
	}
	return nil
}

// ApplyCompletedEvent records an on-chain completion. The ledger is
// authoritative: the completion fields are overwritten and any local
// failure flag is cleared.
func (s *Store) ApplyCompletedEvent(ctx context.Context, ev CompletedEvent) error {
	err := retryOp(defaultRetryConfig, func() error {
		return applyCompleted(ctx, s.db, ev)
	})
	if err != nil {
		return fmt.Errorf("apply completed event: %w", err)
	}
	return nil
}

// ApplyFailedEvent records an on-chain failure unless the case already
// completed.
func (s *Store) ApplyFailedEvent(ctx context.Context, ev FailedEvent) error {
	err := retryOp(defaultRetryConfig, func() error {
		return applyFailed(ctx, s.db, ev)
	})
	if err != nil {
		return fmt.Errorf("apply failed event: %w", err)
	}
	return nil
}

// ApplyRefundedEvent records an on-chain refund.
func (s *Store) ApplyRefundedEvent(ctx context.Context, ev RefundedEvent) error {
	err := retryOp(defaultRetryConfig, func() error {
		return applyRefunded(ctx, s.db, ev)
	})
	if err != nil {
		return fmt.Errorf("apply refunded event: %w", err)
	}
	return nil
}

// MarkFailed sets the local failure flag with a bounded reason.
//
// Returns ErrCaseNotFound if no row exists and ErrCaseTerminal if the case
// is already completed. Marking an already failed case again keeps the
// first reason.
func (s *Store) MarkFailed(ctx context.Context, id uint64, reason string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := readTerminalState(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.completed {
			return ErrCaseTerminal
		}
		if st.failed {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE cases SET failed = 1, fail_reason = ? WHERE id = ?`,
			TruncateReason(reason), id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// MarkCompleted records a locally confirmed on-chain completion.
//
// Returns ErrCaseNotFound if no row exists and ErrCaseTerminal if the case
// already failed. A case the indexer already completed is overwritten with
// the same facts.
func (s *Store) MarkCompleted(ctx context.Context, id uint64, reportRef string, c Completion) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := readTerminalState(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.failed {
			return ErrCaseTerminal
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cases
			SET completed = 1,
			    report_cid = ?,
			    completed_tx = COALESCE(?, completed_tx),
			    completed_block = COALESCE(?, completed_block),
			    completed_time = ?
			WHERE id = ?
		`, reportRef, nullString(c.Tx), nullUint(c.Block), c.Time, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", id, err)
	}
	return nil
}

// SetReportRef records that a report was durably stored without claiming
// on-chain completion.
//
// Returns ErrCaseNotFound if no row exists and ErrCaseTerminal if the case
// already failed.
func (s *Store) SetReportRef(ctx context.Context, id uint64, reportRef string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := readTerminalState(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.failed {
			return ErrCaseTerminal
		}
		_, err = tx.ExecContext(ctx, `UPDATE cases SET report_cid = ? WHERE id = ?`, reportRef, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set report ref %d: %w", id, err)
	}
	return nil
}

// ApplyBatch applies every event of a block range and advances the cursor
// to b.Through in one transaction. On any error nothing is committed and the
// cursor stays where it was. A zero Through leaves the cursor untouched.
func (s *Store) ApplyBatch(ctx context.Context, b Batch) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range b.Paid {
			if err := upsertPaid(ctx, tx, ev); err != nil {
				return fmt.Errorf("paid %d: %w", ev.ID, err)
			}
		}
		for _, ev := range b.Completed {
			if err := applyCompleted(ctx, tx, ev); err != nil {
				return fmt.Errorf("completed %d: %w", ev.ID, err)
			}
		}
		for _, ev := range b.Failed {
			if err := applyFailed(ctx, tx, ev); err != nil {
				return fmt.Errorf("failed %d: %w", ev.ID, err)
			}
		}
		for _, ev := range b.Refunded {
			if err := applyRefunded(ctx, tx, ev); err != nil {
				return fmt.Errorf("refunded %d: %w", ev.ID, err)
			}
		}
		if b.Through == 0 {
			return nil
		}
		return advanceCursor(ctx, tx, b.Through)
	})
	if err != nil {
		return fmt.Errorf("apply batch through %d: %w", b.Through, err)
	}
	return nil
}

func upsertPaid(ctx context.Context, db execer, ev PaidEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cases (id, user, amount, paid_tx, paid_block, paid_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user = excluded.user,
			amount = excluded.amount,
			paid_tx = excluded.paid_tx,
			paid_block = excluded.paid_block,
			paid_time = COALESCE(cases.paid_time, excluded.paid_time)
	`, ev.ID, ev.User, ev.Amount, ev.Tx, ev.Block, ev.Time)
	return err
}

func applyCompleted(ctx context.Context, db execer, ev CompletedEvent) error {
	_, err := db.ExecContext(ctx, `
		UPDATE cases
		SET completed = 1, failed = 0, report_cid = ?, completed_tx = ?, completed_block = ?, completed_time = ?
		WHERE id = ?
	`, ev.ReportRef, ev.Tx, ev.Block, ev.Time, ev.ID)
	return err
}

func applyFailed(ctx context.Context, db execer, ev FailedEvent) error {
	_, err := db.ExecContext(ctx, `
		UPDATE cases
		SET failed = 1, fail_reason = COALESCE(fail_reason, ?)
		WHERE id = ? AND completed = 0
	`, TruncateReason(ev.Reason), ev.ID)
	return err
}

func applyRefunded(ctx context.Context, db execer, ev RefundedEvent) error {
	_, err := db.ExecContext(ctx, `
		UPDATE cases SET refunded = 1, refunded_tx = ?, refunded_time = ? WHERE id = ?
	`, ev.Tx, ev.Time, ev.ID)
	return err
}

type terminalState struct {
	completed bool
	failed    bool
}

func readTerminalState(ctx context.Context, db execer, id uint64) (terminalState, error) {
	var st terminalState
	err := db.QueryRowContext(ctx,
		`SELECT completed, failed FROM cases WHERE id = ?`, id,
	).Scan(&st.completed, &st.failed)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrCaseNotFound
	}
	if err != nil {
		return st, fmt.Errorf("read case state: %w", err)
	}
	return st, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUint(v uint64) any {
	if v == 0 {
		return nil
	}
	return v
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const caseColumns = `id, user, amount, paid_tx, paid_block, paid_time,
	completed, report_cid, completed_tx, completed_block, completed_time,
	failed, fail_reason, refunded, refunded_tx, refunded_time`

// DefaultPageLimit and MaxPageLimit bound ListByUser page sizes.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// CaseSummary is one row of a user's case listing.
type CaseSummary struct {
	ID         uint64 `json:"id"`
	Amount     string `json:"amount"`
	PaidTime   *int64 `json:"paid_time"`
	Status     Status `json:"status"`
	ReportRef  string `json:"report_cid,omitempty"`
	Failed     bool   `json:"failed"`
	FailReason string `json:"fail_reason,omitempty"`
}

// Get returns the case for a job id, or ErrCaseNotFound.
func (s *Store) Get(ctx context.Context, id uint64) (Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrCaseNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("get case %d: %w", id, err)
	}
	return c, nil
}

// ListByUser returns one page of a user's cases with derived status.
//
// The address match is case-insensitive. Rows with a paid time come first,
// newest payment first, ties broken by id descending. page starts at 1;
// limit is clamped to [1, MaxPageLimit].
//
// Returns an empty slice (not nil) if the user has no cases.
func (s *Store) ListByUser(ctx context.Context, user string, page, limit int, now time.Time) ([]CaseSummary, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := (page - 1) * limit

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE LOWER(user) = LOWER(?)
		ORDER BY (paid_time IS NULL) ASC, paid_time DESC, id DESC
		LIMIT ? OFFSET ?
	`, user, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	result := []CaseSummary{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		result = append(result, CaseSummary{
			ID:         c.ID,
			Amount:     c.Amount,
			PaidTime:   c.PaidTime,
			Status:     DeriveStatus(c, now),
			ReportRef:  c.ReportRef,
			Failed:     c.Failed,
			FailReason: c.FailReason,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}

	return result, nil
}

// Cursor returns the highest block whose events are fully applied.
// ok is false when nothing has been indexed yet.
func (s *Store) Cursor(ctx context.Context) (height uint64, ok bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}
	if _, err := fmt.Sscanf(value, "%d", &height); err != nil {
		return 0, false, fmt.Errorf("parse cursor %q: %w", value, err)
	}
	return height, true, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (Case, error) {
	var (
		c                                  Case
		paidTx, reportRef, completedTx     sql.NullString
		failReason, refundedTx             sql.NullString
		paidBlock, completedBlock          sql.NullInt64
		paidTime, completedTime, refundedT sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.User, &c.Amount, &paidTx, &paidBlock, &paidTime,
		&c.Completed, &reportRef, &completedTx, &completedBlock, &completedTime,
		&c.Failed, &failReason, &c.Refunded, &refundedTx, &refundedT,
	)
	if err != nil {
		return Case{}, err
	}

	c.PaidTx = paidTx.String
	c.PaidBlock = uint64(paidBlock.Int64)
	c.PaidTime = nullTime(paidTime)
	c.ReportRef = reportRef.String
	c.CompletedTx = completedTx.String
	c.CompletedBlock = uint64(completedBlock.Int64)
	c.CompletedTime = nullTime(completedTime)
	c.FailReason = failReason.String
	c.RefundedTx = refundedTx.String
	c.RefundedTime = nullTime(refundedT)
	return c, nil
}

func nullTime(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	t := v.Int64
	return &t
}

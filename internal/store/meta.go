package store

import (
	"context"
	"fmt"
)

const cursorKey = "index_cursor"

// AdvanceCursor moves the indexer cursor forward to height. The cursor is
// monotonic: a lower height is ignored.
func (s *Store) AdvanceCursor(ctx context.Context, height uint64) error {
	err := retryOp(defaultRetryConfig, func() error {
		return advanceCursor(ctx, s.db, height)
	})
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func advanceCursor(ctx context.Context, db execer, height uint64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)
	`, cursorKey, fmt.Sprintf("%d", height))
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A failing event inside a batch must roll back the whole range, cursor
// included.
func TestApplyBatch_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cases").
		WithArgs(uint64(1), "0xa", "1000000000000000", "0xpaid", uint64(10), int64(1000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE cases").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.ApplyBatch(context.Background(), Batch{
		Paid:      []PaidEvent{createTestPaid(1, "0xa", 10, 1000)},
		Completed: []CompletedEvent{{ID: 1, ReportRef: "r"}},
		Through:   10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed 1")

	assert.NoError(t, mock.ExpectationsWereMet(), "cursor must not be written")
}

func TestMarkFailed_RetriesLockedDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db}

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT completed, failed FROM cases").
		WithArgs(uint64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"completed", "failed"}).AddRow(false, false))
	mock.ExpectExec("UPDATE cases SET failed = 1").
		WithArgs("synthesis_error: 502", uint64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.MarkFailed(context.Background(), 3, "synthesis_error: 502"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db}
	mock.ExpectQuery("SELECT id, user, amount").
		WithArgs(uint64(9)).
		WillReturnError(errors.New("connection reset"))

	_, err = s.Get(context.Background(), 9)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCaseNotFound)
}

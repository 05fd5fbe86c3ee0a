package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRunner(t *testing.T, opts ...RunnerOption) (SQLXTxRunner, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	opts = append([]RunnerOption{WithBackoff(func(int) time.Duration { return 0 })}, opts...)
	return NewTxRunner(sqlx.NewDb(mockDB, "postgres"), opts...), mock
}

func TestWithTxCommits(t *testing.T) {
	runner, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error { return nil })

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	runner, mock := newMockRunner(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesOnSerializationFailure(t *testing.T) {
	runner, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: codeSerializationFailure})
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesWhenFnHitsDeadlock(t *testing.T) {
	runner, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error {
		calls++
		if calls == 1 {
			return &pq.Error{Code: codeDeadlockDetected}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetryCapExceeded(t *testing.T) {
	runner, mock := newMockRunner(t, WithMaxAttempts(3))
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: codeDeadlockDetected})
	}

	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error { return nil })

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	runner, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := runner.WithTx(context.Background(), func(*sqlx.Tx) error {
		calls++
		return &pq.Error{Code: codeUniqueViolation}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorClassification(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &pq.Error{Code: codeSerializationFailure})
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsUniqueViolation(wrapped))
	assert.False(t, IsRetryable(errors.New("plain")))
}

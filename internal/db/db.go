package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

var ErrRetryLimit = errors.New("transaction retry limit exceeded")

// TxRunner runs fn inside one database transaction. fn's error rolls the
// whole unit back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    30,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func Connect(databaseURL string, opts PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	return db, nil
}

// SQLXTxRunner opens serializable transactions and retries the whole unit
// when Postgres reports a serialization failure or deadlock.
type SQLXTxRunner struct {
	db          *sqlx.DB
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

type RunnerOption func(*SQLXTxRunner)

func WithMaxAttempts(n int) RunnerOption {
	return func(r *SQLXTxRunner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(fn func(attempt int) time.Duration) RunnerOption {
	return func(r *SQLXTxRunner) {
		if fn != nil {
			r.backoff = fn
		}
	}
}

func NewTxRunner(db *sqlx.DB, opts ...RunnerOption) SQLXTxRunner {
	r := SQLXTxRunner{db: db, maxAttempts: 5, backoff: quadraticBackoff}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == r.maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}
	return ErrRetryLimit
}

func (r SQLXTxRunner) runOnce(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsRetryable reports serialization failures and deadlocks.
func IsRetryable(err error) bool {
	code := pqCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

func IsUniqueViolation(err error) bool {
	return pqCode(err) == codeUniqueViolation
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return ""
	}
	return pqErr.Code
}

func quadraticBackoff(attempt int) time.Duration {
	base := 20 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	return time.Duration(attempt*attempt)*base + jitter
}

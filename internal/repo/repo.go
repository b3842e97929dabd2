package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Repo is the entity store. It holds no business rules.
type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

const maxTxAttempts = 6

// WithTx runs fn in one transaction, retrying the whole unit when the store
// reports a lock or serialization conflict. Any other error aborts immediately.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	op := func() error {
		tx, err := r.DB.BeginTxx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return classify(err)
		}
		return classify(tx.Commit())
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxTxAttempts), ctx))
}

func classify(err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// IsRetryable reports lock contention that a fresh transaction may resolve.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsPostgres reports whether the store speaks the Postgres dialect.
func (r Repo) IsPostgres() bool {
	return r.DB.DriverName() == "postgres"
}

func (r Repo) get(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q, dest, r.DB.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r Repo) selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q, dest, r.DB.Rebind(query), args...)
}

func (r Repo) exec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, r.DB.Rebind(query), args...)
}

// execOne fails with ErrNotFound when no row was touched.
func (r Repo) execOne(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	res, err := r.exec(ctx, tx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

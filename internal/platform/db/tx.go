package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx that the
// repositories need.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txKey struct{}

// TxFromContext returns the transaction bound to ctx by WithinTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn returns the transaction bound to ctx when there is one and falls
// back to the pool otherwise. Repositories call this for every statement so
// that all reads and writes of one operation share the same transaction.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// DefaultTxTimeout bounds every unit of work when no timeout is configured.
const DefaultTxTimeout = 5 * time.Second

// Transactor runs units of work in a single database transaction.
type Transactor struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewTransactor(pool *pgxpool.Pool, timeout time.Duration) *Transactor {
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	return &Transactor{pool: pool, timeout: timeout}
}

// WithinTx runs fn inside a transaction carrying the configured timeout.
// Any error returned by fn rolls the whole unit back. A call made while a
// transaction is already bound to ctx joins it instead of nesting.
//
// Transient failures (timeouts, dropped connections, serialization
// failures, deadlocks) come back as apperr.KindStorageUnavailable.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Classify("begin transaction", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return Classify("transaction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify("commit transaction", err)
	}
	return nil
}

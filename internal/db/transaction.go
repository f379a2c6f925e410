package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// txKey is the key type for storing transaction in context.
type txKey struct{}

// DBTX is the query surface shared by the pool and an open transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TransactionManager runs units of work inside a PostgreSQL transaction.
type TransactionManager struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// NewTransactionManager creates a new TransactionManager.
func NewTransactionManager(pool *pgxpool.Pool, log logrus.FieldLogger) *TransactionManager {
	return &TransactionManager{
		pool: pool,
		log:  log,
	}
}

// WithTransaction executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back; otherwise it is committed.
// The transaction travels in the context and is picked up by Conn.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if getTx(ctx) != nil {
		// already inside a unit of work
		return fn(ctx)
	}

	tx, err := tm.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			tm.log.WithError(err).Warn("failed to rollback transaction")
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Conn returns the transaction carried by ctx, or fallback when there is none.
func Conn(ctx context.Context, fallback DBTX) DBTX {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return fallback
}

// getTx retrieves the transaction from context.
// If no transaction is found, returns nil.
func getTx(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

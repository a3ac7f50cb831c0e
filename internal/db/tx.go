package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTx runs fn inside a transaction on the writer connection, committing
// on success and rolling back on error or panic. A panic inside fn is
// recovered just long enough to roll back, then re-panicked so callers still
// observe the original failure.
func WithTx(ctx context.Context, writer *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	return WithTxOptions(ctx, writer, nil, fn)
}

// WithTxOptions is WithTx with explicit sql.TxOptions (e.g. to request a
// stricter isolation level on the Postgres backend).
func WithTxOptions(ctx context.Context, writer *sqlx.DB, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := writer.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

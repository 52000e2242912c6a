package infra

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKey struct{}

// WithTx returns a context carrying an open pgx transaction. Postgres
// backends that find one run their statements on it instead of opening
// their own, so writes from several packages can commit as one.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom extracts the transaction placed by WithTx, if any.
func TxFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// PgxRunner scopes a unit of work to a single database transaction shared
// through the context. If fn returns an error everything inside it rolls
// back, including writes made by different packages on the same pool.
type PgxRunner struct {
	db *pgxpool.Pool
}

// NewPgxRunner builds a runner over the shared connection pool.
func NewPgxRunner(db *pgxpool.Pool) *PgxRunner {
	return &PgxRunner{db: db}
}

// RunAtomic opens one transaction, hands it to fn through the context, and
// commits only when fn succeeds.
func (r *PgxRunner) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

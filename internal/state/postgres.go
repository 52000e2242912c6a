package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chain-vault/chain_vault/internal/infra"
)

// PostgresStore persists partitions in PostgreSQL. Each key is one row in
// app_state; partition existence is tracked in app_accounts so an opted-in
// account with no keys is still distinguishable from a missing one. The
// global record lives under the reserved empty address. Writes join a
// shared transaction when the context carries one (infra.WithTx).
type PostgresStore struct {
	db *pgxpool.Pool
}

const globalAddr = ""

// NewPostgresStore constructs a Postgres-backed store implementation.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Global returns the application's shared record.
func (s *PostgresStore) Global(ctx context.Context, appID uint64) (Partition, error) {
	return s.partition(ctx, s.db, appID, globalAddr)
}

// begin joins the context's shared transaction or opens its own; owned
// reports whether the caller must commit.
func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, bool, error) {
	if tx, ok := infra.TxFrom(ctx); ok {
		return tx, false, nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	return tx, true, err
}

// SetGlobal replaces the shared record inside one transaction.
func (s *PostgresStore) SetGlobal(ctx context.Context, appID uint64, p Partition) error {
	tx, owned, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if owned {
		defer tx.Rollback(ctx) // nolint:errcheck
	}

	if _, err := tx.Exec(ctx, `DELETE FROM app_state WHERE app_id = $1 AND addr = $2`, int64(appID), globalAddr); err != nil {
		return err
	}
	if err := upsertKeys(ctx, tx, appID, globalAddr, p); err != nil {
		return err
	}
	if owned {
		return tx.Commit(ctx)
	}
	return nil
}

// Local returns one account's partition and whether it exists.
func (s *PostgresStore) Local(ctx context.Context, appID uint64, addr string) (Partition, bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
        SELECT 1 FROM app_accounts WHERE app_id = $1 AND addr = $2)`, int64(appID), addr).Scan(&exists)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	part, err := s.partition(ctx, s.db, appID, addr)
	if err != nil {
		return nil, false, err
	}
	return part, true, nil
}

// OptIn creates the account partition with its initial keys.
func (s *PostgresStore) OptIn(ctx context.Context, appID uint64, addr string, init Partition) error {
	tx, owned, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if owned {
		defer tx.Rollback(ctx) // nolint:errcheck
	}

	tag, err := tx.Exec(ctx, `INSERT INTO app_accounts (id, app_id, addr) VALUES ($1, $2, $3)
        ON CONFLICT (app_id, addr) DO NOTHING`, uuid.New(), int64(appID), addr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyOptedIn
	}
	if err := upsertKeys(ctx, tx, appID, addr, init); err != nil {
		return err
	}
	if owned {
		return tx.Commit(ctx)
	}
	return nil
}

// Apply commits the delta in one transaction: all rows land or none do.
func (s *PostgresStore) Apply(ctx context.Context, appID uint64, addr string, delta Delta) error {
	tx, owned, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if owned {
		defer tx.Rollback(ctx) // nolint:errcheck
	}

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (
        SELECT 1 FROM app_accounts WHERE app_id = $1 AND addr = $2 FOR UPDATE)`, int64(appID), addr).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotOptedIn
	}

	if delta.ClearLocal {
		if _, err := tx.Exec(ctx, `DELETE FROM app_state WHERE app_id = $1 AND addr = $2`, int64(appID), addr); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM app_accounts WHERE app_id = $1 AND addr = $2`, int64(appID), addr); err != nil {
			return err
		}
	} else {
		if err := upsertKeys(ctx, tx, appID, addr, delta.Local); err != nil {
			return err
		}
		if err := upsertKeys(ctx, tx, appID, globalAddr, delta.Global); err != nil {
			return err
		}
	}
	if owned {
		return tx.Commit(ctx)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) partition(ctx context.Context, q querier, appID uint64, addr string) (Partition, error) {
	rows, err := q.Query(ctx, `SELECT key, kind, uint_val, bytes_val
        FROM app_state WHERE app_id = $1 AND addr = $2`, int64(appID), addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partition{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	part := Partition{}
	for rows.Next() {
		var (
			key     string
			kind    int16
			uintVal int64
			raw     []byte
		)
		if err := rows.Scan(&key, &kind, &uintVal, &raw); err != nil {
			return nil, err
		}
		switch Kind(kind) {
		case KindUint:
			part[key] = UintValue(uint64(uintVal))
		case KindBytes:
			part[key] = BytesValue(raw)
		default:
			return nil, fmt.Errorf("app %d key %s: unknown value kind %d", appID, key, kind)
		}
	}
	return part, rows.Err()
}

func upsertKeys(ctx context.Context, tx pgx.Tx, appID uint64, addr string, p Partition) error {
	for key, v := range p {
		_, err := tx.Exec(ctx, `INSERT INTO app_state (id, app_id, addr, key, kind, uint_val, bytes_val)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            ON CONFLICT (app_id, addr, key)
            DO UPDATE SET kind = $5, uint_val = $6, bytes_val = $7`,
			uuid.New(), int64(appID), addr, key, int16(v.Kind), int64(v.Uint), v.Bytes)
		if err != nil {
			return err
		}
	}
	return nil
}

package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores depositors in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a depositor record.
func (r *PostgresRepository) Create(ctx context.Context, d Depositor) error {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO depositors (id, address, pin_hash, created_at)
        VALUES ($1, $2, $3, $4)`, id, d.Address, d.PINHash, d.CreatedAt.UTC())
	return err
}

// FindByAddress fetches a depositor by address.
func (r *PostgresRepository) FindByAddress(ctx context.Context, address string) (Depositor, error) {
	row := r.db.QueryRow(ctx, `SELECT id, address, pin_hash, created_at
        FROM depositors WHERE address = $1`, address)
	var (
		d         Depositor
		id        uuid.UUID
		createdAt time.Time
	)
	if err := row.Scan(&id, &d.Address, &d.PINHash, &createdAt); err != nil {
		return Depositor{}, err
	}
	d.ID = id.String()
	d.CreatedAt = createdAt.UTC()
	return d, nil
}

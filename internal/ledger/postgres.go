package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chain-vault/chain_vault/internal/infra"
)

// PostgresLedger persists ledger entries in PostgreSQL ensuring double-entry
// balance. When the context carries a shared transaction (infra.WithTx) all
// statements run on it, so postings commit together with the caller's other
// writes.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureAccount guarantees an account exists for the provided code.
func (l *PostgresLedger) EnsureAccount(ctx context.Context, code string) error {
	const query = `INSERT INTO accounts (id, code) VALUES ($1, $2)
        ON CONFLICT (code) DO NOTHING`
	if tx, ok := infra.TxFrom(ctx); ok {
		_, err := tx.Exec(ctx, query, uuid.New(), code)
		return err
	}
	_, err := l.db.Exec(ctx, query, uuid.New(), code)
	return err
}

// Balance returns the summed balance for the specified account code.
func (l *PostgresLedger) Balance(ctx context.Context, code string) (int64, error) {
	const query = `
        SELECT COALESCE(SUM(e.amount), 0)
        FROM entries e
        INNER JOIN accounts a ON a.id = e.account_id
        WHERE a.code = $1`
	var row pgx.Row
	if tx, ok := infra.TxFrom(ctx); ok {
		row = tx.QueryRow(ctx, query, code)
	} else {
		row = l.db.QueryRow(ctx, query, code)
	}
	var balance int64
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("account %s not found", code)
		}
		return 0, err
	}
	return balance, nil
}

// Transfer records a balanced posting between two accounts. Postings sharing
// a (kind, clientTxID) pair are applied at most once.
func (l *PostgresLedger) Transfer(ctx context.Context, fromCode, toCode, kind, clientTxID string, amount int64) (PostingResult, error) {
	if amount <= 0 {
		return PostingResult{}, fmt.Errorf("amount must be positive")
	}

	if tx, ok := infra.TxFrom(ctx); ok {
		// Shared transaction: the caller owns commit and rollback.
		return transferInTx(ctx, tx, fromCode, toCode, kind, clientTxID, amount)
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PostingResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	res, err := transferInTx(ctx, tx, fromCode, toCode, kind, clientTxID, amount)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PostingResult{}, err
	}
	return res, nil
}

func transferInTx(ctx context.Context, tx pgx.Tx, fromCode, toCode, kind, clientTxID string, amount int64) (PostingResult, error) {
	fromAccountID, err := accountIDForCode(ctx, tx, fromCode)
	if err != nil {
		return PostingResult{}, err
	}
	toAccountID, err := accountIDForCode(ctx, tx, toCode)
	if err != nil {
		return PostingResult{}, err
	}

	const existingTxQuery = `SELECT id FROM transactions WHERE client_tx_id = $1 AND kind = $2`
	var existingTxID uuid.UUID
	if err := tx.QueryRow(ctx, existingTxQuery, clientTxID, kind).Scan(&existingTxID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return PostingResult{}, err
		}
	} else {
		fromBal, err := balanceForAccount(ctx, tx, fromAccountID)
		if err != nil {
			return PostingResult{}, err
		}
		toBal, err := balanceForAccount(ctx, tx, toAccountID)
		if err != nil {
			return PostingResult{}, err
		}
		return PostingResult{TransactionID: existingTxID.String(), FromBalance: fromBal, ToBalance: toBal}, ErrDuplicateTransaction
	}

	fromBalance, err := balanceForAccount(ctx, tx, fromAccountID)
	if err != nil {
		return PostingResult{}, err
	}
	if fromBalance < amount {
		return PostingResult{}, ErrInsufficientFunds
	}

	txID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, client_tx_id, kind) VALUES ($1, $2, $3)`, txID, clientTxID, kind); err != nil {
		return PostingResult{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, fromAccountID, -amount); err != nil {
		return PostingResult{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, toAccountID, amount); err != nil {
		return PostingResult{}, err
	}

	fromBal, err := balanceForAccount(ctx, tx, fromAccountID)
	if err != nil {
		return PostingResult{}, err
	}
	toBal, err := balanceForAccount(ctx, tx, toAccountID)
	if err != nil {
		return PostingResult{}, err
	}
	return PostingResult{TransactionID: txID.String(), FromBalance: fromBal, ToBalance: toBal}, nil
}

func accountIDForCode(ctx context.Context, tx pgx.Tx, code string) (uuid.UUID, error) {
	const query = `SELECT id FROM accounts WHERE code = $1 FOR UPDATE`
	var id uuid.UUID
	if err := tx.QueryRow(ctx, query, code).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("account %s not found", code)
		}
		return uuid.Nil, err
	}
	return id, nil
}

func balanceForAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`
	var balance int64
	if err := tx.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds occurs when the source account lacks available
	// balance to cover a requested posting.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the provided client transaction
	// identifier already exists and the operation should be treated as
	// idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

const (
	// PenaltyReserveAccountCode accumulates the emergency-withdrawal
	// penalty. Value posted here is retained by the vault, never routed to
	// callers.
	PenaltyReserveAccountCode = "reserve:penalty"

	// Posting kinds recorded against transactions.
	KindDeposit   = "vault_deposit"
	KindWithdraw  = "vault_withdraw"
	KindEmergency = "vault_emergency"
	KindPenalty   = "vault_penalty"
	KindFaucet    = "faucet"

	// KindReversal hands a posted deposit leg back when the rest of its
	// group fails to commit.
	KindReversal = "vault_deposit_reversal"
)

// DepositorAccount returns the ledger account code for a depositor identity.
func DepositorAccount(addr string) string {
	return fmt.Sprintf("depositor:%s", addr)
}

// CustodyAccount returns the ledger account code holding a vault
// application's escrowed value.
func CustodyAccount(appID uint64) string {
	return fmt.Sprintf("custody:app:%d", appID)
}

// PostingResult captures the outcome of a ledger posting.
type PostingResult struct {
	TransactionID string
	FromBalance   int64
	ToBalance     int64
}

// Ledger defines the contract implemented by value-ledger backends. All
// movements are balanced double-entry postings; the vault's custody balance
// is mutated only through accepted transitions.
type Ledger interface {
	EnsureAccount(ctx context.Context, code string) error
	Balance(ctx context.Context, code string) (int64, error)
	Transfer(ctx context.Context, fromCode, toCode, kind, clientTxID string, amount int64) (PostingResult, error)
}

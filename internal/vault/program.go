// Package vault implements the Simple Vault program: a single per-account
// escrow record with one unlock time. Deposits set or re-set the unlock and
// add to the balance; withdrawal releases the full balance once the unlock
// time has passed.
package vault

import (
	"bytes"
	"fmt"

	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/state"
)

// Account partition layout.
const (
	KeyOwner  = "owner"
	KeyAmount = "amount"
	KeyUnlock = "unlock"
)

// Program is the Simple Vault transition evaluator.
type Program struct{}

// New returns the Simple Vault program.
func New() *Program { return &Program{} }

// Create accepts application deployment; the global configuration record is
// seeded by the engine.
func (p *Program) Create(engine.Context) (engine.Transition, error) {
	return engine.Transition{}, nil
}

// OptIn initializes the caller's vault record with a zero balance.
func (p *Program) OptIn(engine.Context) (engine.Transition, error) {
	return engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyAmount: state.UintValue(0),
	}}}, nil
}

// Call routes the closed operation set.
func (p *Program) Call(op protocol.Op, tc engine.Context) (engine.Transition, error) {
	if err := tc.RequireInitialized(); err != nil {
		return engine.Transition{}, err
	}
	switch op {
	case protocol.OpDeposit:
		return p.deposit(tc)
	case protocol.OpWithdraw:
		return p.withdraw(tc)
	default:
		return engine.Transition{}, fmt.Errorf("%w: operation %s not supported by simple vault", protocol.ErrMalformedCall, op)
	}
}

// deposit(amount, unlock_time): the first deposit establishes ownership;
// later deposits must come from the owner. The paired transfer into custody
// is asserted, never performed here.
func (p *Program) deposit(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 3 {
		return engine.Transition{}, fmt.Errorf("%w: deposit expects amount and unlock time", protocol.ErrMalformedCall)
	}
	amount, err := protocol.Uint64(tc.Args[1])
	if err != nil {
		return engine.Transition{}, err
	}
	unlock, err := protocol.Uint64(tc.Args[2])
	if err != nil {
		return engine.Transition{}, err
	}

	if owner := tc.Local.Bytes(KeyOwner); owner != nil && !bytes.Equal(owner, []byte(tc.Sender)) {
		return engine.Transition{}, fmt.Errorf("%w: vault owned by another account", protocol.ErrUnauthorized)
	}

	if err := tc.RequireDepositLeg(amount); err != nil {
		return engine.Transition{}, err
	}

	return engine.Transition{
		Delta: state.Delta{Local: state.Partition{
			KeyOwner:  state.BytesValue([]byte(tc.Sender)),
			KeyAmount: state.UintValue(tc.Local.Uint(KeyAmount) + amount),
			KeyUnlock: state.UintValue(unlock),
		}},
		ConsumesPayment: true,
	}, nil
}

// withdraw(): owner-only, gated solely on the unlock time. The full balance
// is paid out by custody and the record resets to zero in the same
// transition. A second withdrawal on a zero balance is a no-op.
func (p *Program) withdraw(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 1 {
		return engine.Transition{}, fmt.Errorf("%w: withdraw takes no operands", protocol.ErrMalformedCall)
	}
	owner := tc.Local.Bytes(KeyOwner)
	if owner == nil || !bytes.Equal(owner, []byte(tc.Sender)) {
		return engine.Transition{}, fmt.Errorf("%w: caller does not own this vault", protocol.ErrUnauthorized)
	}
	if uint64(tc.Now) < tc.Local.Uint(KeyUnlock) {
		return engine.Transition{}, fmt.Errorf("%w: vault unlocks at %d, now %d", protocol.ErrTimelock, tc.Local.Uint(KeyUnlock), tc.Now)
	}

	balance := tc.Local.Uint(KeyAmount)
	tr := engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyAmount: state.UintValue(0),
	}}}
	if balance > 0 {
		tr.Payouts = []engine.Payout{{
			ToAccount: ledger.DepositorAccount(tc.Sender),
			Amount:    balance,
			Kind:      ledger.KindWithdraw,
		}}
	}
	return tr, nil
}

// CloseOut removes the caller's record. Exiting with a nonzero balance
// strands the value in custody, so it is refused unless lossy close-out is
// explicitly enabled.
func (p *Program) CloseOut(tc engine.Context) (engine.Transition, error) {
	if balance := tc.Local.Uint(KeyAmount); balance > 0 && !tc.AllowLossyCloseOut {
		return engine.Transition{}, fmt.Errorf("%w: close-out refused with balance %d", protocol.ErrUnauthorized, balance)
	}
	return engine.Transition{Delta: state.Delta{ClearLocal: true}}, nil
}

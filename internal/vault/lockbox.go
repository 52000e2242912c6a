package vault

import (
	"bytes"
	"fmt"

	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/state"
)

// Global record layout for the lockbox variant.
const (
	LockboxKeyOwner       = "owner"
	LockboxKeyBeneficiary = "beneficiary"
	LockboxKeyAmount      = "amount"
	LockboxKeyUnlock      = "unlock_time"
)

// Lockbox is the native-currency single-beneficiary vault: one shared
// record, fixed unlock time and beneficiary chosen at deployment, deposits
// open to anyone. Withdrawal pays the beneficiary in full.
type Lockbox struct{}

// NewLockbox returns the lockbox program.
func NewLockbox() *Lockbox { return &Lockbox{} }

// Create(unlock_time, beneficiary) pins the unlock predicate and payout
// target for the life of the instance.
func (l *Lockbox) Create(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 2 {
		return engine.Transition{}, fmt.Errorf("%w: lockbox create expects unlock time and beneficiary", protocol.ErrMalformedCall)
	}
	unlock, err := protocol.Uint64(tc.Args[0])
	if err != nil {
		return engine.Transition{}, err
	}
	beneficiary := tc.Args[1]
	if len(beneficiary) == 0 {
		return engine.Transition{}, fmt.Errorf("%w: beneficiary required", protocol.ErrMalformedCall)
	}

	return engine.Transition{Delta: state.Delta{Global: state.Partition{
		LockboxKeyOwner:       state.BytesValue([]byte(tc.Sender)),
		LockboxKeyBeneficiary: state.BytesValue(beneficiary),
		LockboxKeyUnlock:      state.UintValue(unlock),
		LockboxKeyAmount:      state.UintValue(0),
	}}}, nil
}

// OptIn is accepted but keeps no per-account state.
func (l *Lockbox) OptIn(engine.Context) (engine.Transition, error) {
	return engine.Transition{}, nil
}

// Call routes the lockbox's two operations.
func (l *Lockbox) Call(op protocol.Op, tc engine.Context) (engine.Transition, error) {
	switch op {
	case protocol.OpDeposit:
		return l.deposit(tc)
	case protocol.OpWithdraw:
		return l.withdraw(tc)
	default:
		return engine.Transition{}, fmt.Errorf("%w: operation %s not supported by lockbox", protocol.ErrMalformedCall, op)
	}
}

// deposit accepts value from any sender; the credited amount is taken from
// the paired transfer itself rather than a declared operand.
func (l *Lockbox) deposit(tc engine.Context) (engine.Transition, error) {
	if tc.GroupSize != 2 || tc.Payment == nil {
		return engine.Transition{}, fmt.Errorf("%w: deposit requires a paired transfer", protocol.ErrBadGroup)
	}
	if tc.Payment.Receiver != tc.CustodyAddr {
		return engine.Transition{}, fmt.Errorf("%w: transfer receiver %s is not the custody address", protocol.ErrBadGroup, tc.Payment.Receiver)
	}

	return engine.Transition{
		Delta: state.Delta{Global: state.Partition{
			LockboxKeyAmount: state.UintValue(tc.Global.Uint(LockboxKeyAmount) + tc.Payment.Amount),
		}},
		ConsumesPayment: true,
	}, nil
}

func (l *Lockbox) withdraw(tc engine.Context) (engine.Transition, error) {
	beneficiary := tc.Global.Bytes(LockboxKeyBeneficiary)
	if !bytes.Equal(beneficiary, []byte(tc.Sender)) {
		return engine.Transition{}, fmt.Errorf("%w: only the beneficiary may withdraw", protocol.ErrUnauthorized)
	}
	if uint64(tc.Now) < tc.Global.Uint(LockboxKeyUnlock) {
		return engine.Transition{}, fmt.Errorf("%w: lockbox unlocks at %d, now %d", protocol.ErrTimelock, tc.Global.Uint(LockboxKeyUnlock), tc.Now)
	}

	balance := tc.Global.Uint(LockboxKeyAmount)
	tr := engine.Transition{Delta: state.Delta{Global: state.Partition{
		LockboxKeyAmount: state.UintValue(0),
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

// CloseOut releases the caller's empty partition; the shared record is
// untouched.
func (l *Lockbox) CloseOut(engine.Context) (engine.Transition, error) {
	return engine.Transition{Delta: state.Delta{ClearLocal: true}}, nil
}

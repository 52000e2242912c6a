// Package savings implements the Smart Savings program: goal-tracked,
// multi-deposit escrow with a time lock and a password-gated emergency exit.
// The emergency path charges a fixed 2% penalty and only opens once the
// record is at least seven days old; the goal amount is informational and
// never gates withdrawal.
package savings

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/state"
)

// Account partition layout.
const (
	KeyOwner         = "owner"
	KeyTotal         = "total"
	KeyGoal          = "goal"
	KeyUnlock        = "unlock_time"
	KeyCause         = "cause"
	KeyEmergencyHash = "emergency_hash"
	KeyCreatedAt     = "created_at"
	KeyLastDeposit   = "last_deposit"
)

const (
	// EmergencyDelay is the minimum record age before the emergency path
	// opens: 7 days in seconds.
	EmergencyDelay = 604800

	// PenaltyDivisor yields the 2% emergency penalty via truncating integer
	// division. For totals not divisible by 50 the penalty rounds down, so
	// payout + penalty still equals the pre-call total exactly.
	PenaltyDivisor = 50
)

// Program is the Smart Savings transition evaluator.
type Program struct{}

// New returns the Smart Savings program.
func New() *Program { return &Program{} }

// Create accepts application deployment.
func (p *Program) Create(engine.Context) (engine.Transition, error) {
	return engine.Transition{}, nil
}

// OptIn initializes the caller's partition with a zero total.
func (p *Program) OptIn(engine.Context) (engine.Transition, error) {
	return engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyTotal: state.UintValue(0),
	}}}, nil
}

// Call routes the closed operation set.
func (p *Program) Call(op protocol.Op, tc engine.Context) (engine.Transition, error) {
	if err := tc.RequireInitialized(); err != nil {
		return engine.Transition{}, err
	}
	switch op {
	case protocol.OpCreate:
		return p.create(tc)
	case protocol.OpDeposit:
		return p.deposit(tc)
	case protocol.OpWithdraw:
		return p.withdraw(tc)
	case protocol.OpEmergency:
		return p.emergency(tc)
	default:
		return engine.Transition{}, fmt.Errorf("%w: operation %s not supported by smart savings", protocol.ErrMalformedCall, op)
	}
}

// create(goal, unlock_time, cause, password) establishes the record. Only
// the password's SHA-256 digest is stored; unlock_time and created_at are
// immutable afterwards, so re-creation is refused.
func (p *Program) create(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 5 {
		return engine.Transition{}, fmt.Errorf("%w: create expects goal, unlock time, cause and password", protocol.ErrMalformedCall)
	}
	if tc.Local.Has(KeyOwner) {
		return engine.Transition{}, fmt.Errorf("%w: savings record already created", protocol.ErrMalformedCall)
	}
	goal, err := protocol.Uint64(tc.Args[1])
	if err != nil {
		return engine.Transition{}, err
	}
	unlock, err := protocol.Uint64(tc.Args[2])
	if err != nil {
		return engine.Transition{}, err
	}
	cause := tc.Args[3]
	password := tc.Args[4]
	if len(password) == 0 {
		return engine.Transition{}, fmt.Errorf("%w: emergency password required", protocol.ErrMalformedCall)
	}

	digest := sha256.Sum256(password)

	return engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyOwner:         state.BytesValue([]byte(tc.Sender)),
		KeyTotal:         state.UintValue(0),
		KeyGoal:          state.UintValue(goal),
		KeyUnlock:        state.UintValue(unlock),
		KeyCause:         state.BytesValue(cause),
		KeyEmergencyHash: state.BytesValue(digest[:]),
		KeyCreatedAt:     state.UintValue(uint64(tc.Now)),
		KeyLastDeposit:   state.UintValue(0),
	}}}, nil
}

// deposit(amount) is repeatable: each accepted deposit adds to the total
// and stamps last_deposit. The paired transfer into custody is asserted.
func (p *Program) deposit(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 2 {
		return engine.Transition{}, fmt.Errorf("%w: deposit expects an amount", protocol.ErrMalformedCall)
	}
	amount, err := protocol.Uint64(tc.Args[1])
	if err != nil {
		return engine.Transition{}, err
	}
	if err := p.requireOwner(tc); err != nil {
		return engine.Transition{}, err
	}
	if err := tc.RequireDepositLeg(amount); err != nil {
		return engine.Transition{}, err
	}

	return engine.Transition{
		Delta: state.Delta{Local: state.Partition{
			KeyTotal:       state.UintValue(tc.Local.Uint(KeyTotal) + amount),
			KeyLastDeposit: state.UintValue(uint64(tc.Now)),
		}},
		ConsumesPayment: true,
	}, nil
}

// withdraw() pays out the full total once the unlock time has passed.
// Reaching the goal early does not unlock early.
func (p *Program) withdraw(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 1 {
		return engine.Transition{}, fmt.Errorf("%w: withdraw takes no operands", protocol.ErrMalformedCall)
	}
	if err := p.requireOwner(tc); err != nil {
		return engine.Transition{}, err
	}
	if uint64(tc.Now) < tc.Local.Uint(KeyUnlock) {
		return engine.Transition{}, fmt.Errorf("%w: savings unlock at %d, now %d", protocol.ErrTimelock, tc.Local.Uint(KeyUnlock), tc.Now)
	}

	total := tc.Local.Uint(KeyTotal)
	tr := engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyTotal: state.UintValue(0),
	}}}
	if total > 0 {
		tr.Payouts = []engine.Payout{{
			ToAccount: ledger.DepositorAccount(tc.Sender),
			Amount:    total,
			Kind:      ledger.KindWithdraw,
		}}
	}
	return tr, nil
}

// emergency(password) is the early exit: digest match first, then the
// seven-day minimum age. A wrong password rejects regardless of elapsed
// time. The penalty posts to the vault's reserve so payout + penalty always
// equals the pre-call total.
func (p *Program) emergency(tc engine.Context) (engine.Transition, error) {
	if len(tc.Args) != 2 {
		return engine.Transition{}, fmt.Errorf("%w: emergency expects the password", protocol.ErrMalformedCall)
	}
	if err := p.requireOwner(tc); err != nil {
		return engine.Transition{}, err
	}

	digest := sha256.Sum256(tc.Args[1])
	stored := tc.Local.Bytes(KeyEmergencyHash)
	if subtle.ConstantTimeCompare(digest[:], stored) != 1 {
		return engine.Transition{}, fmt.Errorf("%w: emergency password mismatch", protocol.ErrUnauthorized)
	}

	earliest := tc.Local.Uint(KeyCreatedAt) + EmergencyDelay
	if uint64(tc.Now) < earliest {
		return engine.Transition{}, fmt.Errorf("%w: emergency opens at %d, now %d", protocol.ErrTimelock, earliest, tc.Now)
	}

	total := tc.Local.Uint(KeyTotal)
	penalty := total / PenaltyDivisor
	payout := total - penalty

	tr := engine.Transition{Delta: state.Delta{Local: state.Partition{
		KeyTotal: state.UintValue(0),
	}}}
	if payout > 0 {
		tr.Payouts = append(tr.Payouts, engine.Payout{
			ToAccount: ledger.DepositorAccount(tc.Sender),
			Amount:    payout,
			Kind:      ledger.KindEmergency,
		})
	}
	if penalty > 0 {
		tr.Payouts = append(tr.Payouts, engine.Payout{
			ToAccount: ledger.PenaltyReserveAccountCode,
			Amount:    penalty,
			Kind:      ledger.KindPenalty,
		})
	}
	return tr, nil
}

// CloseOut removes the caller's record, refusing to strand a nonzero total
// unless lossy close-out is explicitly enabled.
func (p *Program) CloseOut(tc engine.Context) (engine.Transition, error) {
	if total := tc.Local.Uint(KeyTotal); total > 0 && !tc.AllowLossyCloseOut {
		return engine.Transition{}, fmt.Errorf("%w: close-out refused with total %d", protocol.ErrUnauthorized, total)
	}
	return engine.Transition{Delta: state.Delta{ClearLocal: true}}, nil
}

func (p *Program) requireOwner(tc engine.Context) error {
	owner := tc.Local.Bytes(KeyOwner)
	if owner == nil {
		return fmt.Errorf("%w: savings record not created", protocol.ErrMalformedCall)
	}
	if !bytes.Equal(owner, []byte(tc.Sender)) {
		return fmt.Errorf("%w: caller does not own this savings record", protocol.ErrUnauthorized)
	}
	return nil
}

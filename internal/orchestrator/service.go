// Package orchestrator is the off-chain layer: it builds tagged call
// groups, submits them to the engine, and decodes stored partitions for
// display. It holds no authoritative state of its own; everything it
// reports is re-derived from the engine on each call.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/notification"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/savings"
	"github.com/chain-vault/chain_vault/internal/vault"
)

// Apps holds the deployed application ids the orchestrator submits against.
// A zero LockboxID means no lockbox was deployed.
type Apps struct {
	SimpleID  uint64
	SavingsID uint64
	LockboxID uint64
}

// Service submits vault operations and reads vault state back.
type Service struct {
	eng      *engine.Engine
	led      ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
	apps     Apps
}

// NewService constructs an orchestrator over deployed application ids.
func NewService(eng *engine.Engine, led ledger.Ledger, notifier notification.Notifier, logger *slog.Logger, apps Apps) *Service {
	return &Service{
		eng:      eng,
		led:      led,
		notifier: notifier,
		logger:   logger,
		apps:     apps,
	}
}

// SubmitResult reports an accepted submission back to the caller.
type SubmitResult struct {
	TxID   string
	Payout uint64
}

func clientTxID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// OptInSimple creates the caller's Simple Vault partition.
func (s *Service) OptInSimple(ctx context.Context, address string) (SubmitResult, error) {
	return s.optIn(ctx, s.apps.SimpleID, address)
}

// OptInSavings creates the caller's Smart Savings partition.
func (s *Service) OptInSavings(ctx context.Context, address string) (SubmitResult, error) {
	return s.optIn(ctx, s.apps.SavingsID, address)
}

func (s *Service) optIn(ctx context.Context, appID uint64, address string) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call:       protocol.AppCall{Sender: address, AppID: appID, Phase: protocol.PhaseOptIn},
		ClientTxID: clientTxID(""),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TxID: res.TxID}, nil
}

// DepositSimpleInput captures a Simple Vault deposit.
type DepositSimpleInput struct {
	Address     string
	Amount      uint64
	LockSeconds uint64
	ClientTxID  string
}

// DepositSimple locks value until now + LockSeconds, pairing the call with
// its transfer into custody in one indivisible group.
func (s *Service) DepositSimple(ctx context.Context, input DepositSimpleInput) (SubmitResult, error) {
	unlock := uint64(s.eng.Now().Unix()) + input.LockSeconds
	txID := clientTxID(input.ClientTxID)

	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: input.Address,
			AppID:  s.apps.SimpleID,
			Phase:  protocol.PhaseCall,
			Args: [][]byte{
				protocol.OpDeposit.Tag(),
				protocol.PutUint64(input.Amount),
				protocol.PutUint64(unlock),
			},
		},
		Payment: &protocol.Payment{
			Sender:   input.Address,
			Receiver: ledger.CustodyAccount(s.apps.SimpleID),
			Amount:   input.Amount,
		},
		ClientTxID: txID,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.notify(ctx, notification.KindDepositConfirmed, input.Address,
		fmt.Sprintf("Locked %d units until %s", input.Amount, time.Unix(int64(unlock), 0).UTC().Format(time.RFC3339)))
	return SubmitResult{TxID: res.TxID}, nil
}

// WithdrawSimple releases the full balance after the unlock time.
func (s *Service) WithdrawSimple(ctx context.Context, address, txID string) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: address,
			AppID:  s.apps.SimpleID,
			Phase:  protocol.PhaseCall,
			Args:   [][]byte{protocol.OpWithdraw.Tag()},
		},
		ClientTxID: clientTxID(txID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{TxID: res.TxID}
	for _, p := range res.Payouts {
		out.Payout += p.Amount
	}
	if out.Payout > 0 {
		s.notify(ctx, notification.KindVaultUnlocked, address,
			fmt.Sprintf("Released %d units from your vault", out.Payout))
	}
	return out, nil
}

// CreateSavingsInput captures a new Smart Savings record.
type CreateSavingsInput struct {
	Address    string
	GoalAmount uint64
	LockDays   uint64
	Cause      string
	Password   string
}

// CreateSavings establishes a goal-tracked savings record unlocking in
// LockDays. Only the password's digest ever reaches storage.
func (s *Service) CreateSavings(ctx context.Context, input CreateSavingsInput) (SubmitResult, error) {
	unlock := uint64(s.eng.Now().Unix()) + input.LockDays*24*3600

	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: input.Address,
			AppID:  s.apps.SavingsID,
			Phase:  protocol.PhaseCall,
			Args: [][]byte{
				protocol.OpCreate.Tag(),
				protocol.PutUint64(input.GoalAmount),
				protocol.PutUint64(unlock),
				[]byte(input.Cause),
				[]byte(input.Password),
			},
		},
		ClientTxID: clientTxID(""),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TxID: res.TxID}, nil
}

// DepositSavingsInput captures one savings deposit.
type DepositSavingsInput struct {
	Address    string
	Amount     uint64
	ClientTxID string
}

// DepositSavings adds to the savings total; repeatable.
func (s *Service) DepositSavings(ctx context.Context, input DepositSavingsInput) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: input.Address,
			AppID:  s.apps.SavingsID,
			Phase:  protocol.PhaseCall,
			Args: [][]byte{
				protocol.OpDeposit.Tag(),
				protocol.PutUint64(input.Amount),
			},
		},
		Payment: &protocol.Payment{
			Sender:   input.Address,
			Receiver: ledger.CustodyAccount(s.apps.SavingsID),
			Amount:   input.Amount,
		},
		ClientTxID: clientTxID(input.ClientTxID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.notify(ctx, notification.KindDepositConfirmed, input.Address,
		fmt.Sprintf("Added %d units to your savings", input.Amount))
	return SubmitResult{TxID: res.TxID}, nil
}

// WithdrawSavings releases the full total after the unlock time.
func (s *Service) WithdrawSavings(ctx context.Context, address, txID string) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: address,
			AppID:  s.apps.SavingsID,
			Phase:  protocol.PhaseCall,
			Args:   [][]byte{protocol.OpWithdraw.Tag()},
		},
		ClientTxID: clientTxID(txID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{TxID: res.TxID}
	for _, p := range res.Payouts {
		out.Payout += p.Amount
	}
	if out.Payout > 0 {
		s.notify(ctx, notification.KindVaultUnlocked, address,
			fmt.Sprintf("Released %d units from your savings", out.Payout))
	}
	return out, nil
}

// EmergencyWithdraw is the password-gated early exit; the 2% penalty stays
// with the vault.
func (s *Service) EmergencyWithdraw(ctx context.Context, address, password, txID string) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: address,
			AppID:  s.apps.SavingsID,
			Phase:  protocol.PhaseCall,
			Args:   [][]byte{protocol.OpEmergency.Tag(), []byte(password)},
		},
		ClientTxID: clientTxID(txID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{TxID: res.TxID}
	for _, p := range res.Payouts {
		if p.ToAccount == ledger.DepositorAccount(address) {
			out.Payout += p.Amount
		}
	}
	s.notify(ctx, notification.KindEmergencyExecuted, address,
		fmt.Sprintf("Emergency withdrawal paid %d units after penalty", out.Payout))
	return out, nil
}

// CloseOutSimple removes the caller's Simple Vault partition.
func (s *Service) CloseOutSimple(ctx context.Context, address string) (SubmitResult, error) {
	return s.closeOut(ctx, s.apps.SimpleID, address)
}

// CloseOutSavings removes the caller's Smart Savings partition.
func (s *Service) CloseOutSavings(ctx context.Context, address string) (SubmitResult, error) {
	return s.closeOut(ctx, s.apps.SavingsID, address)
}

func (s *Service) closeOut(ctx context.Context, appID uint64, address string) (SubmitResult, error) {
	res, err := s.eng.Submit(ctx, engine.Group{
		Call:       protocol.AppCall{Sender: address, AppID: appID, Phase: protocol.PhaseCloseOut},
		ClientTxID: clientTxID(""),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TxID: res.TxID}, nil
}

// SimpleStatus is the decoded Simple Vault record plus display-only
// derivations.
type SimpleStatus struct {
	Address       string
	Balance       uint64
	UnlockTime    uint64
	Unlocked      bool
	TimeRemaining string
}

// SimpleVaultStatus decodes the caller's Simple Vault record.
func (s *Service) SimpleVaultStatus(ctx context.Context, address string) (SimpleStatus, error) {
	part, ok, err := s.eng.LocalState(ctx, s.apps.SimpleID, address)
	if err != nil {
		return SimpleStatus{}, err
	}
	if !ok {
		return SimpleStatus{}, fmt.Errorf("%w: account %s not opted in", protocol.ErrMalformedCall, address)
	}

	now := s.eng.Now().Unix()
	unlock := part.Uint(vault.KeyUnlock)
	return SimpleStatus{
		Address:       address,
		Balance:       part.Uint(vault.KeyAmount),
		UnlockTime:    unlock,
		Unlocked:      uint64(now) >= unlock,
		TimeRemaining: timeRemaining(now, unlock),
	}, nil
}

// SavingsStatus is the decoded Smart Savings record plus display-only
// derivations: goal progress and countdowns are recomputed on every read,
// never persisted.
type SavingsStatus struct {
	Address            string
	Total              uint64
	Goal               uint64
	GoalProgressPct    uint64
	Cause              string
	UnlockTime         uint64
	Unlocked           bool
	TimeRemaining      string
	CreatedAt          uint64
	LastDepositAt      uint64
	EmergencyAvailable bool
	EmergencyOpensAt   uint64
}

// SmartSavingsStatus decodes the caller's savings record.
func (s *Service) SmartSavingsStatus(ctx context.Context, address string) (SavingsStatus, error) {
	part, ok, err := s.eng.LocalState(ctx, s.apps.SavingsID, address)
	if err != nil {
		return SavingsStatus{}, err
	}
	if !ok || !part.Has(savings.KeyOwner) {
		return SavingsStatus{}, fmt.Errorf("%w: no savings record for %s", protocol.ErrMalformedCall, address)
	}

	now := s.eng.Now().Unix()
	total := part.Uint(savings.KeyTotal)
	goal := part.Uint(savings.KeyGoal)
	unlock := part.Uint(savings.KeyUnlock)
	created := part.Uint(savings.KeyCreatedAt)
	emergencyAt := created + savings.EmergencyDelay

	var progress uint64
	if goal > 0 {
		progress = total * 100 / goal
	}

	return SavingsStatus{
		Address:            address,
		Total:              total,
		Goal:               goal,
		GoalProgressPct:    progress,
		Cause:              string(part.Bytes(savings.KeyCause)),
		UnlockTime:         unlock,
		Unlocked:           uint64(now) >= unlock,
		TimeRemaining:      timeRemaining(now, unlock),
		CreatedAt:          created,
		LastDepositAt:      part.Uint(savings.KeyLastDeposit),
		EmergencyAvailable: uint64(now) >= emergencyAt,
		EmergencyOpensAt:   emergencyAt,
	}, nil
}

func (s *Service) lockbox() (uint64, error) {
	if s.apps.LockboxID == 0 {
		return 0, fmt.Errorf("%w: no lockbox deployed", protocol.ErrMalformedCall)
	}
	return s.apps.LockboxID, nil
}

// DepositLockboxInput captures a lockbox contribution. Any registered
// depositor may contribute; the credited amount is the transfer itself.
type DepositLockboxInput struct {
	Address    string
	Amount     uint64
	ClientTxID string
}

// DepositLockbox pays into the shared beneficiary lockbox.
func (s *Service) DepositLockbox(ctx context.Context, input DepositLockboxInput) (SubmitResult, error) {
	appID, err := s.lockbox()
	if err != nil {
		return SubmitResult{}, err
	}

	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: input.Address,
			AppID:  appID,
			Phase:  protocol.PhaseCall,
			Args:   [][]byte{protocol.OpDeposit.Tag()},
		},
		Payment: &protocol.Payment{
			Sender:   input.Address,
			Receiver: ledger.CustodyAccount(appID),
			Amount:   input.Amount,
		},
		ClientTxID: clientTxID(input.ClientTxID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.notify(ctx, notification.KindDepositConfirmed, input.Address,
		fmt.Sprintf("Contributed %d units to the lockbox", input.Amount))
	return SubmitResult{TxID: res.TxID}, nil
}

// WithdrawLockbox releases the lockbox to its beneficiary after the unlock.
func (s *Service) WithdrawLockbox(ctx context.Context, address, txID string) (SubmitResult, error) {
	appID, err := s.lockbox()
	if err != nil {
		return SubmitResult{}, err
	}

	res, err := s.eng.Submit(ctx, engine.Group{
		Call: protocol.AppCall{
			Sender: address,
			AppID:  appID,
			Phase:  protocol.PhaseCall,
			Args:   [][]byte{protocol.OpWithdraw.Tag()},
		},
		ClientTxID: clientTxID(txID),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{TxID: res.TxID}
	for _, p := range res.Payouts {
		out.Payout += p.Amount
	}
	if out.Payout > 0 {
		s.notify(ctx, notification.KindVaultUnlocked, address,
			fmt.Sprintf("Released %d units from the lockbox", out.Payout))
	}
	return out, nil
}

// LockboxStatus is the decoded shared lockbox record.
type LockboxStatus struct {
	Beneficiary   string
	Balance       uint64
	UnlockTime    uint64
	Unlocked      bool
	TimeRemaining string
}

// LockboxState decodes the shared lockbox record.
func (s *Service) LockboxState(ctx context.Context) (LockboxStatus, error) {
	appID, err := s.lockbox()
	if err != nil {
		return LockboxStatus{}, err
	}
	part, err := s.eng.GlobalState(ctx, appID)
	if err != nil {
		return LockboxStatus{}, err
	}

	now := s.eng.Now().Unix()
	unlock := part.Uint(vault.LockboxKeyUnlock)
	return LockboxStatus{
		Beneficiary:   string(part.Bytes(vault.LockboxKeyBeneficiary)),
		Balance:       part.Uint(vault.LockboxKeyAmount),
		UnlockTime:    unlock,
		Unlocked:      uint64(now) >= unlock,
		TimeRemaining: timeRemaining(now, unlock),
	}, nil
}

// Balance returns the depositor's spendable ledger balance.
func (s *Service) Balance(ctx context.Context, address string) (int64, error) {
	return s.led.Balance(ctx, ledger.DepositorAccount(address))
}

func (s *Service) notify(ctx context.Context, kind, destination, body string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Send(ctx, notification.Message{Kind: kind, Destination: destination, Body: body})
}

// timeRemaining renders a human countdown to the unlock time. Derived
// fresh on every read against the trusted clock.
func timeRemaining(now int64, unlock uint64) string {
	if uint64(now) >= unlock {
		return "unlocked"
	}
	remaining := unlock - uint64(now)

	days := remaining / 86400
	hours := (remaining % 86400) / 3600
	minutes := (remaining % 3600) / 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d day%s", days, plural(days)))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d hour%s", hours, plural(hours)))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d minute%s", minutes, plural(minutes)))
	}
	if len(parts) == 0 {
		return "less than 1 minute"
	}
	return strings.Join(parts, ", ")
}

func plural(n uint64) string {
	if n == 1 {
		return ""
	}
	return "s"
}

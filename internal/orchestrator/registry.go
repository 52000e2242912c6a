package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chain-vault/chain_vault/internal/ledger"
)

// Depositor is a registered API identity backed by a ledger account. Vault
// ownership itself is enforced on-chain; the PIN only guards this HTTP
// surface.
type Depositor struct {
	ID        string
	Address   string
	PINHash   []byte
	CreatedAt time.Time
}

// Repository persists depositor records.
type Repository interface {
	Create(ctx context.Context, d Depositor) error
	FindByAddress(ctx context.Context, address string) (Depositor, error)
}

// ErrInvalidCredentials indicates a failed address/PIN check.
var ErrInvalidCredentials = errors.New("invalid address or PIN")

// FaucetAccountCode is the development faucet's ledger account. It must be
// seeded at wiring time for faucet credits to succeed.
const FaucetAccountCode = "faucet:dev"

// Registry manages depositor lifecycle.
type Registry struct {
	repo Repository
	led  ledger.Ledger

	// faucetAmount credits new depositors in development mode; zero
	// disables the faucet.
	faucetAmount int64
}

// NewRegistry creates a depositor registry.
func NewRegistry(repo Repository, led ledger.Ledger, faucetAmount int64) *Registry {
	return &Registry{repo: repo, led: led, faucetAmount: faucetAmount}
}

// Register provisions a depositor identity: a fresh address, a hashed PIN,
// and a ledger account, optionally seeded from the faucet.
func (r *Registry) Register(ctx context.Context, pin string) (Depositor, error) {
	if len(pin) < 4 {
		return Depositor{}, errors.New("PIN must be at least 4 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return Depositor{}, err
	}

	d := Depositor{
		ID:        uuid.New().String(),
		Address:   uuid.New().String(),
		PINHash:   hash,
		CreatedAt: time.Now().UTC(),
	}

	if err := r.led.EnsureAccount(ctx, ledger.DepositorAccount(d.Address)); err != nil {
		return Depositor{}, err
	}

	if r.faucetAmount > 0 {
		if _, err := r.led.Transfer(ctx, FaucetAccountCode, ledger.DepositorAccount(d.Address), ledger.KindFaucet, d.ID, r.faucetAmount); err != nil {
			return Depositor{}, err
		}
	}

	if err := r.repo.Create(ctx, d); err != nil {
		return Depositor{}, err
	}

	return d, nil
}

// Authenticate verifies the depositor's PIN.
func (r *Registry) Authenticate(ctx context.Context, address, pin string) (Depositor, error) {
	d, err := r.repo.FindByAddress(ctx, address)
	if err != nil {
		return Depositor{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(d.PINHash, []byte(pin)); err != nil {
		return Depositor{}, ErrInvalidCredentials
	}
	return d, nil
}

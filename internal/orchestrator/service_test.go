package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/logging"
	"github.com/chain-vault/chain_vault/internal/orchestrator"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/savings"
	"github.com/chain-vault/chain_vault/internal/state"
	"github.com/chain-vault/chain_vault/internal/vault"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	svc   *orchestrator.Service
	led   ledger.Ledger
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	led := ledger.NewInMemory()
	eng := engine.New(state.NewInMemory(), led, logging.Discard(), engine.Options{Clock: clock})

	simpleID, err := eng.Deploy(context.Background(), vault.New(), "creator", nil, state.Partition{
		"asset_id": state.UintValue(0),
	})
	if err != nil {
		t.Fatalf("deploy simple vault: %v", err)
	}
	savingsID, err := eng.Deploy(context.Background(), savings.New(), "creator", nil, state.Partition{
		"asset_id": state.UintValue(0),
	})
	if err != nil {
		t.Fatalf("deploy smart savings: %v", err)
	}
	lockboxID, err := eng.Deploy(context.Background(), vault.NewLockbox(), "creator", [][]byte{
		protocol.PutUint64(uint64(clock.now.Unix()) + 3600),
		[]byte("addr-ben"),
	}, state.Partition{"asset_id": state.UintValue(0)})
	if err != nil {
		t.Fatalf("deploy lockbox: %v", err)
	}

	svc := orchestrator.NewService(eng, led, nil, logging.Discard(), orchestrator.Apps{
		SimpleID:  simpleID,
		SavingsID: savingsID,
		LockboxID: lockboxID,
	})
	return &fixture{svc: svc, led: led, clock: clock}
}

func (f *fixture) fund(t *testing.T, address string, amount int64) {
	t.Helper()
	ledger.SeedBalance(f.led, ledger.DepositorAccount(address), amount)
}

func (f *fixture) balance(t *testing.T, address string) int64 {
	t.Helper()
	bal, err := f.svc.Balance(context.Background(), address)
	if err != nil {
		t.Fatalf("balance %s: %v", address, err)
	}
	return bal
}

func TestSimpleVaultLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const depositor = "addr-alice"
	f.fund(t, depositor, 10_000_000)

	if _, err := f.svc.OptInSimple(ctx, depositor); err != nil {
		t.Fatalf("opt in: %v", err)
	}

	if _, err := f.svc.DepositSimple(ctx, orchestrator.DepositSimpleInput{
		Address:     depositor,
		Amount:      5_000_000,
		LockSeconds: 3600,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := f.balance(t, depositor); got != 5_000_000 {
		t.Fatalf("expected depositor balance 5000000 after deposit, got %d", got)
	}

	status, err := f.svc.SimpleVaultStatus(ctx, depositor)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Balance != 5_000_000 {
		t.Fatalf("expected locked balance 5000000, got %d", status.Balance)
	}
	if status.Unlocked {
		t.Fatal("vault must report locked before the unlock time")
	}
	if status.TimeRemaining != "1 hour" {
		t.Fatalf("expected countdown '1 hour', got %q", status.TimeRemaining)
	}

	if _, err := f.svc.WithdrawSimple(ctx, depositor, ""); !errors.Is(err, protocol.ErrTimelock) {
		t.Fatalf("early withdrawal must hit the timelock, got %v", err)
	}
	if got := f.balance(t, depositor); got != 5_000_000 {
		t.Fatalf("rejected withdrawal must not move funds, balance %d", got)
	}

	f.clock.advance(3601 * time.Second)

	res, err := f.svc.WithdrawSimple(ctx, depositor, "")
	if err != nil {
		t.Fatalf("withdraw after unlock: %v", err)
	}
	if res.Payout != 5_000_000 {
		t.Fatalf("expected payout 5000000, got %d", res.Payout)
	}
	if got := f.balance(t, depositor); got != 10_000_000 {
		t.Fatalf("expected full balance restored, got %d", got)
	}
}

func TestSmartSavingsGoalProgressAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const depositor = "addr-bob"
	f.fund(t, depositor, 200_000)

	if _, err := f.svc.OptInSavings(ctx, depositor); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if _, err := f.svc.CreateSavings(ctx, orchestrator.CreateSavingsInput{
		Address:    depositor,
		GoalAmount: 100_000,
		LockDays:   30,
		Cause:      "new laptop",
		Password:   "hunter2-strong",
	}); err != nil {
		t.Fatalf("create savings: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.DepositSavings(ctx, orchestrator.DepositSavingsInput{
			Address: depositor,
			Amount:  20_000,
		}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	status, err := f.svc.SmartSavingsStatus(ctx, depositor)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Total != 60_000 {
		t.Fatalf("expected total 60000, got %d", status.Total)
	}
	if status.GoalProgressPct != 60 {
		t.Fatalf("expected 60%% progress, got %d", status.GoalProgressPct)
	}
	if status.Cause != "new laptop" {
		t.Fatalf("unexpected cause %q", status.Cause)
	}
	if !strings.Contains(status.TimeRemaining, "day") {
		t.Fatalf("expected day-scale countdown, got %q", status.TimeRemaining)
	}
	if status.EmergencyAvailable {
		t.Fatal("emergency path must stay closed for the first 7 days")
	}

	// Missing the goal never blocks a withdrawal once the time passes.
	f.clock.advance(30*24*time.Hour + time.Second)

	res, err := f.svc.WithdrawSavings(ctx, depositor, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Payout != 60_000 {
		t.Fatalf("expected payout 60000, got %d", res.Payout)
	}
	if got := f.balance(t, depositor); got != 200_000 {
		t.Fatalf("expected full balance back, got %d", got)
	}
}

func TestEmergencyWithdrawKeepsPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const depositor = "addr-carol"
	f.fund(t, depositor, 100_000)

	if _, err := f.svc.OptInSavings(ctx, depositor); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if _, err := f.svc.CreateSavings(ctx, orchestrator.CreateSavingsInput{
		Address:    depositor,
		GoalAmount: 500_000,
		LockDays:   90,
		Cause:      "rainy day",
		Password:   "open-sesame",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.DepositSavings(ctx, orchestrator.DepositSavingsInput{
		Address: depositor,
		Amount:  40_000,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Correct password, but the record is too young.
	f.clock.advance(5 * 24 * time.Hour)
	if _, err := f.svc.EmergencyWithdraw(ctx, depositor, "open-sesame", ""); !errors.Is(err, protocol.ErrTimelock) {
		t.Fatalf("expected timelock rejection at day 5, got %v", err)
	}

	f.clock.advance(5 * 24 * time.Hour)

	// Wrong password rejects no matter how much time has passed.
	if _, err := f.svc.EmergencyWithdraw(ctx, depositor, "wrong", ""); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}

	res, err := f.svc.EmergencyWithdraw(ctx, depositor, "open-sesame", "")
	if err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if res.Payout != 39_200 {
		t.Fatalf("expected 98%% payout 39200, got %d", res.Payout)
	}
	if got := f.balance(t, depositor); got != 99_200 {
		t.Fatalf("expected depositor balance 99200, got %d", got)
	}

	reserve, err := f.led.Balance(ctx, ledger.PenaltyReserveAccountCode)
	if err != nil {
		t.Fatalf("reserve balance: %v", err)
	}
	if reserve != 800 {
		t.Fatalf("expected penalty reserve 800, got %d", reserve)
	}
}

func TestStatusRequiresRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SimpleVaultStatus(ctx, "nobody"); err == nil {
		t.Fatal("expected error for unknown simple vault account")
	}
	if _, err := f.svc.SmartSavingsStatus(ctx, "nobody"); err == nil {
		t.Fatal("expected error for unknown savings account")
	}
}

func TestLockboxContributionsAndBeneficiaryWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "addr-dave", 1_000)
	f.fund(t, "addr-erin", 1_000)

	// Anyone may contribute; no opt-in required.
	if _, err := f.svc.DepositLockbox(ctx, orchestrator.DepositLockboxInput{Address: "addr-dave", Amount: 400}); err != nil {
		t.Fatalf("dave deposit: %v", err)
	}
	if _, err := f.svc.DepositLockbox(ctx, orchestrator.DepositLockboxInput{Address: "addr-erin", Amount: 600}); err != nil {
		t.Fatalf("erin deposit: %v", err)
	}

	status, err := f.svc.LockboxState(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Beneficiary != "addr-ben" {
		t.Fatalf("unexpected beneficiary %q", status.Beneficiary)
	}
	if status.Balance != 1_000 {
		t.Fatalf("expected balance 1000, got %d", status.Balance)
	}
	if status.Unlocked {
		t.Fatal("lockbox must report locked before the unlock time")
	}

	// Contributors cannot withdraw, and the beneficiary must wait.
	if _, err := f.svc.WithdrawLockbox(ctx, "addr-dave", ""); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for contributor, got %v", err)
	}
	if _, err := f.svc.WithdrawLockbox(ctx, "addr-ben", ""); !errors.Is(err, protocol.ErrTimelock) {
		t.Fatalf("expected timelock before unlock, got %v", err)
	}

	f.clock.advance(3601 * time.Second)

	res, err := f.svc.WithdrawLockbox(ctx, "addr-ben", "")
	if err != nil {
		t.Fatalf("beneficiary withdraw: %v", err)
	}
	if res.Payout != 1_000 {
		t.Fatalf("expected payout 1000, got %d", res.Payout)
	}
	bal, err := f.svc.Balance(ctx, "addr-ben")
	if err != nil {
		t.Fatalf("beneficiary balance: %v", err)
	}
	if bal != 1_000 {
		t.Fatalf("expected beneficiary balance 1000, got %d", bal)
	}
}

func TestLockboxUndeployedRejects(t *testing.T) {
	led := ledger.NewInMemory()
	eng := engine.New(state.NewInMemory(), led, logging.Discard(), engine.Options{})
	svc := orchestrator.NewService(eng, led, nil, logging.Discard(), orchestrator.Apps{SimpleID: 1, SavingsID: 2})

	if _, err := svc.DepositLockbox(context.Background(), orchestrator.DepositLockboxInput{Address: "addr", Amount: 1}); !errors.Is(err, protocol.ErrMalformedCall) {
		t.Fatalf("expected malformed-call rejection, got %v", err)
	}
	if _, err := svc.LockboxState(context.Background()); !errors.Is(err, protocol.ErrMalformedCall) {
		t.Fatalf("expected malformed-call rejection, got %v", err)
	}
}

func TestRegistryRegisterAndAuthenticate(t *testing.T) {
	led := ledger.NewInMemory()
	ledger.SeedBalance(led, orchestrator.FaucetAccountCode, 1_000_000)
	reg := orchestrator.NewRegistry(orchestrator.NewMemoryRepository(), led, 50_000)

	d, err := reg.Register(context.Background(), "4321")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Address == "" {
		t.Fatal("expected a generated address")
	}

	bal, err := led.Balance(context.Background(), ledger.DepositorAccount(d.Address))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 50_000 {
		t.Fatalf("expected faucet credit 50000, got %d", bal)
	}

	if _, err := reg.Authenticate(context.Background(), d.Address, "4321"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := reg.Authenticate(context.Background(), d.Address, "9999"); !errors.Is(err, orchestrator.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := reg.Authenticate(context.Background(), "missing", "4321"); !errors.Is(err, orchestrator.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown address, got %v", err)
	}

	if _, err := reg.Register(context.Background(), "123"); err == nil {
		t.Fatal("expected short PIN rejection")
	}
}

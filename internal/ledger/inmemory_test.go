package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestInMemoryLedger_TransferMaintainsBalance(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()

	if err := l.EnsureAccount(ctx, DepositorAccount("alice")); err != nil {
		t.Fatalf("ensure depositor: %v", err)
	}
	if err := l.EnsureAccount(ctx, CustodyAccount(1)); err != nil {
		t.Fatalf("ensure custody: %v", err)
	}

	SeedBalance(l, DepositorAccount("alice"), 10_000)

	res, err := l.Transfer(ctx, DepositorAccount("alice"), CustodyAccount(1), KindDeposit, "client-1", 1_500)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if res.FromBalance != 8_500 {
		t.Fatalf("expected from balance 8500, got %d", res.FromBalance)
	}
	if res.ToBalance != 1_500 {
		t.Fatalf("expected custody balance 1500, got %d", res.ToBalance)
	}

	ledgerImpl := l.(*inMemoryLedger)
	total := ledgerImpl.balances[DepositorAccount("alice")] + ledgerImpl.balances[CustodyAccount(1)]
	if total != 10_000 {
		t.Fatalf("ledger not balanced, total=%d", total)
	}
}

func TestInMemoryLedger_DuplicateTransaction(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.EnsureAccount(ctx, DepositorAccount("alice"))
	l.EnsureAccount(ctx, CustodyAccount(1))
	SeedBalance(l, DepositorAccount("alice"), 5_000)

	if _, err := l.Transfer(ctx, DepositorAccount("alice"), CustodyAccount(1), KindDeposit, "dup", 500); err != nil {
		t.Fatalf("initial transfer failed: %v", err)
	}
	if _, err := l.Transfer(ctx, DepositorAccount("alice"), CustodyAccount(1), KindDeposit, "dup", 500); err != ErrDuplicateTransaction {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestInMemoryLedger_InsufficientFunds(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.EnsureAccount(ctx, CustodyAccount(1))
	l.EnsureAccount(ctx, DepositorAccount("alice"))

	if _, err := l.Transfer(ctx, CustodyAccount(1), DepositorAccount("alice"), KindWithdraw, "w-1", 100); err != ErrInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestInMemoryLedger_ConcurrentTransfers(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.EnsureAccount(ctx, DepositorAccount("alice"))
	l.EnsureAccount(ctx, CustodyAccount(1))
	SeedBalance(l, DepositorAccount("alice"), 100_000)
	ledgerImpl := l.(*inMemoryLedger)

	const workers = 10
	const amount = int64(500)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txID := fmt.Sprintf("tx-%d", i)
			if _, err := l.Transfer(ctx, DepositorAccount("alice"), CustodyAccount(1), KindDeposit, txID, amount); err != nil {
				t.Errorf("transfer %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	total := ledgerImpl.balances[DepositorAccount("alice")] + ledgerImpl.balances[CustodyAccount(1)]
	if total != 100_000 {
		t.Fatalf("ledger not balanced after concurrency, total=%d", total)
	}
}

func TestInMemoryLedger_PenaltyPostingConservesValue(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.EnsureAccount(ctx, CustodyAccount(1))
	l.EnsureAccount(ctx, DepositorAccount("alice"))
	l.EnsureAccount(ctx, PenaltyReserveAccountCode)
	SeedBalance(l, CustodyAccount(1), 40_000)

	if _, err := l.Transfer(ctx, CustodyAccount(1), DepositorAccount("alice"), KindEmergency, "e-1", 39_200); err != nil {
		t.Fatalf("payout posting: %v", err)
	}
	if _, err := l.Transfer(ctx, CustodyAccount(1), PenaltyReserveAccountCode, KindPenalty, "e-1", 800); err != nil {
		t.Fatalf("penalty posting: %v", err)
	}

	ledgerImpl := l.(*inMemoryLedger)
	if ledgerImpl.balances[CustodyAccount(1)] != 0 {
		t.Fatalf("custody should be drained, got %d", ledgerImpl.balances[CustodyAccount(1)])
	}
	if ledgerImpl.balances[PenaltyReserveAccountCode] != 800 {
		t.Fatalf("penalty reserve should hold 800, got %d", ledgerImpl.balances[PenaltyReserveAccountCode])
	}
}

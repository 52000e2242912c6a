package state

import (
	"bytes"
	"context"
	"testing"
)

func TestInMemoryStore_OptInAndApply(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if err := s.OptIn(ctx, 1, "addr-a", Partition{"amount": UintValue(0)}); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if err := s.OptIn(ctx, 1, "addr-a", nil); err != ErrAlreadyOptedIn {
		t.Fatalf("expected already opted in, got %v", err)
	}

	part, ok, err := s.Local(ctx, 1, "addr-a")
	if err != nil || !ok {
		t.Fatalf("local lookup: ok=%v err=%v", ok, err)
	}
	if part.Uint("amount") != 0 {
		t.Fatalf("expected zero balance, got %d", part.Uint("amount"))
	}

	delta := Delta{Local: Partition{
		"amount": UintValue(5_000),
		"owner":  BytesValue([]byte("addr-a")),
	}}
	if err := s.Apply(ctx, 1, "addr-a", delta); err != nil {
		t.Fatalf("apply: %v", err)
	}

	part, _, _ = s.Local(ctx, 1, "addr-a")
	if part.Uint("amount") != 5_000 {
		t.Fatalf("expected 5000, got %d", part.Uint("amount"))
	}
	if !bytes.Equal(part.Bytes("owner"), []byte("addr-a")) {
		t.Fatalf("unexpected owner %q", part.Bytes("owner"))
	}
}

func TestInMemoryStore_ApplyRequiresOptIn(t *testing.T) {
	s := NewInMemory()
	err := s.Apply(context.Background(), 1, "ghost", Delta{Local: Partition{"amount": UintValue(1)}})
	if err != ErrNotOptedIn {
		t.Fatalf("expected not opted in, got %v", err)
	}
}

func TestInMemoryStore_ClearLocalRemovesPartition(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.OptIn(ctx, 1, "addr-a", Partition{"total": UintValue(9)}); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if err := s.Apply(ctx, 1, "addr-a", Delta{ClearLocal: true}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Local(ctx, 1, "addr-a"); ok {
		t.Fatal("partition should be gone after close-out")
	}
}

func TestInMemoryStore_SnapshotsDoNotAlias(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.OptIn(ctx, 1, "addr-a", Partition{"cause": BytesValue([]byte("tuition"))}); err != nil {
		t.Fatalf("opt in: %v", err)
	}

	part, _, _ := s.Local(ctx, 1, "addr-a")
	part.Bytes("cause")[0] = 'X'
	part["extra"] = UintValue(1)

	fresh, _, _ := s.Local(ctx, 1, "addr-a")
	if !bytes.Equal(fresh.Bytes("cause"), []byte("tuition")) {
		t.Fatalf("stored bytes mutated through snapshot: %q", fresh.Bytes("cause"))
	}
	if fresh.Has("extra") {
		t.Fatal("stored partition mutated through snapshot")
	}
}

func TestInMemoryStore_GlobalRecord(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.SetGlobal(ctx, 7, Partition{"asset_id": UintValue(4242)}); err != nil {
		t.Fatalf("set global: %v", err)
	}
	g, err := s.Global(ctx, 7)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if g.Uint("asset_id") != 4242 {
		t.Fatalf("expected asset id 4242, got %d", g.Uint("asset_id"))
	}
}

package state

import (
	"context"
	"errors"
)

var (
	// ErrNotOptedIn occurs when a call targets an account partition that
	// does not exist.
	ErrNotOptedIn = errors.New("account not opted in")

	// ErrAlreadyOptedIn occurs when opt-in is attempted twice for the same
	// account.
	ErrAlreadyOptedIn = errors.New("account already opted in")
)

// Kind discriminates the two value shapes a partition key may hold.
type Kind int

const (
	KindUint Kind = iota
	KindBytes
)

// Value is a tagged union of the two storable shapes: an unsigned integer
// or a raw byte string.
type Value struct {
	Kind  Kind
	Uint  uint64
	Bytes []byte
}

// UintValue wraps an integer for storage.
func UintValue(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// BytesValue wraps a byte string for storage.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Partition is one account's key-value slice of application state, or the
// application's shared global record.
type Partition map[string]Value

// Uint reads an integer key, returning zero when absent. Absent keys read
// as zero so transition code can treat "never written" and "written zero"
// uniformly.
func (p Partition) Uint(key string) uint64 {
	v, ok := p[key]
	if !ok || v.Kind != KindUint {
		return 0
	}
	return v.Uint
}

// Bytes reads a byte-string key, returning nil when absent.
func (p Partition) Bytes(key string) []byte {
	v, ok := p[key]
	if !ok || v.Kind != KindBytes {
		return nil
	}
	return v.Bytes
}

// Has reports whether the key was ever written.
func (p Partition) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a deep copy so evaluators can work on snapshots without
// aliasing stored byte slices.
func (p Partition) Clone() Partition {
	if p == nil {
		return nil
	}
	out := make(Partition, len(p))
	for k, v := range p {
		if v.Kind == KindBytes {
			b := make([]byte, len(v.Bytes))
			copy(b, v.Bytes)
			v.Bytes = b
		}
		out[k] = v
	}
	return out
}

// Delta is the staged write set of one accepted transition. It is applied
// in full or not at all.
type Delta struct {
	// Local keys are merged into the sender's partition.
	Local Partition
	// Global keys are merged into the application's shared record.
	Global Partition
	// ClearLocal removes the sender's partition entirely (close-out).
	ClearLocal bool
}

// Empty reports whether applying the delta would change nothing.
func (d Delta) Empty() bool {
	return len(d.Local) == 0 && len(d.Global) == 0 && !d.ClearLocal
}

// Store persists application state partitioned per account, plus one shared
// global record per application. Writes from one accepted call are atomic:
// a rejected transition leaves no trace, and a failed Apply must not commit
// a subset of the delta.
type Store interface {
	// Global returns a snapshot of the application's shared record.
	Global(ctx context.Context, appID uint64) (Partition, error)
	// SetGlobal replaces the shared record. Called once at deployment; the
	// record is read-only thereafter.
	SetGlobal(ctx context.Context, appID uint64, p Partition) error
	// Local returns a snapshot of one account's partition and whether the
	// account has opted in.
	Local(ctx context.Context, appID uint64, addr string) (Partition, bool, error)
	// OptIn creates the account partition with its initial keys.
	OptIn(ctx context.Context, appID uint64, addr string, init Partition) error
	// Apply commits the delta against the account's partition atomically.
	Apply(ctx context.Context, appID uint64, addr string, delta Delta) error
}

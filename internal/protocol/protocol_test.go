package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseOpKnownTags(t *testing.T) {
	cases := map[string]Op{
		"create":    OpCreate,
		"deposit":   OpDeposit,
		"withdraw":  OpWithdraw,
		"emergency": OpEmergency,
	}
	for tag, want := range cases {
		op, err := ParseOp([]byte(tag))
		if err != nil {
			t.Fatalf("parse %q: %v", tag, err)
		}
		if op != want {
			t.Fatalf("parse %q: got %v want %v", tag, op, want)
		}
		if !bytes.Equal(op.Tag(), []byte(tag)) {
			t.Fatalf("round trip %q: got %q", tag, op.Tag())
		}
	}
}

func TestParseOpUnknownTagFailsClosed(t *testing.T) {
	if _, err := ParseOp([]byte("drain")); !errors.Is(err, ErrMalformedCall) {
		t.Fatalf("expected malformed call, got %v", err)
	}
	if _, err := ParseOp(nil); !errors.Is(err, ErrMalformedCall) {
		t.Fatalf("expected malformed call for empty tag, got %v", err)
	}
}

func TestUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 604800, 5_000_000, 1<<63 + 7} {
		got, err := Uint64(PutUint64(v))
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestUint64IsBigEndian(t *testing.T) {
	// The wire layout is bit-exact: most significant byte first.
	b := PutUint64(0x0102030405060708)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(b, want) {
		t.Fatalf("got % x want % x", b, want)
	}
}

func TestUint64RejectsWrongWidth(t *testing.T) {
	for _, b := range [][]byte{nil, {1}, {1, 2, 3, 4, 5, 6, 7}, make([]byte, 9)} {
		if _, err := Uint64(b); !errors.Is(err, ErrMalformedCall) {
			t.Fatalf("width %d: expected malformed call, got %v", len(b), err)
		}
	}
}

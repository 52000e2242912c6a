package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Rejection taxonomy. Every failed call maps to exactly one of these; the
// engine rejects the whole transition, so callers never observe partial
// state.
var (
	// ErrUnauthorized occurs when the caller is not the record owner, or the
	// supplied emergency password digest does not match the stored one.
	ErrUnauthorized = errors.New("caller not authorized")

	// ErrTimelock occurs when a withdrawal is attempted before its unlock
	// predicate holds.
	ErrTimelock = errors.New("timelock not expired")

	// ErrMalformedCall covers unknown operation tags, wrong argument counts
	// or widths, and calls against accounts that were never initialized.
	ErrMalformedCall = errors.New("malformed call")

	// ErrBadGroup indicates a deposit's paired value transfer is missing,
	// mis-addressed, or the group has the wrong shape.
	ErrBadGroup = errors.New("invalid transaction group")
)

// Phase identifies the lifecycle stage of an application call.
type Phase int

const (
	PhaseCreate Phase = iota
	PhaseOptIn
	PhaseCall
	PhaseCloseOut
)

func (p Phase) String() string {
	switch p {
	case PhaseCreate:
		return "create"
	case PhaseOptIn:
		return "optin"
	case PhaseCall:
		return "call"
	case PhaseCloseOut:
		return "closeout"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Op is the closed set of operation tags a vault program understands.
// Unknown tags never fall through: ParseOp rejects them up front.
type Op int

const (
	OpCreate Op = iota
	OpDeposit
	OpWithdraw
	OpEmergency
)

const (
	tagCreate    = "create"
	tagDeposit   = "deposit"
	tagWithdraw  = "withdraw"
	tagEmergency = "emergency"
)

// ParseOp maps a raw tag argument to its operation.
func ParseOp(tag []byte) (Op, error) {
	switch string(tag) {
	case tagCreate:
		return OpCreate, nil
	case tagDeposit:
		return OpDeposit, nil
	case tagWithdraw:
		return OpWithdraw, nil
	case tagEmergency:
		return OpEmergency, nil
	default:
		return 0, fmt.Errorf("%w: unknown operation %q", ErrMalformedCall, tag)
	}
}

// Tag returns the wire representation of the operation.
func (o Op) Tag() []byte {
	switch o {
	case OpCreate:
		return []byte(tagCreate)
	case OpDeposit:
		return []byte(tagDeposit)
	case OpWithdraw:
		return []byte(tagWithdraw)
	case OpEmergency:
		return []byte(tagEmergency)
	default:
		return nil
	}
}

func (o Op) String() string { return string(o.Tag()) }

// Integer operands travel as fixed-width 8-byte big-endian values.

// PutUint64 encodes v in the call wire format.
func PutUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// Uint64 decodes a fixed-width integer operand.
func Uint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: integer operand must be 8 bytes, got %d", ErrMalformedCall, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// AppCall is a tagged application call as submitted by the orchestrator.
// Args[0] carries the operation tag for PhaseCall transactions.
type AppCall struct {
	Sender string
	AppID  uint64
	Phase  Phase
	Args   [][]byte
}

// Payment is a value transfer between ledger identities. In a deposit group
// it is the caller-signed leg into custody; on withdrawal it is issued by
// the vault's custody authority.
type Payment struct {
	Sender   string
	Receiver string
	Amount   uint64
}

// Package engine hosts vault programs the way a ledger's execution
// environment would: it routes lifecycle phases and tagged operations to a
// program's transition evaluator, validates transaction groups, and commits
// the resulting state delta and custody postings atomically. Calls against
// an application are fully serialized; a rejected transition leaves no
// observable effect.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/state"
)

// Clock supplies the trusted timestamp transitions are evaluated against.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock { return systemClock{} }

// Context carries everything a transition evaluator may consult: caller
// identity, decoded call arguments, the trusted timestamp, snapshots of the
// caller's partition and the global record, and the paired group leg.
// Evaluators are pure functions of this value.
type Context struct {
	Sender      string
	Args        [][]byte
	Now         int64
	Local       state.Partition
	Global      state.Partition
	OptedIn     bool
	Payment     *protocol.Payment
	GroupSize   int
	CustodyAddr string

	// AllowLossyCloseOut permits close-out while the record still holds
	// value, stranding it in custody. Off by default.
	AllowLossyCloseOut bool
}

// RequireInitialized rejects operations against accounts that never opted
// in or never ran their create operation.
func (tc Context) RequireInitialized() error {
	if !tc.OptedIn {
		return fmt.Errorf("%w: account %s not initialized", protocol.ErrMalformedCall, tc.Sender)
	}
	return nil
}

// RequireDepositLeg asserts the paired value transfer of a deposit: the
// group must hold exactly the call plus one payment, signed by the caller,
// addressed to the vault's custody account, for the declared amount.
func (tc Context) RequireDepositLeg(amount uint64) error {
	if tc.GroupSize != 2 || tc.Payment == nil {
		return fmt.Errorf("%w: deposit requires a paired transfer", protocol.ErrBadGroup)
	}
	if tc.Payment.Sender != tc.Sender {
		return fmt.Errorf("%w: transfer signed by %s, call by %s", protocol.ErrBadGroup, tc.Payment.Sender, tc.Sender)
	}
	if tc.Payment.Receiver != tc.CustodyAddr {
		return fmt.Errorf("%w: transfer receiver %s is not the custody address", protocol.ErrBadGroup, tc.Payment.Receiver)
	}
	if tc.Payment.Amount != amount {
		return fmt.Errorf("%w: transfer amount %d does not match declared %d", protocol.ErrBadGroup, tc.Payment.Amount, amount)
	}
	return nil
}

// Payout is an outbound value transfer issued by the vault's custody
// authority as part of an accepted transition.
type Payout struct {
	// ToAccount is a ledger account code.
	ToAccount string
	Amount    uint64
	// Kind labels the posting for idempotency and audit.
	Kind string
}

// Transition is the evaluator's accept result: staged state writes plus the
// custody payouts to issue with them.
type Transition struct {
	Delta   state.Delta
	Payouts []Payout

	// ConsumesPayment records that the evaluator asserted the group's
	// payment leg. The dispatcher rejects any group carrying a payment no
	// evaluator consumed, so a stray transfer can never slip into custody
	// without a matching record credit.
	ConsumesPayment bool
}

// Program is a vault application's transition evaluator, one entry per
// lifecycle phase. Call receives the already-decoded operation from the
// closed tag set; an evaluator rejects operations it does not implement.
type Program interface {
	Create(tc Context) (Transition, error)
	OptIn(tc Context) (Transition, error)
	Call(op protocol.Op, tc Context) (Transition, error)
	CloseOut(tc Context) (Transition, error)
}

// Group is one indivisible submission: the tagged application call and, for
// deposits, its paired value transfer. ClientTxID deduplicates ledger
// postings across resubmissions.
type Group struct {
	Call       protocol.AppCall
	Payment    *protocol.Payment
	ClientTxID string
}

func (g Group) size() int {
	if g.Payment != nil {
		return 2
	}
	return 1
}

// Result reports an accepted transition.
type Result struct {
	AppID   uint64
	TxID    string
	Payouts []Payout
}

// TxRunner scopes one commit so its custody postings and state writes land
// together or not at all. Backends sharing a database provide a runner that
// opens a single transaction around the commit.
type TxRunner interface {
	RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// directRunner executes the commit without a surrounding transaction. The
// in-memory backends cannot fail mid-commit after the dispatcher's upfront
// checks, and the commit order keeps payouts behind the record update.
type directRunner struct{}

func (directRunner) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Options tunes engine behavior.
type Options struct {
	Clock              Clock
	TxRunner           TxRunner
	AllowLossyCloseOut bool
}

// Engine executes vault programs over a state store and a custody ledger.
type Engine struct {
	mu     sync.Mutex
	store  state.Store
	led    ledger.Ledger
	clock  Clock
	runner TxRunner
	logger *slog.Logger

	allowLossyCloseOut bool

	apps   map[uint64]Program
	nextID uint64

	// seen tracks client tx ids of committed groups so a replay is refused
	// before any posting or state write. The ledger's (kind, client tx id)
	// dedupe remains the durable backstop.
	seen map[string]struct{}
}

// New constructs an engine. A nil Options.Clock selects the system clock; a
// nil Options.TxRunner commits directly, which is only safe for backends
// that cannot fail between postings and the state write.
func New(store state.Store, led ledger.Ledger, logger *slog.Logger, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	runner := opts.TxRunner
	if runner == nil {
		runner = directRunner{}
	}
	return &Engine{
		store:              store,
		led:                led,
		clock:              clock,
		runner:             runner,
		logger:             logger,
		allowLossyCloseOut: opts.AllowLossyCloseOut,
		apps:               make(map[uint64]Program),
		nextID:             1,
		seen:               make(map[string]struct{}),
	}
}

// Deploy installs a program instance, runs its create transition, and seeds
// the immutable global configuration record. The record is written exactly
// once here; programs only ever read it afterwards.
func (e *Engine) Deploy(ctx context.Context, prog Program, creator string, args [][]byte, config state.Partition) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	appID := e.nextID

	tc := Context{
		Sender:      creator,
		Args:        args,
		Now:         e.clock.Now().Unix(),
		Global:      config.Clone(),
		CustodyAddr: ledger.CustodyAccount(appID),
		GroupSize:   1,
	}
	tr, err := prog.Create(tc)
	if err != nil {
		return 0, err
	}

	global := config.Clone()
	if global == nil {
		global = state.Partition{}
	}
	for k, v := range tr.Delta.Global {
		global[k] = v
	}
	if err := e.store.SetGlobal(ctx, appID, global); err != nil {
		return 0, err
	}

	if err := e.led.EnsureAccount(ctx, ledger.CustodyAccount(appID)); err != nil {
		return 0, err
	}
	if err := e.led.EnsureAccount(ctx, ledger.PenaltyReserveAccountCode); err != nil {
		return 0, err
	}

	e.apps[appID] = prog
	e.nextID++

	e.logger.Info("application deployed", "app_id", appID, "creator", creator)
	return appID, nil
}

// Submit evaluates one group against the hosting application. Execution is
// serialized; the verdict is binary. On accept, the group's payment leg,
// the transition's payouts, and the state delta commit together.
func (e *Engine) Submit(ctx context.Context, g Group) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call := g.Call
	prog, ok := e.apps[call.AppID]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown application %d", protocol.ErrMalformedCall, call.AppID)
	}
	if g.Payment != nil && call.Phase != protocol.PhaseCall {
		return Result{}, e.reject(call, fmt.Errorf("%w: phase %s does not accept a payment leg", protocol.ErrBadGroup, call.Phase))
	}
	if g.ClientTxID != "" {
		if _, dup := e.seen[g.ClientTxID]; dup {
			return Result{}, e.reject(call, fmt.Errorf("%w: client tx id %s already committed", ledger.ErrDuplicateTransaction, g.ClientTxID))
		}
	}

	global, err := e.store.Global(ctx, call.AppID)
	if err != nil {
		return Result{}, err
	}
	local, optedIn, err := e.store.Local(ctx, call.AppID, call.Sender)
	if err != nil {
		return Result{}, err
	}

	tc := Context{
		Sender:             call.Sender,
		Args:               call.Args,
		Now:                e.clock.Now().Unix(),
		Local:              local,
		Global:             global,
		OptedIn:            optedIn,
		Payment:            g.Payment,
		GroupSize:          g.size(),
		CustodyAddr:        ledger.CustodyAccount(call.AppID),
		AllowLossyCloseOut: e.allowLossyCloseOut,
	}

	var tr Transition
	switch call.Phase {
	case protocol.PhaseOptIn:
		if optedIn {
			return Result{}, fmt.Errorf("%w: %s", protocol.ErrMalformedCall, state.ErrAlreadyOptedIn)
		}
		tr, err = prog.OptIn(tc)
		if err != nil {
			return Result{}, e.reject(call, err)
		}
		if err := e.store.OptIn(ctx, call.AppID, call.Sender, tr.Delta.Local); err != nil {
			return Result{}, err
		}
		e.markCommitted(g.ClientTxID)
		return Result{AppID: call.AppID, TxID: g.ClientTxID}, nil

	case protocol.PhaseCall:
		if len(call.Args) == 0 {
			return Result{}, e.reject(call, fmt.Errorf("%w: missing operation tag", protocol.ErrMalformedCall))
		}
		op, perr := protocol.ParseOp(call.Args[0])
		if perr != nil {
			return Result{}, e.reject(call, perr)
		}
		tr, err = prog.Call(op, tc)

	case protocol.PhaseCloseOut:
		if err := tc.RequireInitialized(); err != nil {
			return Result{}, e.reject(call, err)
		}
		tr, err = prog.CloseOut(tc)

	default:
		return Result{}, e.reject(call, fmt.Errorf("%w: phase %s not accepted here", protocol.ErrMalformedCall, call.Phase))
	}
	if err != nil {
		return Result{}, e.reject(call, err)
	}
	if g.Payment != nil && !tr.ConsumesPayment {
		return Result{}, e.reject(call, fmt.Errorf("%w: operation does not consume the attached payment leg", protocol.ErrBadGroup))
	}

	if err := e.commit(ctx, g, tr, global); err != nil {
		return Result{}, err
	}
	e.markCommitted(g.ClientTxID)

	e.logger.Info("transition accepted",
		"app_id", call.AppID, "phase", call.Phase.String(), "sender", call.Sender, "tx_id", g.ClientTxID)
	return Result{AppID: call.AppID, TxID: g.ClientTxID, Payouts: tr.Payouts}, nil
}

// commit runs inside the transaction runner. Order within it: the payment
// leg first, because it is the only posting that can fail on the caller's
// own funds (drained source, replayed client tx id); the state delta next;
// payouts strictly last, so a store failure can never leave a paid-out
// balance behind to be paid again.
func (e *Engine) commit(ctx context.Context, g Group, tr Transition, global state.Partition) error {
	return e.runner.RunAtomic(ctx, func(ctx context.Context) error {
		appID := g.Call.AppID
		custody := ledger.CustodyAccount(appID)

		if g.Payment != nil {
			from := ledger.DepositorAccount(g.Payment.Sender)
			if _, err := e.led.Transfer(ctx, from, g.Payment.Receiver, ledger.KindDeposit, g.ClientTxID, int64(g.Payment.Amount)); err != nil {
				return err
			}
		}

		if err := e.applyDelta(ctx, g, tr, global); err != nil {
			if g.Payment != nil {
				// Hand the caller's leg back. Under a shared database
				// transaction the runner's rollback supersedes this.
				_, _ = e.led.Transfer(ctx, g.Payment.Receiver, ledger.DepositorAccount(g.Payment.Sender),
					ledger.KindReversal, g.ClientTxID, int64(g.Payment.Amount))
			}
			return err
		}

		for _, p := range tr.Payouts {
			if err := e.led.EnsureAccount(ctx, p.ToAccount); err != nil {
				return err
			}
			if _, err := e.led.Transfer(ctx, custody, p.ToAccount, p.Kind, g.ClientTxID, int64(p.Amount)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) applyDelta(ctx context.Context, g Group, tr Transition, global state.Partition) error {
	appID := g.Call.AppID
	if len(tr.Delta.Local) > 0 || tr.Delta.ClearLocal {
		d := state.Delta{Local: tr.Delta.Local, ClearLocal: tr.Delta.ClearLocal}
		if err := e.store.Apply(ctx, appID, g.Call.Sender, d); err != nil {
			return err
		}
	}
	if len(tr.Delta.Global) > 0 {
		merged := global.Clone()
		if merged == nil {
			merged = state.Partition{}
		}
		for k, v := range tr.Delta.Global {
			merged[k] = v
		}
		if err := e.store.SetGlobal(ctx, appID, merged); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markCommitted(clientTxID string) {
	if clientTxID != "" {
		e.seen[clientTxID] = struct{}{}
	}
}

func (e *Engine) reject(call protocol.AppCall, err error) error {
	e.logger.Info("transition rejected",
		"app_id", call.AppID, "phase", call.Phase.String(), "sender", call.Sender, "reason", err)
	return err
}

// LocalState returns a snapshot of one account's partition.
func (e *Engine) LocalState(ctx context.Context, appID uint64, addr string) (state.Partition, bool, error) {
	return e.store.Local(ctx, appID, addr)
}

// GlobalState returns a snapshot of the application's shared record.
func (e *Engine) GlobalState(ctx context.Context, appID uint64) (state.Partition, error) {
	return e.store.Global(ctx, appID)
}

// CustodyBalance reports the value currently escrowed by the application.
func (e *Engine) CustodyBalance(ctx context.Context, appID uint64) (int64, error) {
	return e.led.Balance(ctx, ledger.CustodyAccount(appID))
}

// Now exposes the engine's trusted clock reading, used by the orchestrator
// to derive display-only countdowns without persisting them.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

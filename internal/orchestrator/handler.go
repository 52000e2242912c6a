package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/protocol"
)

// Handler exposes vault HTTP endpoints. Every mutating endpoint
// authenticates with the depositor's address and PIN; vault ownership is
// enforced again by the programs themselves.
type Handler struct {
	service  *Service
	registry *Registry
}

// NewHandler builds a vault HTTP handler.
func NewHandler(service *Service, registry *Registry) *Handler {
	return &Handler{service: service, registry: registry}
}

type registerRequest struct {
	PIN string `json:"pin"`
}

type depositorResponse struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at"`
}

// Register provisions a depositor identity.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	d, err := h.registry.Register(c.UserContext(), req.PIN)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(depositorResponse{
		ID:        d.ID,
		Address:   d.Address,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	})
}

type credentials struct {
	Address string `json:"address"`
	PIN     string `json:"pin"`
}

func (h *Handler) authenticate(c *fiber.Ctx, creds credentials) error {
	if _, err := h.registry.Authenticate(c.UserContext(), creds.Address, creds.PIN); err != nil {
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	}
	return nil
}

type submitResponse struct {
	TxID   string `json:"tx_id"`
	Payout uint64 `json:"payout,omitempty"`
}

// rejection maps the engine's error taxonomy onto HTTP statuses. Every
// rejected group reads the same to the caller: nothing was committed.
func rejection(err error) error {
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, protocol.ErrTimelock):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) submitSigned(c *fiber.Ctx, creds credentials, submit func(ctx context.Context) (SubmitResult, error)) error {
	if err := h.authenticate(c, creds); err != nil {
		return err
	}
	res, err := submit(c.UserContext())
	if err != nil {
		return rejection(err)
	}
	return c.Status(http.StatusCreated).JSON(submitResponse{TxID: res.TxID, Payout: res.Payout})
}

// OptInSimple opens the caller's Simple Vault partition.
func (h *Handler) OptInSimple(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req, func(ctx context.Context) (SubmitResult, error) {
		return h.service.OptInSimple(ctx, req.Address)
	})
}

// OptInSavings opens the caller's Smart Savings partition.
func (h *Handler) OptInSavings(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req, func(ctx context.Context) (SubmitResult, error) {
		return h.service.OptInSavings(ctx, req.Address)
	})
}

type depositSimpleRequest struct {
	credentials
	Amount      uint64 `json:"amount"`
	LockSeconds uint64 `json:"lock_seconds"`
	ClientTxID  string `json:"client_tx_id"`
}

// DepositSimple locks funds in the caller's Simple Vault.
func (h *Handler) DepositSimple(c *fiber.Ctx) error {
	var req depositSimpleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.DepositSimple(ctx, DepositSimpleInput{
			Address:     req.Address,
			Amount:      req.Amount,
			LockSeconds: req.LockSeconds,
			ClientTxID:  req.ClientTxID,
		})
	})
}

type withdrawRequest struct {
	credentials
	ClientTxID string `json:"client_tx_id"`
}

// WithdrawSimple releases the caller's Simple Vault balance.
func (h *Handler) WithdrawSimple(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.WithdrawSimple(ctx, req.Address, req.ClientTxID)
	})
}

type createSavingsRequest struct {
	credentials
	GoalAmount uint64 `json:"goal_amount"`
	LockDays   uint64 `json:"lock_days"`
	Cause      string `json:"cause"`
	Password   string `json:"password"`
}

// CreateSavings establishes the caller's savings record.
func (h *Handler) CreateSavings(c *fiber.Ctx) error {
	var req createSavingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.CreateSavings(ctx, CreateSavingsInput{
			Address:    req.Address,
			GoalAmount: req.GoalAmount,
			LockDays:   req.LockDays,
			Cause:      req.Cause,
			Password:   req.Password,
		})
	})
}

type depositSavingsRequest struct {
	credentials
	Amount     uint64 `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// DepositSavings adds to the caller's savings total.
func (h *Handler) DepositSavings(c *fiber.Ctx) error {
	var req depositSavingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.DepositSavings(ctx, DepositSavingsInput{
			Address:    req.Address,
			Amount:     req.Amount,
			ClientTxID: req.ClientTxID,
		})
	})
}

// WithdrawSavings releases the caller's savings total after the unlock.
func (h *Handler) WithdrawSavings(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.WithdrawSavings(ctx, req.Address, req.ClientTxID)
	})
}

type emergencyRequest struct {
	credentials
	Password   string `json:"password"`
	ClientTxID string `json:"client_tx_id"`
}

// EmergencyWithdraw exits savings early with the recovery password.
func (h *Handler) EmergencyWithdraw(c *fiber.Ctx) error {
	var req emergencyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.EmergencyWithdraw(ctx, req.Address, req.Password, req.ClientTxID)
	})
}

// CloseOutSimple removes the caller's Simple Vault partition.
func (h *Handler) CloseOutSimple(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req, func(ctx context.Context) (SubmitResult, error) {
		return h.service.CloseOutSimple(ctx, req.Address)
	})
}

// CloseOutSavings removes the caller's Smart Savings partition.
func (h *Handler) CloseOutSavings(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req, func(ctx context.Context) (SubmitResult, error) {
		return h.service.CloseOutSavings(ctx, req.Address)
	})
}

type depositLockboxRequest struct {
	credentials
	Amount     uint64 `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// DepositLockbox contributes to the shared beneficiary lockbox.
func (h *Handler) DepositLockbox(c *fiber.Ctx) error {
	var req depositLockboxRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.DepositLockbox(ctx, DepositLockboxInput{
			Address:    req.Address,
			Amount:     req.Amount,
			ClientTxID: req.ClientTxID,
		})
	})
}

// WithdrawLockbox releases the lockbox to its beneficiary.
func (h *Handler) WithdrawLockbox(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return h.submitSigned(c, req.credentials, func(ctx context.Context) (SubmitResult, error) {
		return h.service.WithdrawLockbox(ctx, req.Address, req.ClientTxID)
	})
}

// LockboxStatus reads the shared lockbox record.
func (h *Handler) LockboxStatus(c *fiber.Ctx) error {
	status, err := h.service.LockboxState(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"beneficiary":    status.Beneficiary,
		"balance":        status.Balance,
		"unlock_time":    status.UnlockTime,
		"unlocked":       status.Unlocked,
		"time_remaining": status.TimeRemaining,
	})
}

// SimpleStatus reads the caller's Simple Vault record.
func (h *Handler) SimpleStatus(c *fiber.Ctx) error {
	address := c.Params("address")
	status, err := h.service.SimpleVaultStatus(c.UserContext(), address)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"address":        status.Address,
		"balance":        status.Balance,
		"unlock_time":    status.UnlockTime,
		"unlocked":       status.Unlocked,
		"time_remaining": status.TimeRemaining,
	})
}

// SavingsStatus reads the caller's Smart Savings record.
func (h *Handler) SavingsStatus(c *fiber.Ctx) error {
	address := c.Params("address")
	status, err := h.service.SmartSavingsStatus(c.UserContext(), address)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"address":             status.Address,
		"total":               status.Total,
		"goal":                status.Goal,
		"goal_progress_pct":   status.GoalProgressPct,
		"cause":               status.Cause,
		"unlock_time":         status.UnlockTime,
		"unlocked":            status.Unlocked,
		"time_remaining":      status.TimeRemaining,
		"created_at":          status.CreatedAt,
		"last_deposit_at":     status.LastDepositAt,
		"emergency_available": status.EmergencyAvailable,
		"emergency_opens_at":  status.EmergencyOpensAt,
	})
}

// Balance reads the depositor's spendable ledger balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	address := c.Params("address")
	balance, err := h.service.Balance(c.UserContext(), address)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"address": address,
		"balance": balance,
	})
}

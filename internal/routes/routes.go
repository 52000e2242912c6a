package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chain-vault/chain_vault/internal/config"
	"github.com/chain-vault/chain_vault/internal/engine"
	"github.com/chain-vault/chain_vault/internal/infra"
	"github.com/chain-vault/chain_vault/internal/ledger"
	"github.com/chain-vault/chain_vault/internal/middleware"
	"github.com/chain-vault/chain_vault/internal/notification"
	"github.com/chain-vault/chain_vault/internal/orchestrator"
	"github.com/chain-vault/chain_vault/internal/protocol"
	"github.com/chain-vault/chain_vault/internal/savings"
	"github.com/chain-vault/chain_vault/internal/state"
	"github.com/chain-vault/chain_vault/internal/vault"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares, deploys the vault programs, and registers
// all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	var (
		ledgerBackend ledger.Ledger
		stateBackend  state.Store
		depositorRepo orchestrator.Repository
	)
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
		stateBackend = state.NewPostgresStore(d.DB)
		depositorRepo = orchestrator.NewPostgresRepository(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
		stateBackend = state.NewInMemory()
		depositorRepo = orchestrator.NewMemoryRepository()
	}

	if err := ledgerBackend.EnsureAccount(context.Background(), orchestrator.FaucetAccountCode); err != nil {
		return err
	}
	if d.Cfg.IsDev() && d.Cfg.FaucetAmount > 0 {
		// In-memory dev mode starts empty, so give the faucet something to
		// hand out.
		ledger.SeedBalance(ledgerBackend, orchestrator.FaucetAccountCode, d.Cfg.FaucetAmount*1000)
	}

	// With Postgres behind both the ledger and the state store, each commit
	// runs inside one shared database transaction.
	var runner engine.TxRunner
	if d.DB != nil {
		runner = infra.NewPgxRunner(d.DB)
	}
	eng := engine.New(stateBackend, ledgerBackend, d.Logger, engine.Options{
		TxRunner:           runner,
		AllowLossyCloseOut: d.Cfg.AllowLossyCloseOut,
	})

	globalConfig := state.Partition{
		"asset_id": state.UintValue(d.Cfg.AssetID),
	}
	simpleAppID, err := eng.Deploy(context.Background(), vault.New(), d.Cfg.AppName, nil, globalConfig)
	if err != nil {
		return fmt.Errorf("deploy simple vault: %w", err)
	}
	savingsAppID, err := eng.Deploy(context.Background(), savings.New(), d.Cfg.AppName, nil, globalConfig)
	if err != nil {
		return fmt.Errorf("deploy smart savings: %w", err)
	}
	var lockboxAppID uint64
	if d.Cfg.LockboxBeneficiary != "" {
		lockboxAppID, err = eng.Deploy(context.Background(), vault.NewLockbox(), d.Cfg.AppName, [][]byte{
			protocol.PutUint64(d.Cfg.LockboxUnlockTime),
			[]byte(d.Cfg.LockboxBeneficiary),
		}, globalConfig)
		if err != nil {
			return fmt.Errorf("deploy lockbox: %w", err)
		}
	}
	d.Logger.Info("vault programs deployed",
		slog.Uint64("simple_app_id", simpleAppID),
		slog.Uint64("savings_app_id", savingsAppID),
		slog.Uint64("lockbox_app_id", lockboxAppID),
		slog.Uint64("asset_id", d.Cfg.AssetID))

	notifier := notification.NewLoggerNotifier(d.Logger)
	registry := orchestrator.NewRegistry(depositorRepo, ledgerBackend, d.Cfg.FaucetAmount)
	svc := orchestrator.NewService(eng, ledgerBackend, notifier, d.Logger, orchestrator.Apps{
		SimpleID:  simpleAppID,
		SavingsID: savingsAppID,
		LockboxID: lockboxAppID,
	})
	handler := orchestrator.NewHandler(svc, registry)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	api.Post("/depositors", handler.Register)
	api.Get("/depositors/:address/balance", handler.Balance)

	submitLimiter := middleware.SubmitRateLimit(d.Cache, 30)

	simple := api.Group("/vaults/simple", submitLimiter)
	simple.Post("/optin", handler.OptInSimple)
	simple.Post("/deposits", handler.DepositSimple)
	simple.Post("/withdrawals", handler.WithdrawSimple)
	simple.Post("/closeout", handler.CloseOutSimple)
	api.Get("/vaults/simple/:address", handler.SimpleStatus)

	sav := api.Group("/savings", submitLimiter)
	sav.Post("/optin", handler.OptInSavings)
	sav.Post("/create", handler.CreateSavings)
	sav.Post("/deposits", handler.DepositSavings)
	sav.Post("/withdrawals", handler.WithdrawSavings)
	sav.Post("/emergency", handler.EmergencyWithdraw)
	sav.Post("/closeout", handler.CloseOutSavings)
	api.Get("/savings/:address", handler.SavingsStatus)

	if lockboxAppID != 0 {
		lb := api.Group("/lockbox", submitLimiter)
		lb.Post("/deposits", handler.DepositLockbox)
		lb.Post("/withdrawals", handler.WithdrawLockbox)
		api.Get("/lockbox", handler.LockboxStatus)
	}

	return nil
}

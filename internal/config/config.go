package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "ChainVault"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config captures application runtime configuration loaded from environment
// variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// AssetID identifies the fungible token the asset-based vaults accept.
	// It is written into each application's global record exactly once at
	// deployment. Zero selects the native-currency variant.
	AssetID uint64

	// AllowLossyCloseOut permits account close-out while the vault record
	// still holds value, stranding the escrow in custody. Off by default.
	AllowLossyCloseOut bool

	// FaucetAmount, when positive, credits newly registered depositors from
	// a faucet account. Development convenience only.
	FaucetAmount int64

	// LockboxBeneficiary, when set, deploys the shared beneficiary lockbox
	// at startup with LockboxUnlockTime as its unix unlock second.
	LockboxBeneficiary string
	LockboxUnlockTime  uint64
}

// Load reads configuration values from the environment and populates a
// Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		cfg.IdempotencyTTL = d
	}

	if v := os.Getenv("ASSET_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ASSET_ID: %w", err)
		}
		cfg.AssetID = id
	}

	if v := os.Getenv("VAULT_ALLOW_LOSSY_CLOSEOUT"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid VAULT_ALLOW_LOSSY_CLOSEOUT: %w", err)
		}
		cfg.AllowLossyCloseOut = allow
	}

	cfg.LockboxBeneficiary = os.Getenv("LOCKBOX_BENEFICIARY")
	if v := os.Getenv("LOCKBOX_UNLOCK_TIME"); v != "" {
		ts, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOCKBOX_UNLOCK_TIME: %w", err)
		}
		cfg.LockboxUnlockTime = ts
	}
	if cfg.LockboxBeneficiary != "" && cfg.LockboxUnlockTime == 0 {
		return Config{}, fmt.Errorf("LOCKBOX_UNLOCK_TIME must be set when LOCKBOX_BENEFICIARY is")
	}

	if v := os.Getenv("FAUCET_AMOUNT"); v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil || amount < 0 {
			return Config{}, fmt.Errorf("invalid FAUCET_AMOUNT: %v", v)
		}
		cfg.FaucetAmount = amount
	}

	// Development mode runs on in-memory backends; everything else needs
	// real infrastructure.
	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the app runs in development mode.
func (c Config) IsDev() bool {
	return strings.EqualFold(c.AppEnv, "development") || strings.EqualFold(c.AppEnv, "dev")
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

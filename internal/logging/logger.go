package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the vault service's JSON logger at the requested level.
// Unknown level strings fall back to info rather than failing startup.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// Discard returns a logger whose output goes nowhere. Tests use it to keep
// engine and orchestrator noise out of their output.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

func parseLevel(level string) slog.Leveler {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}
	return lvl
}

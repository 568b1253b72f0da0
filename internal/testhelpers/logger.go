package testhelpers

import (
	"io"
	"log/slog"
)

// NewTestLogger creates a logger that discards all output for testing.
// The auth package's tests call it instead of repeating the construction.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

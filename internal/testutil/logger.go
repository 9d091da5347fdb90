package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that discards all output.
// log.Logger is a type alias for *slog.Logger, so this works anywhere the
// internal/log package's Logger is expected; prefer log.NewNop() when
// already importing that package.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Package log configures structured logging for parley using log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Level maps the CLI verbosity flags to a slog level. Quiet wins over verbose.
func Level(verbose, quiet bool) slog.Level {
	switch {
	case quiet:
		return slog.LevelWarn
	case verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Setup installs a text logger on stderr as the slog default.
func Setup(verbose, quiet bool) {
	SetupTo(os.Stderr, verbose, quiet)
}

// SetupTo is Setup with an explicit destination.
func SetupTo(w io.Writer, verbose, quiet bool) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: Level(verbose, quiet),
	})
	slog.SetDefault(slog.New(handler))
}

// Package logging provides the structured logger shared by every SiteFlow
// component.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that writes JSON or human-readable text to os.Stdout,
// depending on jsonMode.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// Component returns a child logger tagged with a "component" field, used to
// scope log lines to the subsystem that emitted them (remoteexec, discovery,
// monitor, and so on).
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}

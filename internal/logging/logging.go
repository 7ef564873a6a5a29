// Package logging builds the structured logger shared by the binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler and threshold.
type Options struct {
	Level  string // DEBUG, INFO, WARN or ERROR
	Format string // json or text
}

// New returns a logger writing to stderr.
func New(opts Options) *slog.Logger {
	return NewWithWriter(os.Stderr, opts)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	return slog.New(h)
}

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", name))
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// parseLevel defaults to INFO for unrecognized input.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

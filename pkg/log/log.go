// Package log carries a zerolog logger through contexts.
package log

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

var nop = zerolog.Nop()

// New builds the process logger. Pretty selects zerolog's console writer.
func New(level string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Set returns a context carrying lg.
func Set(ctx context.Context, lg *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, lg)
}

// Get returns the logger carried by ctx, or a no-op logger.
func Get(ctx context.Context) *zerolog.Logger {
	if lg, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && lg != nil {
		return lg
	}
	return &nop
}

// Package logger wraps zap so the server and the admin tool share one
// structured logging setup.
package logger

import (
	"go.uber.org/zap"
)

// Logger holds the process-wide zap logger. It starts as a no-op logger
// until Init is called.
type Logger struct {
	// Log is the configured zap logger.
	Log *zap.Logger
}

// New returns a Logger backed by a no-op zap logger.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init replaces the logger with a production zap logger at the given level
// ("debug", "info", "warn", "error").
func (l *Logger) Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl

	zl, err := cfg.Build()
	if err != nil {
		return err
	}

	l.Log = zl
	return nil
}

// ShortID trims opaque identifiers (session ids, credential ids) before they
// are written to logs.
func ShortID(id string) string {
	const keep = 8
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "…"
}

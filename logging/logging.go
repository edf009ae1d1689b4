// Package logging provides the named, leveled loggers threaded through
// every component of the mapping back-end.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger is the logging interface used throughout this repository. It is
// satisfied by *zap.SugaredLogger.
type Logger = *zap.SugaredLogger

// NewLogger returns a new Info+ logger named name, writing to stdout.
func NewLogger(name string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.DisableStacktrace = true
	base, err := cfg.Build()
	if err != nil {
		// Config is static and always valid; fall back defensively.
		base = zap.NewNop()
	}
	return base.Named(name).Sugar()
}

// NewDebugLogger returns a new Debug+ logger named name, writing to stdout.
func NewDebugLogger(name string) Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return base.Named(name).Sugar()
}

// NewTestLogger returns a logger that writes through tb.Log, for use in
// _test.go files.
func NewTestLogger(tb testing.TB) Logger {
	return zaptest.NewLogger(tb).Sugar()
}

// Package logging provides the structured logger shared by the ingest job,
// the snapshot tooling and the dashboard server.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface used across packages. Arguments
// after the message are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Noop returns a Logger that discards everything.
func Noop() Logger { return noopLogger{} }

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

// ZapLogger adapts a sugared zap logger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a production zap logger. Debug output is enabled when verbose is set.
func NewZap(verbose bool) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &ZapLogger{sugar: base.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// With returns a child logger carrying the supplied key/value pairs.
func (z *ZapLogger) With(args ...any) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.With(args...)}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error { return z.sugar.Sync() }

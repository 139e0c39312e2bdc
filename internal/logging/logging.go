// Package logging provides the structured, leveled logging surface used
// across the worker. The call-site API (Infof/Warnf/Errorf/Debugf) matches
// the one the reference fleet-management jobs package calls through its own
// internal logger; this package backs it with go.uber.org/zap since that
// internal logger is not part of this repository.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with the call-site shape used throughout
// the worker's components.
type Logger struct {
	s *zap.SugaredLogger
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
// An unrecognised level falls back to "info".
func New(level string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		// Building the production config should never fail; fall back to a
		// minimal logger rather than crash the worker over a logging setup
		// error.
		l = zap.NewExample()
	}
	return &Logger{s: l.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// With returns a child logger annotated with the given key/value pairs,
// mirroring zap's structured-field convention.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{s: l.s.With(keysAndValues...)}
}

// Sync flushes any buffered log entries. Call on process shutdown; errors
// writing to stderr/stdout are expected on some platforms and are ignored.
func (l *Logger) Sync() {
	_ = l.s.Sync()
}

// NewDiscard returns a Logger at error level only, useful for tests that
// don't want log noise but still want a concrete *Logger to satisfy
// component constructors.
func NewDiscard() *Logger {
	return New("error")
}

// Package logging provides the structured logger used by the orchestrator
// and job queue. It is a thin wrapper over zap so call sites depend on a
// small interface rather than a concrete logger type.
package logging

import "go.uber.org/zap"

// Logger is the structured-logging surface the session core depends on.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debugw(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l zapLogger) Infow(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l zapLogger) Warnw(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l zapLogger) Errorw(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// New builds a production zap logger wrapped as a Logger.
func New() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return zapLogger{s: z.Sugar()}, nil
}

// NewDevelopment builds a development zap logger (human-readable, debug
// level enabled), used by cmd/solacectl.
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return zapLogger{s: z.Sugar()}, nil
}

// noop discards every log call. It is the default when a caller doesn't
// supply a Logger via an option.
type noop struct{}

func (noop) Debugw(string, ...any) {}
func (noop) Infow(string, ...any)  {}
func (noop) Warnw(string, ...any)  {}
func (noop) Errorw(string, ...any) {}

// Noop returns a Logger that discards everything.
func Noop() Logger { return noop{} }

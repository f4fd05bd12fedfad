// Package telemetry wraps go.uber.org/zap behind a small logging surface so
// coordination components depend on an interface rather than a concrete
// logging library.
package telemetry

import "go.uber.org/zap"

// Logger is the logging surface every coordination component accepts.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NewZap wraps z as a Logger. A nil z falls back to zap.NewNop().
func NewZap(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return NewZap(zap.NewNop()) }

type zapLogger struct{ z *zap.Logger }

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

package worker

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// ZapLogger adapts a zap logger to watermill's LoggerAdapter.
type ZapLogger struct {
	logger *zap.Logger
}

var _ watermill.LoggerAdapter = (*ZapLogger)(nil)

// NewZapLogger wraps logger for watermill components
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *ZapLogger) Error(msg string, err error, f watermill.LogFields) {
	l.logger.Error(msg, append(fields(f), zap.Error(err))...)
}

func (l *ZapLogger) Info(msg string, f watermill.LogFields) {
	l.logger.Info(msg, fields(f)...)
}

func (l *ZapLogger) Debug(msg string, f watermill.LogFields) {
	l.logger.Debug(msg, fields(f)...)
}

// Trace maps to debug; zap has no trace level.
func (l *ZapLogger) Trace(msg string, f watermill.LogFields) {
	l.logger.Debug(msg, fields(f)...)
}

func (l *ZapLogger) With(f watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLogger{logger: l.logger.With(fields(f)...)}
}

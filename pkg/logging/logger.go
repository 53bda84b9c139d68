package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steemit/hivefeed/pkg/config"
)

// Logger is the application logger
var Logger *zap.Logger

var fallbackOnce sync.Once

// InitLogger initializes the logger with the given configuration
func InitLogger(cfg *config.LoggingConfig) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Format == "text" {
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(level)
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return build(zapConfig)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if !cfg.ScalyrFormat {
		return build(zapConfig)
	}

	encoderConfig := zapConfig.EncoderConfig
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	Logger = zap.New(
		zapcore.NewCore(
			NewScalyrEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

func build(zapConfig zap.Config) error {
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if Logger == nil {
		fallbackOnce.Do(func() {
			if Logger == nil {
				Logger, _ = zap.NewProduction()
			}
		})
	}
	return Logger
}

// WithComponent adds component name to logger
func WithComponent(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// WithTraceID adds trace ID to logger
func WithTraceID(traceID string) *zap.Logger {
	return GetLogger().With(zap.String("trace_id", traceID))
}

// PostFields returns the identifiers attached to every post-scoped log line.
func PostFields(postID, authorID int64) []zap.Field {
	return []zap.Field{zap.Int64("post_id", postID), zap.Int64("author_id", authorID)}
}

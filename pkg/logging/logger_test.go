package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steemit/hivefeed/pkg/config"
)

func TestInitLogger(t *testing.T) {
	oldLogger := Logger
	defer func() { Logger = oldLogger }()

	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"scalyr json", config.LoggingConfig{Level: "INFO", Format: "json", ScalyrFormat: true}},
		{"plain json", config.LoggingConfig{Level: "debug", Format: "json"}},
		{"text", config.LoggingConfig{Level: "WARN", Format: "text"}},
		{"bad level falls back", config.LoggingConfig{Level: "loud", Format: "json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := InitLogger(&tt.cfg); err != nil {
				t.Fatalf("InitLogger() error = %v", err)
			}
			if GetLogger() == nil {
				t.Fatal("GetLogger() returned nil")
			}
		})
	}
}

func TestScalyrEncoder(t *testing.T) {
	var buf bytes.Buffer

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		MessageKey:    "message",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(NewScalyrEncoder(encoderConfig), zapcore.AddSync(&buf), zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("fan-out finished",
		zap.String("key", "value"),
		zap.Int64("post_id", 42),
		zap.Bool("scheduled", true),
		zap.Duration("took", 1500*time.Millisecond),
		zap.Error(errors.New("boom")))

	var logObj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logObj); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	if logObj["message"] != "fan-out finished" {
		t.Errorf("Expected message 'fan-out finished', got: %v", logObj["message"])
	}
	if logObj["key"] != "value" {
		t.Errorf("Expected field 'key'='value', got: %v", logObj["key"])
	}
	if logObj["post_id"] != float64(42) {
		t.Errorf("Expected field 'post_id'=42, got: %v", logObj["post_id"])
	}
	if logObj["scheduled"] != true {
		t.Errorf("Expected field 'scheduled'=true, got: %v", logObj["scheduled"])
	}
	if logObj["took"] != "1.5s" {
		t.Errorf("Expected field 'took'='1.5s', got: %v", logObj["took"])
	}
	if logObj["error"] != "boom" {
		t.Errorf("Expected field 'error'='boom', got: %v", logObj["error"])
	}
	if _, ok := logObj["timestamp"]; !ok {
		t.Error("Expected 'timestamp' field in log output")
	}
}

func TestScalyrEncoderWithContext(t *testing.T) {
	var buf bytes.Buffer

	core := zapcore.NewCore(NewScalyrEncoder(zapcore.EncoderConfig{}), zapcore.AddSync(&buf), zapcore.InfoLevel)
	logger := zap.New(core).With(zap.String("component", "distributor"))

	logger.Info("chunk committed", zap.Int("rows", 3))

	var logObj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logObj); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if logObj["component"] != "distributor" {
		t.Errorf("Expected context field 'component'='distributor', got: %v", logObj["component"])
	}
	if logObj["rows"] != float64(3) {
		t.Errorf("Expected field 'rows'=3, got: %v", logObj["rows"])
	}
}

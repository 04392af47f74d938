package observability

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies that level names are case-insensitive and default to info.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in     string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in).Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, enc := range []string{"json", "console"} {
		logger, err := NewLogger(LoggerConfig{Level: "debug", Encoding: enc, Service: "pm25-forecast-service", Version: "test"})
		if err != nil {
			t.Fatalf("NewLogger(%s) error = %v", enc, err)
		}
		if !logger.Core().Enabled(zap.DebugLevel) {
			t.Errorf("NewLogger(%s) debug not enabled", enc)
		}
		logger.Info("test message")
		_ = FlushLogs(logger)
	}
}

func TestFlushLogs_Nil(t *testing.T) {
	if err := FlushLogs(nil); err != nil {
		t.Errorf("FlushLogs(nil) = %v, want nil", err)
	}
}

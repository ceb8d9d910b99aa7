package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}

	if cfg.Pretty != false {
		t.Error("Expected default pretty to be false")
	}
}

func TestSetup(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{
		Level:  LevelDebug,
		Pretty: false,
		Output: buf,
	})

	logger.Debug().Str("key", "calc:abc:steps=0").Msg("cache decision")

	output := buf.String()
	if !strings.Contains(output, "cache decision") {
		t.Errorf("Expected output to contain the message, got %q", output)
	}
	if !strings.Contains(output, "calc:abc:steps=0") {
		t.Errorf("Expected output to contain the key field, got %q", output)
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{
		Level:  LevelWarn,
		Pretty: false,
		Output: buf,
	})

	logger.Debug().Msg("suppressed")
	logger.Warn().Msg("emitted")

	output := buf.String()
	if strings.Contains(output, "suppressed") {
		t.Errorf("Debug message should be filtered at warn level, got %q", output)
	}
	if !strings.Contains(output, "emitted") {
		t.Errorf("Warn message should pass at warn level, got %q", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

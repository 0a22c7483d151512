package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithConfig_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	cfg := DefaultLogConfig()
	cfg.Output = path
	cfg.Level = "debug"

	logger, closer := NewWithConfig("pvoutput-gateway", "test", cfg)
	l := WithInverterContext(logger, "10.0.0.5:502", "H1")
	l.Debug().Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected one json line, got %q: %v", line, err)
	}
	want := map[string]string{
		"message":       "hello",
		"level":         "debug",
		"service":       "pvoutput-gateway",
		"inverter":      "10.0.0.5:502",
		"inverter_type": "H1",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: expected %q, got %v", k, v, entry[k])
		}
	}
}

func TestNewWithConfig_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	cfg := DefaultLogConfig()
	cfg.Output = path
	cfg.Level = "warn"

	logger, closer := NewWithConfig("pvoutput-gateway", "test", cfg)
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("unexpected log content %q", data)
	}
}

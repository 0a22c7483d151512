// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool

	// Rotation of file output
	MaxSizeMB  int
	MaxBackups int
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
		MaxSizeMB:  5,
		MaxBackups: 1,
	}
}

// New creates a bootstrap logger on stdout, honouring LOG_LEVEL and
// LOG_FORMAT. It is used until the configuration is loaded.
func New(serviceName, version string) zerolog.Logger {
	cfg := DefaultLogConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	logger, _ := NewWithConfig(serviceName, version, cfg)
	return logger
}

// NewWithConfig creates a logger with the given configuration. The returned
// closer releases the log file, if any, and must be closed at shutdown.
func NewWithConfig(serviceName, version string, config LogConfig) (zerolog.Logger, io.Closer) {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	var closer io.Closer = nopCloser{}

	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file := &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		}
		output = file
		closer = file
	}

	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor || config.Output != "stdout" && config.Output != "stderr" && config.Output != "",
		}
	}

	logger := zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
	return logger, closer
}

// ParseLevel converts a string log level to zerolog.Level. Unknown levels
// map to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithInverterContext adds inverter identity to the logger.
func WithInverterContext(logger zerolog.Logger, address, inverterType string) zerolog.Logger {
	return logger.With().
		Str("inverter", address).
		Str("inverter_type", inverterType).
		Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

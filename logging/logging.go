// Package logging builds the process slog.Logger from configuration and
// environment overrides.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// LevelEnvVar and FormatEnvVar override the configured level and format.
	LevelEnvVar  = "TOOLCATALOG_LOG_LEVEL"
	FormatEnvVar = "TOOLCATALOG_LOG_FORMAT"

	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the handler.
type Config struct {
	Level  string    `yaml:"level"`
	Format string    `yaml:"format"`
	Output io.Writer `yaml:"-"`
}

// ParseLevel maps a level name to a slog level. Unknown names are an error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// WithEnv returns cfg with the environment overrides applied.
func WithEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv(LevelEnvVar)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(FormatEnvVar)); v != "" {
		cfg.Format = v
	}
	return cfg
}

// New builds a logger writing to cfg.Output, stderr by default.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatText:
		return slog.New(slog.NewTextHandler(out, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Package logging builds the process logger.
//
// Every component receives a *log.Logger derived from the one returned by
// New. Output goes to stderr because stdout carries the protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultPrefix is prepended to every record.
const DefaultPrefix = "keyproxy"

// Config configures the logger.
type Config struct {
	// Level is the minimum level to output.
	Level string
	// Format is text, json or logfmt.
	Format string
	// Output is where records are written. Defaults to os.Stderr.
	Output io.Writer
	// Prefix is prepended to all records.
	Prefix string
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
		Prefix: DefaultPrefix,
	}
}

// New creates a logger from cfg.
func New(cfg Config) (*log.Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := log.InfoLevel
	if cfg.Level != "" {
		l, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	formatter, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	return log.NewWithOptions(cfg.Output, log.Options{
		Level:           level,
		Prefix:          cfg.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func parseFormat(s string) (log.Formatter, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("unknown log format %q", s)
	}
}

// WithComponent returns a logger with the component field set.
func WithComponent(l *log.Logger, component string) *log.Logger {
	return l.With("component", component)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

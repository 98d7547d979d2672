// Package config loads keyproxy settings from defaults, a TOML file and
// environment overrides, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/keyproxy/internal/rpc"
)

// Config holds all keyproxy settings.
type Config struct {
	Log LogConfig `toml:"log"`

	// Workers bounds concurrently running non-inline request handlers.
	Workers int `toml:"workers"`

	// Framing is the front-end wire framing: "line" or "header".
	Framing string `toml:"framing"`

	Plugins PluginConfig `toml:"plugins"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is one of text, json, logfmt.
	Format string `toml:"format"`
}

// PluginConfig configures the plugin catalog.
type PluginConfig struct {
	Dirs             []string `toml:"dirs"`
	Watch            bool     `toml:"watch"`
	CallTimeout      Duration `toml:"call_timeout"`
	MailboxSize      int      `toml:"mailbox_size"`
	StopGrace        Duration `toml:"stop_grace"`
	MaxRestarts      int      `toml:"max_restarts"`
	InitialBackoff   Duration `toml:"initial_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	MaxEventFailures int      `toml:"max_event_failures"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Workers: 8,
		Framing: "line",
		Plugins: PluginConfig{
			Dirs:             defaultPluginDirs(),
			Watch:            false,
			CallTimeout:      Duration{5 * time.Second},
			MailboxSize:      64,
			StopGrace:        Duration{2 * time.Second},
			MaxRestarts:      5,
			InitialBackoff:   Duration{500 * time.Millisecond},
			MaxBackoff:       Duration{30 * time.Second},
			MaxEventFailures: 3,
		},
	}
}

// DefaultPath returns the configuration file path: $KEYPROXY_CONFIG if set,
// otherwise config.toml in the user configuration directory.
func DefaultPath() string {
	if p := os.Getenv("KEYPROXY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(userConfigDir(), "config.toml")
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyproxy")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "keyproxy")
}

func defaultPluginDirs() []string {
	return []string{filepath.Join(userConfigDir(), "plugins")}
}

// Load returns the defaults overlaid with the TOML file at path and then
// the process environment. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, c); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

// ApplyEnv applies KEYPROXY_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("KEYPROXY_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("KEYPROXY_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("KEYPROXY_FRAMING"); ok {
		c.Framing = v
	}
	if v, ok := lookup("KEYPROXY_PLUGIN_DIRS"); ok {
		c.Plugins.Dirs = splitList(v)
	}
	if v, ok := lookup("KEYPROXY_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: KEYPROXY_WORKERS=%q", ErrInvalidEnv, v)
		}
		c.Workers = n
	}
	if v, ok := lookup("KEYPROXY_PLUGIN_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: KEYPROXY_PLUGIN_WATCH=%q", ErrInvalidEnv, v)
		}
		c.Plugins.Watch = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	}
	if _, err := rpc.ParseFraming(c.Framing); err != nil {
		return fmt.Errorf("%w: framing %q", ErrInvalidConfig, c.Framing)
	}

	p := c.Plugins
	if p.MailboxSize < 1 {
		return fmt.Errorf("%w: plugins.mailbox_size must be at least 1", ErrInvalidConfig)
	}
	if p.MaxRestarts < 0 || p.MaxEventFailures < 0 {
		return fmt.Errorf("%w: plugins limits must not be negative", ErrInvalidConfig)
	}
	if p.CallTimeout.Duration < 0 || p.StopGrace.Duration < 0 {
		return fmt.Errorf("%w: plugins timeouts must not be negative", ErrInvalidConfig)
	}
	if p.InitialBackoff.Duration <= 0 || p.MaxBackoff.Duration < p.InitialBackoff.Duration {
		return fmt.Errorf("%w: plugins backoff must satisfy 0 < initial_backoff <= max_backoff", ErrInvalidConfig)
	}
	return nil
}

// FramingMode returns the parsed front-end framing.
func (c Config) FramingMode() rpc.Framing {
	f, _ := rpc.ParseFraming(c.Framing)
	return f
}

// Package config loads runtime configuration from TOML with
// NIXSAGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML can carry values like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the runtime configuration.
type Config struct {
	// SearchPaths are scanned for file-sourced extensions.
	SearchPaths []string `toml:"search_paths"`

	// StateDir holds installed extension packages under pkgs/.
	StateDir string `toml:"state_dir"`

	// DispatchTimeout bounds one extension's Process call.
	DispatchTimeout Duration `toml:"dispatch_timeout"`

	// Fallback names the extension consulted when routing exhausts
	// all candidates.
	Fallback string `toml:"fallback"`

	// MaxParallelLoads bounds concurrent extension loads.
	MaxParallelLoads int `toml:"max_parallel_loads"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// AllowUnsafe permits file- and package-sourced extensions to
	// request the unsafe capability. Off by default.
	AllowUnsafe bool `toml:"allow_unsafe"`

	// Extensions carries per-extension configuration by identity.
	Extensions map[string]map[string]any `toml:"extensions"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg := Config{
		DispatchTimeout:  Duration(5 * time.Second),
		Fallback:         "nixgen",
		MaxParallelLoads: 4,
		LogLevel:         "info",
		Extensions:       make(map[string]map[string]any),
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.SearchPaths = []string{
			filepath.Join(home, ".config", "nixsage", "extensions"),
			filepath.Join(home, ".local", "share", "nixsage", "extensions"),
		}
		cfg.StateDir = filepath.Join(home, ".local", "state", "nixsage")
	}
	return cfg
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "nixsage", "config.toml")
	}
	return "config.toml"
}

// Load reads the file at path over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err != nil && os.IsNotExist(err):
		// Defaults plus env only.
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if cfg.Extensions == nil {
		cfg.Extensions = make(map[string]map[string]any)
	}
	return cfg, cfg.validate()
}

// applyEnv overlays NIXSAGE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("NIXSAGE_SEARCH_PATHS"); v != "" {
		c.SearchPaths = filepath.SplitList(v)
	}
	if v := os.Getenv("NIXSAGE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("NIXSAGE_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DispatchTimeout = Duration(d)
		}
	}
	if v := os.Getenv("NIXSAGE_FALLBACK"); v != "" {
		c.Fallback = v
	}
	if v := os.Getenv("NIXSAGE_MAX_PARALLEL_LOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxParallelLoads = n
		}
	}
	if v := os.Getenv("NIXSAGE_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("NIXSAGE_ALLOW_UNSAFE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowUnsafe = b
		}
	}
}

func (c *Config) validate() error {
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("config: dispatch_timeout must be positive")
	}
	if c.MaxParallelLoads <= 0 {
		return fmt.Errorf("config: max_parallel_loads must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

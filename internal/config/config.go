// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// Config represents the complete parley configuration.
type Config struct {
	// BaseURL is the backend base URL (no trailing slash).
	BaseURL string `toml:"base_url"`

	// DataDir holds the token database and CLI input history.
	// Default: ~/.parley
	DataDir string `toml:"data_dir"`

	// RequestTimeoutSecs bounds non-streaming requests. Streaming requests
	// are bounded by StreamIdleTimeoutSecs instead.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`

	// StreamIdleTimeoutSecs cancels a stream when no bytes arrive for this
	// long. 0 disables the watchdog and leaves stalls to the transport.
	StreamIdleTimeoutSecs int `toml:"stream_idle_timeout_secs"`

	// LogLevel is a zerolog level name: "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BaseURL:               "http://localhost:8000",
		RequestTimeoutSecs:    30,
		StreamIdleTimeoutSecs: 120,
		LogLevel:              "info",
	}
}

// RequestTimeout returns the request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// StreamIdleTimeout returns the stream watchdog window as a duration.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSecs) * time.Second
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the parley configuration directory (~/.parley).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".parley"), nil
}

// Path returns the configuration file path.
func Path() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration file, fills defaults, applies environment
// overrides, and validates. A missing file is not an error; defaults are
// returned.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		// No home directory: run on defaults plus env.
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults replaces zero values with built-in defaults so a sparse
// config file never produces an unusable configuration.
func (c *Config) fillDefaults() {
	def := Default()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.RequestTimeoutSecs <= 0 {
		c.RequestTimeoutSecs = def.RequestTimeoutSecs
	}
	if c.StreamIdleTimeoutSecs < 0 {
		c.StreamIdleTimeoutSecs = def.StreamIdleTimeoutSecs
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = dir
		}
	}
}

// ApplyEnvOverrides applies PARLEY_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PARLEY_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("PARLEY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PARLEY_STREAM_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			c.StreamIdleTimeoutSecs = secs
		}
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for values that would fail at first
// use anyway. It is called on every load path.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https, got %q", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url has no host: %q", c.BaseURL)
	}
	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("request_timeout_secs must be positive, got %d", c.RequestTimeoutSecs)
	}
	if c.StreamIdleTimeoutSecs < 0 {
		return fmt.Errorf("stream_idle_timeout_secs must not be negative, got %d", c.StreamIdleTimeoutSecs)
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to the default path atomically.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to an explicit path atomically.
func SaveToPath(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// Config may hold a future credential field; keep it owner-only like
	// the token database.
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

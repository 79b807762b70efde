// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/pantry/lib/passhash"
	"github.com/bureau-foundation/pantry/lib/service"
)

// EnvVar names the environment variable Load reads the file path from.
const EnvVar = "PANTRY_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the pantry service.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// Listen is the TCP host:port the server binds.
	Listen string `yaml:"listen"`

	// Framing selects how requests are delimited: "brace" or "length".
	Framing string `yaml:"framing"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Timeouts bounds per-connection I/O.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// MaxRequestBytes is the largest accepted request.
	MaxRequestBytes int `yaml:"max_request_bytes"`

	// MaxConnections caps concurrently served connections. 0 means
	// unbounded.
	MaxConnections int `yaml:"max_connections"`

	// Store tunes the SQLite pool.
	Store StoreConfig `yaml:"store"`

	// Credentials are the argon2id cost parameters for new hashes.
	Credentials passhash.Params `yaml:"credentials"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`

	// ExposeInternalErrors sends storage error text to clients instead
	// of a generic message.
	ExposeInternalErrors bool `yaml:"expose_internal_errors"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Log                  *LogConfig `yaml:"log,omitempty"`
	ExposeInternalErrors *bool      `yaml:"expose_internal_errors,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Database is the SQLite database file.
	// Default: database.db
	Database string `yaml:"database"`

	// Images is the recipe image directory.
	// Default: recipe_images
	Images string `yaml:"images"`
}

// TimeoutsConfig bounds per-connection I/O.
type TimeoutsConfig struct {
	// Read bounds how long a client may take to send its request.
	// Default: 30s
	Read time.Duration `yaml:"read"`

	// Write bounds how long sending the response may take.
	// Default: 10s
	Write time.Duration `yaml:"write"`
}

// StoreConfig tunes the SQLite connection pool.
type StoreConfig struct {
	// PoolSize is the number of connections. 0 picks one per CPU
	// (minimum 4).
	PoolSize int `yaml:"pool_size"`

	// BusyTimeout is how long SQLite waits on a lock per attempt.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// BusyRetries is how many times a write is retried after the busy
	// timeout expires. Default: 3
	BusyRetries int `yaml:"busy_retries"`

	// RetryBackoff is the base delay between write retries.
	// Default: 100ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// HashConcurrency caps concurrent credential hashing. Each
	// derivation holds credentials.memory KiB. 0 picks one per CPU.
	HashConcurrency int `yaml:"hash_concurrency"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`
}

// SlogLevel returns the parsed Level. Call Validate first; an
// unparseable level yields slog.LevelInfo.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file, and
// on their own when no file is given.
func Default() *Config {
	return &Config{
		Environment:     Development,
		Listen:          service.DefaultAddress,
		Framing:         string(service.FramingBrace),
		MaxRequestBytes: service.DefaultMaxRequestSize,
		Paths: PathsConfig{
			Database: "database.db",
			Images:   "recipe_images",
		},
		Timeouts: TimeoutsConfig{
			Read:  service.DefaultReadTimeout,
			Write: service.DefaultWriteTimeout,
		},
		Store: StoreConfig{
			BusyTimeout:  5 * time.Second,
			BusyRetries:  3,
			RetryBackoff: 100 * time.Millisecond,
		},
		Credentials: passhash.DefaultParams(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by PANTRY_CONFIG, or
// returns Default when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Compact JSON is valid YAML once comments and trailing commas
		// are gone. Compacting also drops tab indentation, which the
		// YAML scanner rejects.
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(data)); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
		data = compact.Bytes()
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &Overrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
	if overrides.ExposeInternalErrors != nil {
		c.ExposeInternalErrors = *overrides.ExposeInternalErrors
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Images = expandVars(c.Paths.Images, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	if _, err := service.ParseFraming(c.Framing); err != nil {
		errs = append(errs, fmt.Errorf("framing: %w", err))
	}

	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}
	if c.Paths.Images == "" {
		errs = append(errs, fmt.Errorf("paths.images is required"))
	}

	if c.Timeouts.Read <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.read must be positive"))
	}
	if c.Timeouts.Write <= 0 {
		errs = append(errs, fmt.Errorf("timeouts.write must be positive"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_request_bytes must be positive"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative"))
	}

	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative"))
	}
	if c.Store.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.busy_timeout must not be negative"))
	}
	if c.Store.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("store.retry_backoff must not be negative"))
	}
	if c.Store.HashConcurrency < 0 {
		errs = append(errs, fmt.Errorf("store.hash_concurrency must not be negative"))
	}

	if err := c.Credentials.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("credentials: %w", err))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", []string{"debug", "info", "warn", "error"}))
	}
	if !contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", []string{"text", "json"}))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories that must exist before the store
// opens: the database's parent and the image directory.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Paths.Database),
		c.Paths.Images,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

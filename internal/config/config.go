// Package config handles engine configuration loading and validation
// for noteguard.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"noteguard/internal/kdf"
)

// Version is the current configuration schema version.
const Version = 1

// DefaultFileName is the config file name under the workspace root.
const DefaultFileName = "noteguard.toml"

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// Workspace configuration.
	Workspace WorkspaceConfig `toml:"workspace"`

	// KDF parameters for new workspaces. Existing workspaces keep the
	// parameters recorded in their manifest.
	KDF KDFConfig `toml:"kdf"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`

	// FastUnlock configuration.
	FastUnlock FastUnlockConfig `toml:"fast_unlock"`

	// Sync configuration.
	Sync SyncConfig `toml:"sync"`
}

// WorkspaceConfig locates the workspace on disk.
type WorkspaceConfig struct {
	// Root is the workspace directory. Empty means the process working
	// directory.
	Root string `toml:"root"`
}

// KDFConfig carries Argon2id parameters.
type KDFConfig struct {
	MemoryKiB   uint32 `toml:"memory_kib"`
	Iterations  uint32 `toml:"iterations"`
	Parallelism uint8  `toml:"parallelism"`
}

// Params converts to the kdf package's parameter type.
func (k KDFConfig) Params() kdf.Params {
	return kdf.Params{
		MemoryKiB:   k.MemoryKiB,
		Iterations:  k.Iterations,
		Parallelism: k.Parallelism,
	}
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// FastUnlockConfig controls device-bound unlock.
type FastUnlockConfig struct {
	Enabled bool `toml:"enabled"`
}

// SyncConfig locates the local sync state.
type SyncConfig struct {
	// DatabasePath is the sqlite file for the outbox and cursors.
	// Empty defaults to .noteguard-sync.db under the workspace root.
	DatabasePath string `toml:"database_path"`
}

// Default returns the default configuration.
func Default() *Config {
	p := kdf.DefaultParams()
	return &Config{
		Version: Version,
		KDF: KDFConfig{
			MemoryKiB:   p.MemoryKiB,
			Iterations:  p.Iterations,
			Parallelism: p.Parallelism,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, applies environment overrides and
// validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment override file settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOTEGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NOTEGUARD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("NOTEGUARD_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("NOTEGUARD_KDF_MEMORY_KIB"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.KDF.MemoryKiB = uint32(n)
		}
	}
}

// Validate checks the configuration for consistency. KDF parameters go
// through the same floor check the engine applies at derivation time.
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if err := c.KDF.Params().Validate(); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// SyncDatabasePath resolves the sqlite path against the workspace root.
func (c *Config) SyncDatabasePath() string {
	if c.Sync.DatabasePath != "" {
		return c.Sync.DatabasePath
	}
	return filepath.Join(c.Workspace.Root, ".noteguard-sync.db")
}

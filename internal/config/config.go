package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail store
type Config struct {
	Storage    StorageConfig    `koanf:"storage"`
	Redis      RedisConfig      `koanf:"redis"`
	Locks      LockConfig       `koanf:"locks"`
	Limits     LimitConfig      `koanf:"limits"`
	Commands   CommandConfig    `koanf:"commands"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// StorageConfig holds document store and blob storage configuration
type StorageConfig struct {
	Driver       string `koanf:"driver"`        // Document store driver: sqlite or memory
	DataDir      string `koanf:"data_dir"`      // Base data directory
	DatabasePath string `koanf:"database_path"` // SQLite database path
	BlobPath     string `koanf:"blob_path"`     // Message body blob storage path
	ArchivePath  string `koanf:"archive_path"`  // Expunge archive maildir path ("" disables archiving)
}

// RedisConfig holds Redis configuration for locks, rate limits and the
// cross-process event bridge
type RedisConfig struct {
	Enabled bool   `koanf:"enabled"` // Use Redis; off means in-process locks and limits
	URL     string `koanf:"url"`     // Redis connection URL
	Prefix  string `koanf:"prefix"`  // Key prefix
}

// LockConfig holds mailbox write lock configuration
type LockConfig struct {
	ExpungeTTL string `koanf:"expunge_ttl"` // Lease TTL for EXPUNGE
	MoveTTL    string `koanf:"move_ttl"`    // Lease TTL for MOVE
	Wait       string `koanf:"wait"`        // Acquisition budget before timeout
}

// LimitConfig holds the per-user upload budget
type LimitConfig struct {
	UploadWindow   string `koanf:"upload_window"`    // Sliding window length
	UploadMaxBytes int64  `koanf:"upload_max_bytes"` // Bytes admitted per window
}

// CommandConfig holds command handler timing
type CommandConfig struct {
	ProgressAfter string `koanf:"progress_after"` // Delay before still-processing signals
	ProgressEvery string `koanf:"progress_every"` // Interval between signals
}

// EncryptionConfig holds the at-rest encryption master key
type EncryptionConfig struct {
	Enabled       bool   `koanf:"enabled"`         // Honor per-mailbox encryption policy
	MasterKeyFile string `koanf:"master_key_file"` // Path to the 32-byte master key
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"` // Serve /metrics
	Listen  string `koanf:"listen"`  // Listen address (host:port)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:       "sqlite",
			DataDir:      "/var/lib/mailstore",
			DatabasePath: "/var/lib/mailstore/mailstore.db",
			BlobPath:     "/var/lib/mailstore/blobs",
			ArchivePath:  "/var/lib/mailstore/archive",
		},
		Redis: RedisConfig{
			Enabled: true,
			URL:     "redis://localhost:6379/0",
			Prefix:  "mailstore",
		},
		Locks: LockConfig{
			ExpungeTTL: "3m",
			MoveTTL:    "5m",
			Wait:       "30s",
		},
		Limits: LimitConfig{
			UploadWindow:   "15m",
			UploadMaxBytes: 262144000, // 250MB
		},
		Commands: CommandConfig{
			ProgressAfter: "10s",
			ProgressEvery: "15s",
		},
		Encryption: EncryptionConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Storage validation
	if err := c.validateStorage(); err != nil {
		return err
	}

	// Timeout validation
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Redis validation
	if c.Redis.Enabled {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when redis is enabled")
		}
		if c.Redis.Prefix == "" {
			return fmt.Errorf("redis.prefix is required when redis is enabled")
		}
	}

	// Limit validation
	if c.Limits.UploadMaxBytes < 1024 {
		return fmt.Errorf("limits.upload_max_bytes must be at least 1024 bytes")
	}

	// Encryption validation
	if c.Encryption.Enabled {
		if c.Encryption.MasterKeyFile == "" {
			return fmt.Errorf("encryption.master_key_file is required when encryption is enabled")
		}
		if err := validateFileReadable(c.Encryption.MasterKeyFile); err != nil {
			return fmt.Errorf("encryption.master_key_file: %w", err)
		}
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	// Metrics validation
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// validateStorage ensures all storage paths are valid
func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, memory (got: %s)", c.Storage.Driver)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required for the sqlite driver")
	}
	if c.Storage.BlobPath == "" {
		return fmt.Errorf("storage.blob_path is required")
	}

	// Validate paths are absolute for safety
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if c.Storage.DatabasePath != "" && !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	if !filepath.IsAbs(c.Storage.BlobPath) {
		return fmt.Errorf("storage.blob_path must be an absolute path (got: %s)", c.Storage.BlobPath)
	}
	if c.Storage.ArchivePath != "" && !filepath.IsAbs(c.Storage.ArchivePath) {
		return fmt.Errorf("storage.archive_path must be an absolute path (got: %s)", c.Storage.ArchivePath)
	}

	return nil
}

// validateTimeouts ensures all duration configurations are valid
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"locks.expunge_ttl":       c.Locks.ExpungeTTL,
		"locks.move_ttl":          c.Locks.MoveTTL,
		"locks.wait":              c.Locks.Wait,
		"limits.upload_window":    c.Limits.UploadWindow,
		"commands.progress_after": c.Commands.ProgressAfter,
		"commands.progress_every": c.Commands.ProgressEvery,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		// Sanity checks for specific durations
		switch name {
		case "locks.expunge_ttl", "locks.move_ttl":
			if duration < 10*time.Second {
				return fmt.Errorf("%s is too short, minimum is 10s (got: %s)", name, timeout)
			}
			if duration > time.Hour {
				return fmt.Errorf("%s is too long, maximum is 1h (got: %s)", name, timeout)
			}
		case "locks.wait":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "limits.upload_window":
			if duration > 24*time.Hour {
				return fmt.Errorf("%s is too long, maximum is 24h (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// Duration parses a configured duration string, falling back to def when the
// field is empty. Validate has already rejected unparseable values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	// Try to open for reading
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.BlobPath,
	}
	if c.Storage.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabasePath))
	}
	if c.Storage.ArchivePath != "" {
		dirs = append(dirs, c.Storage.ArchivePath)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

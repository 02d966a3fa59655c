// Package config handles remdb configuration via YAML files and environment
// variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--backend, --data-dir, etc.)
//  2. Environment variables (REMDB_*)
//  3. Config file (remdb.yaml)
//  4. Built-in defaults
//
// Environment Variables (all use REMDB_ prefix):
//
// Storage:
//   - REMDB_BACKEND="badger", "memory", "postgres" or "tidb"
//   - REMDB_DATA_DIR="./data"
//   - REMDB_POSTGRES_DSN="postgres://..."
//   - REMDB_TIDB_DSN="user:pass@tcp(host:4000)/db"
//
// Traversal:
//   - REMDB_TRAVERSE_BREADTH_LIMIT=256
//   - REMDB_TRAVERSE_DEPTH_TIMEOUT=5s
//   - REMDB_TRAVERSE_DEFAULT_LIMIT=9
//
// Logging:
//   - REMDB_LOG_LEVEL="info"
//   - REMDB_LOG_FORMAT="console" or "json"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all remdb configuration.
//
// Use LoadFromFile to get the full precedence chain, or DefaultConfig for
// tests and embedded use. Always call Validate before handing the config to
// the engine.
type Config struct {
	// Storage backend selection and connection settings
	Storage StorageConfig `yaml:"storage"`

	// Traversal limits
	Traverse TraverseConfig `yaml:"traverse"`

	// Retry behavior for unavailable backends
	Retry RetryConfig `yaml:"retry"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	// Backend is one of "badger", "memory", "postgres", "tidb".
	Backend string `yaml:"backend"`
	// DataDir is the directory for embedded storage.
	DataDir string `yaml:"data_dir"`
	// SyncWrites forces fsync per write on embedded storage.
	SyncWrites bool `yaml:"sync_writes"`
	// PostgresDSN is the pgx connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
	// TiDBDSN is the mysql-protocol DSN for the tidb backend.
	TiDBDSN string `yaml:"tidb_dsn"`
}

// TraverseConfig bounds graph traversal.
type TraverseConfig struct {
	// BreadthLimit caps the frontier per depth.
	BreadthLimit int `yaml:"breadth_limit"`
	// DepthTimeout bounds each depth. Zero disables it.
	DepthTimeout time.Duration `yaml:"depth_timeout"`
	// DefaultLimit is the result limit when a plan does not set one.
	DefaultLimit int `yaml:"default_limit"`
}

// RetryConfig controls retries on ErrUnavailable.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "badger",
			DataDir: "./data",
		},
		Traverse: TraverseConfig{
			BreadthLimit: 256,
			DepthTimeout: 5 * time.Second,
			DefaultLimit: 9,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromFile loads defaults, overlays the YAML file when it exists, then
// applies REMDB_* environment variables. An empty path skips the file step.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns the first existing default config path, or "".
// Checked in order: ./remdb.yaml, ./config/remdb.yaml, ~/.remdb/remdb.yaml.
func FindConfigFile() string {
	candidates := []string{
		"remdb.yaml",
		filepath.Join("config", "remdb.yaml"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".remdb", "remdb.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func applyEnvVars(cfg *Config) {
	cfg.Storage.Backend = getEnv("REMDB_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DataDir = getEnv("REMDB_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.SyncWrites = getEnvBool("REMDB_SYNC_WRITES", cfg.Storage.SyncWrites)
	cfg.Storage.PostgresDSN = getEnv("REMDB_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.TiDBDSN = getEnv("REMDB_TIDB_DSN", cfg.Storage.TiDBDSN)

	cfg.Traverse.BreadthLimit = getEnvInt("REMDB_TRAVERSE_BREADTH_LIMIT", cfg.Traverse.BreadthLimit)
	cfg.Traverse.DepthTimeout = getEnvDuration("REMDB_TRAVERSE_DEPTH_TIMEOUT", cfg.Traverse.DepthTimeout)
	cfg.Traverse.DefaultLimit = getEnvInt("REMDB_TRAVERSE_DEFAULT_LIMIT", cfg.Traverse.DefaultLimit)

	cfg.Retry.Attempts = getEnvInt("REMDB_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	cfg.Retry.Backoff = getEnvDuration("REMDB_RETRY_BACKOFF", cfg.Retry.Backoff)

	cfg.Logging.Level = getEnv("REMDB_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("REMDB_LOG_FORMAT", cfg.Logging.Format)
}

// Validate catches missing or contradictory settings before startup.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("config: badger backend requires storage.data_dir")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend requires storage.postgres_dsn")
		}
	case "tidb":
		if c.Storage.TiDBDSN == "" {
			return fmt.Errorf("config: tidb backend requires storage.tidb_dsn")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Storage.Backend)
	}

	if c.Traverse.BreadthLimit <= 0 {
		return fmt.Errorf("config: traverse.breadth_limit must be positive, got %d", c.Traverse.BreadthLimit)
	}
	if c.Traverse.DefaultLimit <= 0 {
		return fmt.Errorf("config: traverse.default_limit must be positive, got %d", c.Traverse.DefaultLimit)
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("config: retry.attempts must be >= 0, got %d", c.Retry.Attempts)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 256, cfg.Traverse.BreadthLimit)
	assert.Equal(t, 5*time.Second, cfg.Traverse.DepthTimeout)
	assert.Equal(t, 9, cfg.Traverse.DefaultLimit)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml overlays defaults", func(t *testing.T) {
		path := writeYAML(t, `
storage:
  backend: memory
traverse:
  breadth_limit: 64
logging:
  level: debug
  format: json
`)
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)

		assert.Equal(t, "memory", cfg.Storage.Backend)
		assert.Equal(t, 64, cfg.Traverse.BreadthLimit)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
		// Untouched sections keep their defaults.
		assert.Equal(t, 9, cfg.Traverse.DefaultLimit)
		assert.Equal(t, 3, cfg.Retry.Attempts)
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "badger", cfg.Storage.Backend)
	})

	t.Run("empty path skips the file step", func(t *testing.T) {
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		assert.Equal(t, "badger", cfg.Storage.Backend)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeYAML(t, "storage: [not a map")
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := writeYAML(t, `
storage:
  backend: memory
`)
		t.Setenv("REMDB_BACKEND", "postgres")
		t.Setenv("REMDB_POSTGRES_DSN", "postgres://localhost/rem")
		t.Setenv("REMDB_TRAVERSE_DEPTH_TIMEOUT", "30s")
		t.Setenv("REMDB_SYNC_WRITES", "true")

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Storage.Backend)
		assert.Equal(t, "postgres://localhost/rem", cfg.Storage.PostgresDSN)
		assert.Equal(t, 30*time.Second, cfg.Traverse.DepthTimeout)
		assert.True(t, cfg.Storage.SyncWrites)
	})

	t.Run("invalid env value keeps default", func(t *testing.T) {
		t.Setenv("REMDB_TRAVERSE_BREADTH_LIMIT", "lots")
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		assert.Equal(t, 256, cfg.Traverse.BreadthLimit)
	})

	t.Run("invalid config rejected at load", func(t *testing.T) {
		t.Setenv("REMDB_BACKEND", "tidb")
		_, err := LoadFromFile("")
		assert.ErrorContains(t, err, "tidb_dsn")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return DefaultConfig() }

	t.Run("memory needs nothing", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Backend = "memory"
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("badger needs data dir", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.DataDir = ""
		assert.ErrorContains(t, cfg.Validate(), "data_dir")
	})

	t.Run("postgres needs dsn", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Backend = "postgres"
		assert.ErrorContains(t, cfg.Validate(), "postgres_dsn")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Backend = "sqlite"
		assert.ErrorContains(t, cfg.Validate(), "unknown backend")
	})

	t.Run("breadth limit must be positive", func(t *testing.T) {
		cfg := valid()
		cfg.Traverse.BreadthLimit = 0
		assert.ErrorContains(t, cfg.Validate(), "breadth_limit")
	})

	t.Run("unknown log format", func(t *testing.T) {
		cfg := valid()
		cfg.Logging.Format = "xml"
		assert.ErrorContains(t, cfg.Validate(), "log format")
	})
}

func TestFindConfigFile(t *testing.T) {
	t.Run("prefers working directory", func(t *testing.T) {
		dir := t.TempDir()
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(dir))
		t.Cleanup(func() { _ = os.Chdir(wd) })

		assert.Equal(t, "", FindConfigFile())

		require.NoError(t, os.WriteFile("remdb.yaml", []byte("{}"), 0o644))
		assert.Equal(t, "remdb.yaml", FindConfigFile())
	})
}

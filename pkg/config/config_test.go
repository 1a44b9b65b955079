package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
  codec: zstd
sqlite:
  path: /tmp/index.db
search:
  defaultMode: ordered
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, CodecZstd, cfg.Store.Codec)
	assert.Equal(t, "/tmp/index.db", cfg.SQLite.Path)
	assert.Equal(t, "ordered", cfg.Search.DefaultMode)
	assert.Equal(t, 5*time.Second, cfg.Store.OpTimeout)
	assert.Equal(t, "se:", cfg.Redis.KeyPrefix)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: sqlite\n")
	t.Setenv("SE_STORE_BACKEND", "memory")
	t.Setenv("SE_STORE_OP_TIMEOUT", "250ms")
	t.Setenv("SE_KAFKA_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.OpTimeout)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	for name, mutate := range map[string]func(*Config){
		"backend":    func(c *Config) { c.Store.Backend = "mongo" },
		"codec":      func(c *Config) { c.Store.Codec = "gzip" },
		"flush mode": func(c *Config) { c.Redis.FlushMode = "sometimes" },
		"mode":       func(c *Config) { c.Search.DefaultMode = "fuzzy" },
		"merge":      func(c *Config) { c.Indexer.MergeConcurrency = 0 },
		"attempts":   func(c *Config) { c.Indexer.MaxMergeAttempts = 0 },
		"limit":      func(c *Config) { c.Search.DefaultLimit = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDevelopmentConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "development.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "text", cfg.Logging.Format)
}

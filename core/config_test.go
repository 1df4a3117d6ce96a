package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, DefaultNamespace, cfg.Namespace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Queue.DedupTTL)
	assert.Equal(t, 10000, cfg.Memory.CacheCapacity)
	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatInterval)
}

func TestNewConfigEnvOverrides(t *testing.T) {
	t.Setenv("FABRIC_REDIS_URL", "redis://other:6380")
	t.Setenv("FABRIC_NAMESPACE", "staging")
	t.Setenv("FABRIC_HTTP_PORT", "9000")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis://other:6380", cfg.RedisURL)
	assert.Equal(t, "staging", cfg.Namespace)
	assert.Equal(t, 9000, cfg.HTTPPort)
}

func TestNewConfigOptionsBeatEnv(t *testing.T) {
	t.Setenv("FABRIC_NAMESPACE", "from-env")

	cfg, err := NewConfig(WithNamespace("from-option"), WithHTTPPort(7000))
	require.NoError(t, err)
	assert.Equal(t, "from-option", cfg.Namespace)
	assert.Equal(t, 7000, cfg.HTTPPort)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewConfig(WithNamespace(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfiguration)

	_, err = NewConfig(WithHTTPPort(70000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: filens
http_port: 8123
queue:
  dedup_capacity: 42
memory:
  cache_capacity: 777
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "filens", cfg.Namespace)
	assert.Equal(t, 8123, cfg.HTTPPort)
	assert.Equal(t, 42, cfg.Queue.DedupCapacity)
	assert.Equal(t, 777, cfg.Memory.CacheCapacity)
	// Absent fields keep defaults
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLogLevel("info"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warn"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
}

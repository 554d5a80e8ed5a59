package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlink/beam/internal/bytesize"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "*", cfg.Server.CORSOrigin)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, bytesize.GiB, cfg.Transfer.MaxFileSize)
	assert.Equal(t, 64*bytesize.KiB, cfg.Transfer.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.Transfer.AckTimeout)
	assert.Equal(t, 3, cfg.Transfer.MaxRetries)
	assert.Equal(t, 1000, cfg.TTL.HeartbeatLimit)
	assert.Equal(t, time.Minute, cfg.TTL.RateLimitWindow)
	assert.False(t, cfg.Cluster.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  port: 8080
  cors_origin: https://beam.example.com
storage:
  backend: badger
  path: /tmp/beam-data
transfer:
  max_file_size: 100MB
  ack_timeout: 5s
  checksums: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level should be normalized to uppercase")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://beam.example.com", cfg.Server.CORSOrigin)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/beam-data", cfg.Storage.Path)
	assert.Equal(t, 100*bytesize.MB, cfg.Transfer.MaxFileSize)
	assert.Equal(t, 5*time.Second, cfg.Transfer.AckTimeout)
	assert.True(t, cfg.Transfer.Checksums)

	// Unspecified fields still default.
	assert.Equal(t, 10, cfg.Transfer.MaxConcurrentUploads)
	assert.Equal(t, 15*time.Second, cfg.Cluster.LockTTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BEAM_SERVER_PORT", "9090")
	t.Setenv("BEAM_STORAGE_BACKEND", "badger")
	t.Setenv("BEAM_STORAGE_PATH", "/var/lib/beam")
	t.Setenv("BEAM_TRANSFER_MAX_RETRIES", "5")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/beam", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Transfer.MaxRetries)
}

func TestLoadLegacyEnvAliases(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("CORS_ORIGIN", "https://legacy.example.com")
	t.Setenv("MAX_FILE_SIZE", "256MB")
	t.Setenv("ACK_TIMEOUT_MS", "2500")
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "https://legacy.example.com", cfg.Server.CORSOrigin)
	assert.Equal(t, 256*bytesize.MB, cfg.Transfer.MaxFileSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.Transfer.AckTimeout)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
}

func TestClusterRequiresRedisBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
cluster:
  enabled: true
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster mode requires the redis storage backend")
}

func TestClusterDefaultsToRedisBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
cluster:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid log level", func(c *Config) { c.Logging.Level = "VERBOSE" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }},
		{"lock ttl below election interval", func(c *Config) {
			c.Cluster.LockTTL = time.Second
			c.Cluster.ElectionInterval = 5 * time.Second
		}},
		{"chunk larger than file cap", func(c *Config) {
			c.Transfer.ChunkSize = 2 * bytesize.GiB
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.Port = 4242
	cfg.Transfer.Checksums = true
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, loaded.Server.Port)
	assert.True(t, loaded.Transfer.Checksums)
}

func TestRedisAddr(t *testing.T) {
	cfg := RedisConfig{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", cfg.Addr())
}

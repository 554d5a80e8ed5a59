package config

import (
	"os"
	"strings"
	"time"

	"github.com/beamlink/beam/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyClusterDefaults(&cfg.Cluster)
	applyRedisDefaults(&cfg.Redis)
	applyStorageDefaults(cfg)
	applyTransferDefaults(&cfg.Transfer)
	applyTTLDefaults(&cfg.TTL)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets listener defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyClusterDefaults sets membership and election defaults.
func applyClusterDefaults(cfg *ClusterConfig) {
	if cfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Hostname = host
		} else {
			cfg.Hostname = "localhost"
		}
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ElectionInterval == 0 {
		cfg.ElectionInterval = 5 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 15 * time.Second
	}
}

// applyRedisDefaults sets Redis connection defaults.
func applyRedisDefaults(cfg *RedisConfig) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
}

// applyStorageDefaults selects the backend when unset. Cluster mode needs a
// shared store, so it forces redis.
func applyStorageDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		if cfg.Cluster.Enabled {
			cfg.Storage.Backend = BackendRedis
		} else {
			cfg.Storage.Backend = BackendMemory
		}
	}
	if cfg.Storage.Backend == BackendBadger && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
}

// applyTransferDefaults sets relay limits and timers.
func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = bytesize.GiB
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * bytesize.KiB
	}
	if cfg.MaxConcurrentUploads == 0 {
		cfg.MaxConcurrentUploads = 10
	}
	if cfg.MaxConcurrentDownloads == 0 {
		cfg.MaxConcurrentDownloads = 10
	}
	if cfg.MaxConcurrentTransfers == 0 {
		cfg.MaxConcurrentTransfers = 5
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 2 * time.Second
	}
}

// applyTTLDefaults sets entity lifetime defaults.
func applyTTLDefaults(cfg *TTLConfig) {
	if cfg.ClientSession == 0 {
		cfg.ClientSession = time.Hour
	}
	if cfg.ShareSession == 0 {
		cfg.ShareSession = 24 * time.Hour
	}
	if cfg.UploadState == 0 {
		cfg.UploadState = 24 * time.Hour
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.HeartbeatLimit == 0 {
		cfg.HeartbeatLimit = 1000
	}
}

// GetDefaultConfig returns a configuration populated entirely with defaults.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

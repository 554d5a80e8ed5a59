// Package config loads and validates the server configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/beamlink/beam/internal/bytesize"
)

// Config represents the beam server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (BEAM_* plus the legacy unprefixed names)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP and websocket listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Cluster configures node membership and leader election
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`

	// Redis configures the coordination store used in cluster mode
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// Storage selects and configures the persistence backend
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Transfer tunes the upload relay limits and timers
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// TTL bounds the lifetime of persisted entities
	TTL TTLConfig `mapstructure:"ttl" yaml:"ttl"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	// Port is the listen port for both HTTP and websocket traffic
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// CORSOrigin is the allowed browser origin. "*" disables the check.
	CORSOrigin string `mapstructure:"cors_origin" yaml:"cors_origin"`

	// ShutdownTimeout is the maximum time to wait for in-flight
	// connections to drain on graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// ClusterConfig configures node membership and leader election.
type ClusterConfig struct {
	// Enabled turns on clustered operation. Requires the redis storage
	// backend so every node shares one coordination store.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Hostname identifies this node to its peers. Defaults to the OS
	// hostname.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// HeartbeatInterval is how often the node refreshes its liveness record
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"omitempty,gt=0" yaml:"heartbeat_interval"`

	// ElectionInterval is the cadence of the leader election loop
	ElectionInterval time.Duration `mapstructure:"election_interval" validate:"omitempty,gt=0" yaml:"election_interval"`

	// LockTTL is the expiry of the master lock. Must exceed the election
	// interval or leadership flaps.
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"omitempty,gt=0" yaml:"lock_ttl"`
}

// RedisConfig configures the Redis connection for the redis backend.
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" validate:"min=0" yaml:"db"`
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "redis", or "badger"
	Backend string `mapstructure:"backend" validate:"required,oneof=memory redis badger" yaml:"backend"`

	// Path is the data directory for the badger backend
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// TransferConfig tunes the upload relay.
type TransferConfig struct {
	// MaxFileSize caps a single upload. Supports human-readable values
	// like "1GB" or "512Mi".
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// ChunkSize is the chunk size advertised to clients
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`

	// MaxConcurrentUploads caps live uploads per sender
	MaxConcurrentUploads int `mapstructure:"max_concurrent_uploads" validate:"omitempty,min=1" yaml:"max_concurrent_uploads"`

	// MaxConcurrentDownloads caps live downloads per receiver
	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads" validate:"omitempty,min=1" yaml:"max_concurrent_downloads"`

	// MaxConcurrentTransfers caps uploads plus downloads per client
	MaxConcurrentTransfers int `mapstructure:"max_concurrent_transfers" validate:"omitempty,min=1" yaml:"max_concurrent_transfers"`

	// AckTimeout is how long a relayed chunk may stay unacknowledged
	// before a retry is requested
	AckTimeout time.Duration `mapstructure:"ack_timeout" validate:"omitempty,gt=0" yaml:"ack_timeout"`

	// MaxRetries is the per-chunk redelivery budget
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=1" yaml:"max_retries"`

	// ScanInterval is the cadence of the ack-timeout scanner
	ScanInterval time.Duration `mapstructure:"scan_interval" validate:"omitempty,gt=0" yaml:"scan_interval"`

	// Checksums enables per-chunk SHA-256 digests
	Checksums bool `mapstructure:"checksums" yaml:"checksums"`
}

// TTLConfig bounds the lifetime of persisted entities.
type TTLConfig struct {
	// ClientSession is the grace period for disconnected sessions
	ClientSession time.Duration `mapstructure:"client_session" validate:"omitempty,gt=0" yaml:"client_session"`

	// ShareSession bounds idle share rooms
	ShareSession time.Duration `mapstructure:"share_session" validate:"omitempty,gt=0" yaml:"share_session"`

	// UploadState bounds stalled uploads
	UploadState time.Duration `mapstructure:"upload_state" validate:"omitempty,gt=0" yaml:"upload_state"`

	// RateLimitWindow is the fixed heartbeat rate limit window
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" validate:"omitempty,gt=0" yaml:"rate_limit_window"`

	// HeartbeatLimit is the per-client heartbeat budget per window
	HeartbeatLimit int `mapstructure:"heartbeat_limit" validate:"omitempty,min=1" yaml:"heartbeat_limit"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the /metrics
	// endpoint are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)
	bindEnvKeys(v)
	bindLegacyEnv(v)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file may carry the Redis password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and the config file
// search path.
func setupViper(v *viper.Viper, configPath string) {
	// BEAM_ prefixed variables map onto config keys with underscores.
	// Example: BEAM_SERVER_PORT=3000
	v.SetEnvPrefix("BEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys explicitly binds every configuration key so BEAM_ variables
// are visible to Unmarshal even without a config file. AutomaticEnv alone
// only resolves keys viper already knows about.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"logging.level", "logging.format", "logging.output",
		"server.port", "server.cors_origin", "server.shutdown_timeout",
		"cluster.enabled", "cluster.hostname", "cluster.heartbeat_interval",
		"cluster.election_interval", "cluster.lock_ttl",
		"redis.host", "redis.port", "redis.password", "redis.db",
		"storage.backend", "storage.path",
		"transfer.max_file_size", "transfer.chunk_size",
		"transfer.max_concurrent_uploads", "transfer.max_concurrent_downloads",
		"transfer.max_concurrent_transfers", "transfer.ack_timeout",
		"transfer.max_retries", "transfer.scan_interval", "transfer.checksums",
		"ttl.client_session", "ttl.share_session", "ttl.upload_state",
		"ttl.rate_limit_window", "ttl.heartbeat_limit",
		"metrics.enabled",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// bindLegacyEnv wires the unprefixed environment names the original
// deployment used, so existing process managers keep working.
func bindLegacyEnv(v *viper.Viper) {
	aliases := map[string]string{
		"server.port":                       "PORT",
		"server.cors_origin":                "CORS_ORIGIN",
		"cluster.enabled":                   "USE_CLUSTER",
		"cluster.hostname":                  "NODE_HOSTNAME",
		"redis.host":                        "REDIS_HOST",
		"redis.port":                        "REDIS_PORT",
		"redis.password":                    "REDIS_PASSWORD",
		"redis.db":                          "REDIS_DB",
		"storage.backend":                   "STORAGE_BACKEND",
		"transfer.max_file_size":            "MAX_FILE_SIZE",
		"transfer.chunk_size":               "CHUNK_SIZE",
		"transfer.max_concurrent_uploads":   "MAX_CONCURRENT_UPLOADS",
		"transfer.max_concurrent_downloads": "MAX_CONCURRENT_DOWNLOADS",
		"transfer.max_concurrent_transfers": "MAX_CONCURRENT_TRANSFERS",
		"transfer.max_retries":              "MAX_RETRIES",
		"ttl.client_session":                "TTL_CLIENT_SESSION",
		"ttl.share_session":                 "TTL_SHARE_SESSION",
		"ttl.upload_state":                  "TTL_UPLOAD_STATE",
		"ttl.rate_limit_window":             "TTL_RATE_LIMIT_WINDOW",
		// TTL_HEARTBEAT is not a lifetime despite the family name: it
		// always meant the heartbeat budget per rate window.
		"ttl.heartbeat_limit": "TTL_HEARTBEAT",
	}
	for key, name := range aliases {
		_ = v.BindEnv(key, name)
	}

	// ACK_TIMEOUT_MS predates duration strings: a bare number of
	// milliseconds.
	if ms := os.Getenv("ACK_TIMEOUT_MS"); ms != "" {
		v.Set("transfer.ack_timeout", ms+"ms")
	}
	// USE_REDIS predates the backend selector.
	if useRedis := os.Getenv("USE_REDIS"); useRedis == "true" || useRedis == "1" {
		v.SetDefault("storage.backend", BackendRedis)
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "1Gi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use values like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "beam")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "beam")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

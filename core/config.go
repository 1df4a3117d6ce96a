package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide configuration for the fabric.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithRedisURL("redis://localhost:6379"),
//	    core.WithNamespace("revoagent"),
//	)
type Config struct {
	// RedisURL is the connection string for the backing KV store
	RedisURL string `yaml:"redis_url"`

	// Namespace prefixes every key written to the KV store
	Namespace string `yaml:"namespace"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// HTTPPort is the port the webhook ingress and admin endpoints listen on
	HTTPPort int `yaml:"http_port"`

	Queue    QueueConfig    `yaml:"queue"`
	Registry RegistryConfig `yaml:"registry"`
	Memory   MemoryConfig   `yaml:"memory"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

// QueueConfig configures the message queue
type QueueConfig struct {
	// DedupTTL is how long a content hash suppresses duplicate sends
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	// DedupCapacity bounds the number of live dedup keys
	DedupCapacity int `yaml:"dedup_capacity"`
	// CompletedRetention is the TTL applied to acknowledged bodies
	CompletedRetention time.Duration `yaml:"completed_retention"`
	// MaxRetryBackoff caps the per-message retry delay
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// RegistryConfig configures the agent registry
type RegistryConfig struct {
	// HeartbeatInterval is the default agent heartbeat period
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SweepInterval is how often the health sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MemoryConfig configures the memory coordinator
type MemoryConfig struct {
	// CacheCapacity bounds the in-process LRU mirror
	CacheCapacity int `yaml:"cache_capacity"`
	// LockPollTimeout bounds lock acquisition polling
	LockPollTimeout time.Duration `yaml:"lock_poll_timeout"`
	// ConflictResolutionTimeout is how long pending conflicts wait
	// before being auto-resolved with last-writer-wins
	ConflictResolutionTimeout time.Duration `yaml:"conflict_resolution_timeout"`
	// SyncBatchSize triggers a flush when a BATCH queue reaches it
	SyncBatchSize int `yaml:"sync_batch_size"`
	// SyncInterval drives the EVENTUAL/BATCH/PERIODIC flushers
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// WorkflowConfig configures the workflow coordinator
type WorkflowConfig struct {
	// DefaultTaskTimeout applies when a task declares none
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	// MonitorInterval is how often the timeout monitor sweeps
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// NewConfig builds a Config from defaults, environment and options
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := defaultConfig()
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		RedisURL:  "redis://localhost:6379",
		Namespace: DefaultNamespace,
		LogLevel:  "info",
		HTTPPort:  8090,
		Queue: QueueConfig{
			DedupTTL:           5 * time.Minute,
			DedupCapacity:      10000,
			CompletedRetention: time.Hour,
			MaxRetryBackoff:    300 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 30 * time.Second,
			SweepInterval:     15 * time.Second,
		},
		Memory: MemoryConfig{
			CacheCapacity:             10000,
			LockPollTimeout:           30 * time.Second,
			ConflictResolutionTimeout: 60 * time.Second,
			SyncBatchSize:             50,
			SyncInterval:              5 * time.Second,
		},
		Workflow: WorkflowConfig{
			DefaultTaskTimeout: 5 * time.Minute,
			MonitorInterval:    time.Second,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FABRIC_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("FABRIC_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("FABRIC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FABRIC_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("FABRIC_DEDUP_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.DedupCapacity = n
		}
	}
	if v := os.Getenv("FABRIC_MEMORY_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.CacheCapacity = n
		}
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis URL: %w", ErrMissingConfiguration)
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace: %w", ErrMissingConfiguration)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range: %w", c.HTTPPort, ErrInvalidConfiguration)
	}
	if c.Queue.DedupCapacity < 0 {
		return fmt.Errorf("dedup capacity must be non-negative: %w", ErrInvalidConfiguration)
	}
	if c.Memory.CacheCapacity <= 0 {
		return fmt.Errorf("memory cache capacity must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// ConfigOption mutates a Config during construction
type ConfigOption func(*Config)

// WithRedisURL sets the KV store connection string
func WithRedisURL(url string) ConfigOption {
	return func(c *Config) { c.RedisURL = url }
}

// WithNamespace sets the key namespace
func WithNamespace(ns string) ConfigOption {
	return func(c *Config) { c.Namespace = ns }
}

// WithLogLevel sets the log level
func WithLogLevel(level string) ConfigOption {
	return func(c *Config) { c.LogLevel = level }
}

// WithHTTPPort sets the ingress port
func WithHTTPPort(port int) ConfigOption {
	return func(c *Config) { c.HTTPPort = port }
}

// WithConfigFile loads a YAML file over the current values. Missing
// files are an error; empty fields in the file keep their prior values.
func WithConfigFile(path string) ConfigOption {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			// Surfaced by Validate via the zero namespace if the file
			// was the only source of configuration.
			return
		}
		// Unmarshal over the existing struct so absent fields keep
		// their defaults.
		_ = yaml.Unmarshal(data, c)
	}
}

// LoadConfigFile loads a YAML config file over defaults and env,
// returning an error when the file cannot be read or parsed.
func LoadConfigFile(path string, opts ...ConfigOption) (*Config, error) {
	cfg := defaultConfig()
	cfg.applyEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, ErrInvalidConfiguration)
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

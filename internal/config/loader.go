package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")          // Current directory
		v.AddConfigPath("./configs")  // Project configs directory
		v.AddConfigPath("./config")   // Alternative config directory
		v.AddConfigPath("/etc/ferry") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("FERRY")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 7070)

	// Node defaults
	v.SetDefault("node.role", "replica")
	v.SetDefault("node.priority", 50)

	// Cluster defaults
	v.SetDefault("cluster.heartbeat_interval", "15s")
	v.SetDefault("cluster.failure_threshold", 3)
	v.SetDefault("cluster.sweep_interval", "10s")

	// Replication defaults
	v.SetDefault("replication.enabled", false)
	v.SetDefault("replication.fanout_workers", 4)
	v.SetDefault("replication.target_timeout", "10s")
	v.SetDefault("replication.ring_size", 1024)
	v.SetDefault("replication.queue.type", "memory")
	v.SetDefault("replication.queue.url", "nats://localhost:4222")

	// Migration defaults
	v.SetDefault("migration.batch_size", 500)
	v.SetDefault("migration.max_concurrent", 2)
	v.SetDefault("migration.checkpoint_ttl", "24h")
	v.SetDefault("migration.pause_ttl", "1h")
	v.SetDefault("migration.pause_poll_interval", "2s")
	v.SetDefault("migration.rate_limit_per_hour", 5)
	v.SetDefault("migration.default_max_mbps", 0)
	v.SetDefault("migration.http_timeout", "30s")
	v.SetDefault("migration.signing_key_path", "./data/signing_key.pem")
	v.SetDefault("migration.signing_key_bits", 2048)
	v.SetDefault("migration.task_retention", "1h")
	v.SetDefault("migration.schema_sample_size", 100)

	// Sanitizer defaults
	v.SetDefault("sanitizer.enabled", true)

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "1h")

	// Nodestore defaults
	v.SetDefault("nodestore.type", "memory")
	v.SetDefault("nodestore.dial_timeout", "5s")
	v.SetDefault("nodestore.namespace", "/ferry")
	v.SetDefault("nodestore.cache_ttl", "30s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		// Return default configuration
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 7070,
		},
		Node: NodeConfig{
			Role:     "replica",
			Priority: 50,
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 15 * time.Second,
			FailureThreshold:  3,
			SweepInterval:     10 * time.Second,
		},
		Replication: ReplicationConfig{
			Enabled:       false,
			FanoutWorkers: 4,
			TargetTimeout: 10 * time.Second,
			RingSize:      1024,
			Queue: QueueConfig{
				Type: "memory",
				URL:  "nats://localhost:4222",
			},
		},
		Migration: MigrationConfig{
			BatchSize:         500,
			MaxConcurrent:     2,
			CheckpointTTL:     24 * time.Hour,
			PauseTTL:          time.Hour,
			PausePollInterval: 2 * time.Second,
			RateLimitPerHour:  5,
			HTTPTimeout:       30 * time.Second,
			SigningKeyPath:    "./data/signing_key.pem",
			SigningKeyBits:    2048,
			TaskRetention:     time.Hour,
			SchemaSampleSize:  100,
		},
		Sanitizer: SanitizerConfig{
			Enabled: true,
		},
		Cache: CacheConfig{
			Type: "memory",
			TTL:  time.Hour,
		},
		NodeStore: NodeStoreConfig{
			Type:        "memory",
			DialTimeout: 5 * time.Second,
			Namespace:   "/ferry",
			CacheTTL:    30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

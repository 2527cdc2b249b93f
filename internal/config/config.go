package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Node        NodeConfig        `mapstructure:"node"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Migration   MigrationConfig   `mapstructure:"migration"`
	Sanitizer   SanitizerConfig   `mapstructure:"sanitizer"`
	Cache       CacheConfig       `mapstructure:"cache"`
	NodeStore   NodeStoreConfig   `mapstructure:"nodestore"`
	Security    SecurityConfig    `mapstructure:"security"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // HTTP server port
}

// NodeConfig describes the local node's cluster identity
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Advertised hostname, defaults to os.Hostname
	Port     int               `mapstructure:"port"`     // Advertised port, defaults to server.http_port
	Role     string            `mapstructure:"role"`     // master or replica
	Priority int               `mapstructure:"priority"` // Election priority
	Labels   map[string]string `mapstructure:"labels"`   // Free-form capability labels
	Seed     string            `mapstructure:"seed"`     // Seed endpoint to join an existing cluster (empty = self-managed)
	OwnerID  string            `mapstructure:"owner_id"`
}

// ClusterConfig tunes membership health derivation
type ClusterConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // Expected beat cadence
	FailureThreshold  int           `mapstructure:"failure_threshold"`  // Missed intervals before unreachable
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`     // Background status recompute cadence
}

// ReplicationConfig represents replication configuration
type ReplicationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	FanoutWorkers int           `mapstructure:"fanout_workers"` // Bounded fan-out pool size
	TargetTimeout time.Duration `mapstructure:"target_timeout"` // Per-replica publish timeout
	RingSize      int           `mapstructure:"ring_size"`      // Recent-events diagnostic window
	Queue         QueueConfig   `mapstructure:"queue"`
}

// QueueConfig represents the event bus configuration
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // memory (default), nats, redis, kafka
	URL      string `mapstructure:"url"`      // Bus server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisStream   string `mapstructure:"redis_stream"`   // Redis stream prefix (default: "ferry")
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "ferry-group")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// MigrationConfig tunes export, import and transfer behavior
type MigrationConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`          // Documents per transfer batch
	MaxConcurrent     int           `mapstructure:"max_concurrent"`      // Parallel transfer workers
	CheckpointTTL     time.Duration `mapstructure:"checkpoint_ttl"`      // Checkpoint retention
	PauseTTL          time.Duration `mapstructure:"pause_ttl"`           // Pause flag retention
	PausePollInterval time.Duration `mapstructure:"pause_poll_interval"` // Poll cadence while paused
	RateLimitPerHour  int           `mapstructure:"rate_limit_per_hour"` // Per-user export/import cap, 0 disables
	DefaultMaxMbps    float64       `mapstructure:"default_max_mbps"`    // Transfer bandwidth cap, 0 disables
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`        // Per-request timeout against targets
	SigningKeyPath    string        `mapstructure:"signing_key_path"`    // PEM private key location
	SigningKeyBits    int           `mapstructure:"signing_key_bits"`    // RSA modulus size when generating
	TaskRetention     time.Duration `mapstructure:"task_retention"`      // Finished task visibility window
	SchemaSampleSize  int           `mapstructure:"schema_sample_size"`  // Documents sampled for inference
}

// SanitizerConfig controls sensitive-field redaction
type SanitizerConfig struct {
	Enabled     bool                `mapstructure:"enabled"`
	Collections map[string][]string `mapstructure:"collections"` // Collection -> sensitive field names
	Preserve    []string            `mapstructure:"preserve"`    // Never-redacted field names
}

// CacheConfig selects the ephemeral KV backend
type CacheConfig struct {
	Type    string        `mapstructure:"type"` // memory (default) or redis
	URL     string        `mapstructure:"url"`
	RedisDB int           `mapstructure:"redis_db"`
	TTL     time.Duration `mapstructure:"ttl"` // Default entry TTL when callers pass none
}

// NodeStoreConfig selects node registry persistence
type NodeStoreConfig struct {
	Type        string        `mapstructure:"type"` // memory (default) or etcd
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Namespace   string        `mapstructure:"namespace"` // Key prefix
	CacheTTL    time.Duration `mapstructure:"cache_ttl"` // Read-through cache entry lifetime
}

// SecurityConfig holds transfer security material
type SecurityConfig struct {
	APIKeySecret string     `mapstructure:"api_key_secret"` // Secret deriving the instance API key cipher
	MTLS         MTLSConfig `mapstructure:"mtls"`
}

// MTLSConfig configures mutual TLS for node-to-node HTTP
type MTLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, UnixMs, etc
}

// Validate validates the configuration. All section errors are collected and
// returned together so a misconfigured deployment reports every problem at
// once instead of one per restart.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server config: %w", err))
	}
	if err := c.Node.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("node config: %w", err))
	}
	if err := c.Cluster.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cluster config: %w", err))
	}
	if err := c.Replication.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("replication config: %w", err))
	}
	if err := c.Migration.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("migration config: %w", err))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache config: %w", err))
	}
	if err := c.NodeStore.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("nodestore config: %w", err))
	}
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("security config: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging config: %w", err))
	}

	return errors.Join(errs...)
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	return nil
}

// Validate validates node configuration
func (c *NodeConfig) Validate() error {
	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Role != "master" && c.Role != "replica" {
		return fmt.Errorf("role must be 'master' or 'replica'")
	}
	if c.Priority < 0 {
		return fmt.Errorf("priority cannot be negative")
	}
	return nil
}

// Validate validates cluster configuration
func (c *ClusterConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// Validate validates replication configuration
func (c *ReplicationConfig) Validate() error {
	if c.FanoutWorkers < 1 {
		return fmt.Errorf("fanout_workers must be at least 1")
	}
	if c.TargetTimeout <= 0 {
		return fmt.Errorf("target_timeout must be positive")
	}
	if c.RingSize < 0 {
		return fmt.Errorf("ring_size cannot be negative")
	}

	switch c.Queue.Type {
	case "memory", "nats", "redis", "kafka":
	default:
		return fmt.Errorf("queue.type must be one of: memory, nats, redis, kafka")
	}

	return nil
}

// Validate validates migration configuration
func (c *MigrationConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.CheckpointTTL <= 0 {
		return fmt.Errorf("checkpoint_ttl must be positive")
	}
	if c.PauseTTL <= 0 {
		return fmt.Errorf("pause_ttl must be positive")
	}
	if c.PausePollInterval <= 0 {
		return fmt.Errorf("pause_poll_interval must be positive")
	}
	if c.RateLimitPerHour < 0 {
		return fmt.Errorf("rate_limit_per_hour cannot be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.SigningKeyBits < 2048 {
		return fmt.Errorf("signing_key_bits must be at least 2048")
	}
	if c.SchemaSampleSize < 1 {
		return fmt.Errorf("schema_sample_size must be at least 1")
	}
	return nil
}

// Validate validates cache configuration
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("type must be 'memory' or 'redis'")
	}
	if c.Type == "redis" && c.URL == "" {
		return fmt.Errorf("url is required for redis cache")
	}
	return nil
}

// Validate validates nodestore configuration
func (c *NodeStoreConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "etcd":
		if len(c.Endpoints) == 0 {
			return fmt.Errorf("endpoints is required for etcd nodestore")
		}
		if c.DialTimeout <= 0 {
			return fmt.Errorf("dial_timeout must be positive")
		}
	default:
		return fmt.Errorf("type must be 'memory' or 'etcd'")
	}
	return nil
}

// Validate validates security configuration. mTLS enabled with any of the
// three files missing is rejected outright rather than silently downgraded.
func (c *SecurityConfig) Validate() error {
	if c.MTLS.Enabled {
		if c.MTLS.CAFile == "" || c.MTLS.CertFile == "" || c.MTLS.KeyFile == "" {
			return fmt.Errorf("mtls enabled but ca_file, cert_file and key_file are not all set")
		}
	}
	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}

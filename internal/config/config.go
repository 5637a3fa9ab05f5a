package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the dagrun orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGRUN_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGRUN_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// MCPStdio serves the MCP tools on stdin/stdout in addition to HTTP
	MCPStdio bool `env:"DAGRUN_MCP_STDIO" envDefault:"false"`

	Storage      StorageConfig
	Redis        RedisConfig
	Orchestrator OrchestratorConfig
	Workers      WorkerConfig
	Plans        PlansConfig
	Anthropic    AnthropicConfig
	Archive      ArchiveConfig
	API          APIConfig
	Timeouts     TimeoutConfig
}

// StorageConfig selects the durable store backend
type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"sqlite"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"dagrun.db"`

	PostgresURL          string        `env:"POSTGRES_URL"`
	PostgresMaxOpenConns int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	PostgresMaxIdleConns int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	PostgresConnLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`

	// RedisTTL expires instance data in the redis backend; zero keeps it forever
	RedisTTL time.Duration `env:"STORAGE_REDIS_TTL" envDefault:"0s"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Events publishes instance events to Redis Streams instead of in memory
	Events        bool   `env:"REDIS_EVENTS" envDefault:"false"`
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"dagrun"`
	ConsumerName  string `env:"REDIS_CONSUMER_NAME" envDefault:"dagrun-1"`
}

// OrchestratorConfig holds run defaults
type OrchestratorConfig struct {
	DefaultConcurrency int           `env:"ORCH_DEFAULT_CONCURRENCY" envDefault:"4"`
	StepTimeout        time.Duration `env:"ORCH_STEP_TIMEOUT" envDefault:"300s"`
	PauseOnError       bool          `env:"ORCH_PAUSE_ON_ERROR" envDefault:"false"`

	// Default retry policy for steps without their own
	RetryMaxAttempts  int           `env:"ORCH_RETRY_MAX_ATTEMPTS" envDefault:"1"`
	RetryBackoff      string        `env:"ORCH_RETRY_BACKOFF" envDefault:"linear"`
	RetryInitialDelay time.Duration `env:"ORCH_RETRY_INITIAL_DELAY" envDefault:"0s"`

	// RecoverOnStart pauses instances left running by a previous process
	RecoverOnStart bool `env:"ORCH_RECOVER_ON_START" envDefault:"true"`
}

// WorkerConfig holds run pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"8"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"64"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// PlansConfig points at a directory of plan files
type PlansConfig struct {
	Dir   string `env:"PLANS_DIR"`
	Watch bool   `env:"PLANS_WATCH" envDefault:"true"`
}

// AnthropicConfig configures the llm_complete tool; it is registered only with an API key
type AnthropicConfig struct {
	APIKey           string        `env:"ANTHROPIC_API_KEY"`
	BaseURL          string        `env:"ANTHROPIC_BASE_URL"`
	DefaultModel     string        `env:"ANTHROPIC_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultMaxTokens int64         `env:"ANTHROPIC_DEFAULT_MAX_TOKENS" envDefault:"1024"`
	RequestTimeout   time.Duration `env:"ANTHROPIC_REQUEST_TIMEOUT" envDefault:"120s"`
	RateLimit        float64       `env:"ANTHROPIC_RATE_LIMIT" envDefault:"2"`
	RateBurst        int           `env:"ANTHROPIC_RATE_BURST" envDefault:"4"`
}

// ArchiveConfig configures the MinIO archive used by history cleanup
type ArchiveConfig struct {
	Enabled   bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
	Endpoint  string `env:"ARCHIVE_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ARCHIVE_ACCESS_KEY"`
	SecretKey string `env:"ARCHIVE_SECRET_KEY"`
	Region    string `env:"ARCHIVE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"ARCHIVE_BUCKET" envDefault:"dagrun-history"`
	Prefix    string `env:"ARCHIVE_PREFIX" envDefault:"instances"`
	UseSSL    bool   `env:"ARCHIVE_USE_SSL" envDefault:"false"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	RateLimit float64  `env:"API_RATE_LIMIT" envDefault:"50"`
	RateBurst int      `env:"API_RATE_BURST" envDefault:"100"`
	CORS      []string `env:"API_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate storage config
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, sqlite, postgres, or redis)", c.Storage.Backend)
	}

	if c.Redis.Events && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for redis events")
	}

	// Validate orchestrator config
	if c.Orchestrator.DefaultConcurrency < 1 {
		return fmt.Errorf("default concurrency must be at least 1")
	}
	if c.Orchestrator.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Orchestrator.RetryBackoff != "linear" && c.Orchestrator.RetryBackoff != "exponential" {
		return fmt.Errorf("invalid retry backoff: %s (must be linear or exponential)", c.Orchestrator.RetryBackoff)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size must not be negative")
	}

	// Validate archive config
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive endpoint and bucket are required when archiving is enabled")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

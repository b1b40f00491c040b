package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the application's configuration values.
// Tags like `envconfig:"APP_PORT"` specify the environment variable name.
// `default:""` provides a default value if the env var is not set.
type Config struct {
	AppEnv     string `envconfig:"APP_ENV" default:"development"` // e.g., development, staging, production
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`      // e.g., debug, info, warn, error
	LogFile    string `envconfig:"LOG_FILE"`
	HttpServer ServerConfig
	GrpcServer GrpcServerConfig
	Store      StoreConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Batch      BatchConfig
	Resolve    ResolveConfig
	Migration  MigrationConfig
	Worker     WorkerConfig
}

// ServerConfig holds HTTP server-specific configurations.
type ServerConfig struct {
	Port         string        `envconfig:"HTTP_SERVER_PORT" default:"8080"`
	TimeoutRead  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_READ" default:"15s"`
	TimeoutWrite time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_WRITE" default:"15s"`
	TimeoutIdle  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_IDLE" default:"60s"`
}

// GrpcServerConfig holds gRPC server-specific configurations.
type GrpcServerConfig struct {
	Port string `envconfig:"GRPC_SERVER_PORT" default:"9090"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"postgres"`
}

// PostgresConfig holds PostgreSQL database connection details.
// The fields are only required when STORE_DRIVER is postgres.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST"`
	Port     string `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	DBName   string `envconfig:"POSTGRES_DBNAME"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

// DSN constructs the Data Source Name string for connecting to PostgreSQL.
func (pc *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		pc.Host, pc.Port, pc.User, pc.Password, pc.DBName, pc.SSLMode)
}

// RedisConfig points at the Redis used for migration locks and the job queue.
// An empty address disables both.
type RedisConfig struct {
	Addr string `envconfig:"REDIS_ADDR"`
}

// Enabled reports whether a Redis address was configured.
func (rc RedisConfig) Enabled() bool {
	return rc.Addr != ""
}

// BatchConfig is the retry policy of the batch writer.
type BatchConfig struct {
	MaxRetries int           `envconfig:"BATCH_MAX_RETRIES" default:"3"`
	BaseDelay  time.Duration `envconfig:"BATCH_BASE_DELAY" default:"200ms"`
}

// ResolveConfig tunes batch resolution.
type ResolveConfig struct {
	FetchConcurrency int `envconfig:"RESOLVE_FETCH_CONCURRENCY" default:"8"`
}

// MigrationConfig tunes the migration endpoints and lock.
type MigrationConfig struct {
	LockTTL time.Duration `envconfig:"MIGRATION_LOCK_TTL" default:"30s"`
	// RateLimit is the number of migration requests accepted per client IP per minute.
	RateLimit int `envconfig:"MIGRATION_RATE_LIMIT" default:"10"`
}

// WorkerConfig holds the background job worker settings.
type WorkerConfig struct {
	Concurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
	Queue       string `envconfig:"WORKER_QUEUE" default:"cost_migrations"`
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.DBName == "" {
			return fmt.Errorf("config: POSTGRES_HOST, POSTGRES_USER and POSTGRES_DBNAME are required for the %s store", DriverPostgres)
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("config: BATCH_MAX_RETRIES must not be negative")
	}
	if c.Resolve.FetchConcurrency <= 0 {
		return fmt.Errorf("config: RESOLVE_FETCH_CONCURRENCY must be positive")
	}
	return nil
}

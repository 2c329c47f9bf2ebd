package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the attribution service.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Queue      QueueConfig
	SQS        SQSConfig
	Workers    WorkerConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Health     HealthConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// StorageConfig picks the backend for events, campaigns, attribution and rollups.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
	// DedupTTL bounds how long a source_system_id stays in the dedup index.
	DedupTTL time.Duration
}

// ClickHouseConfig configures the raw event archive.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          []string
	Database      string
	Username      string
	Password      string
	DialTimeout   time.Duration
	MaxOpenConns  int
	BatchSize     int
	FlushInterval time.Duration
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	// Driver is "memory", "redis" or "sqs".
	Driver       string
	Stream       string
	Group        string
	Consumer     string
	Block        time.Duration
	ClaimMinIdle time.Duration
	MemoryBuffer int
}

// SQSConfig configures the SQS FIFO backend.
type SQSConfig struct {
	Region            string
	QueueURL          string
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// WorkerConfig sizes the job worker pool and backfill fan-out.
type WorkerConfig struct {
	Count              int
	BackfillConcurrent int
	LockTTL            time.Duration
	// MaxAttempts bounds deliveries of one job before it is dropped.
	MaxAttempts int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	// IngestKeys may only call /ingest/ routes.
	IngestKeys []string
	SkipPaths  []string
}

type RateLimitConfig struct {
	Enabled     bool
	RPS         float64
	Burst       int
	IngestRPS   float64
	IngestBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// GeoConfig configures GeoIP lookup for pixel hits.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// HealthConfig configures the platform health endpoints.
type HealthConfig struct {
	ErrorWindow    time.Duration
	MaxErrorWindow time.Duration
	OutcomeTTL     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("VECTOR_ATTR_HTTP_ADDR", ":8080"),
			Env:             getEnv("VECTOR_ATTR_ENV", "development"),
			ShutdownTimeout: getDurationEnv("VECTOR_ATTR_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:    int64(getIntEnv("VECTOR_ATTR_MAX_BODY_BYTES", 10<<20)),
		},
		Storage: StorageConfig{
			Driver: getEnv("VECTOR_ATTR_STORAGE", "postgres"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("VECTOR_ATTR_DB_HOST", "localhost"),
			Port:            getIntEnv("VECTOR_ATTR_DB_PORT", 5432),
			User:            getEnv("VECTOR_ATTR_DB_USER", "vector"),
			Password:        getEnv("VECTOR_ATTR_DB_PASSWORD", "vector_secret"),
			DBName:          getEnv("VECTOR_ATTR_DB_NAME", "vector_attribution"),
			SSLMode:         getEnv("VECTOR_ATTR_DB_SSLMODE", "disable"),
			MaxConns:        getIntEnv("VECTOR_ATTR_DB_MAX_CONNS", 25),
			MinConns:        getIntEnv("VECTOR_ATTR_DB_MIN_CONNS", 5),
			MaxConnLifetime: getDurationEnv("VECTOR_ATTR_DB_MAX_CONN_LIFETIME", time.Hour),
			AutoMigrate:     getBoolEnv("VECTOR_ATTR_DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("VECTOR_ATTR_REDIS_ENABLED", true),
			Addr:     getEnv("VECTOR_ATTR_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("VECTOR_ATTR_REDIS_PASSWORD", ""),
			DB:       getIntEnv("VECTOR_ATTR_REDIS_DB", 0),
			PoolSize: getIntEnv("VECTOR_ATTR_REDIS_POOL_SIZE", 50),
			DedupTTL: getDurationEnv("VECTOR_ATTR_REDIS_DEDUP_TTL", 7*24*time.Hour),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("VECTOR_ATTR_CLICKHOUSE_ENABLED", false),
			Addr:          getSliceEnv("VECTOR_ATTR_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
			Database:      getEnv("VECTOR_ATTR_CLICKHOUSE_DB", "vector_archive"),
			Username:      getEnv("VECTOR_ATTR_CLICKHOUSE_USER", "default"),
			Password:      getEnv("VECTOR_ATTR_CLICKHOUSE_PASSWORD", ""),
			DialTimeout:   getDurationEnv("VECTOR_ATTR_CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second),
			MaxOpenConns:  getIntEnv("VECTOR_ATTR_CLICKHOUSE_MAX_OPEN_CONNS", 5),
			BatchSize:     getIntEnv("VECTOR_ATTR_CLICKHOUSE_BATCH_SIZE", 1000),
			FlushInterval: getDurationEnv("VECTOR_ATTR_CLICKHOUSE_FLUSH_INTERVAL", 2*time.Second),
		},
		Queue: QueueConfig{
			Driver:       getEnv("VECTOR_ATTR_QUEUE", "redis"),
			Stream:       getEnv("VECTOR_ATTR_QUEUE_STREAM", "vector:jobs"),
			Group:        getEnv("VECTOR_ATTR_QUEUE_GROUP", "vector-workers"),
			Consumer:     getEnv("VECTOR_ATTR_QUEUE_CONSUMER", hostname()),
			Block:        getDurationEnv("VECTOR_ATTR_QUEUE_BLOCK", 2*time.Second),
			ClaimMinIdle: getDurationEnv("VECTOR_ATTR_QUEUE_CLAIM_MIN_IDLE", time.Minute),
			MemoryBuffer: getIntEnv("VECTOR_ATTR_QUEUE_MEMORY_BUFFER", 1024),
		},
		SQS: SQSConfig{
			Region:            getEnv("VECTOR_ATTR_SQS_REGION", "us-east-1"),
			QueueURL:          getEnv("VECTOR_ATTR_SQS_QUEUE_URL", ""),
			Endpoint:          getEnv("VECTOR_ATTR_SQS_ENDPOINT", ""),
			AccessKeyID:       getEnv("VECTOR_ATTR_SQS_ACCESS_KEY_ID", ""),
			SecretAccessKey:   getEnv("VECTOR_ATTR_SQS_SECRET_ACCESS_KEY", ""),
			WaitTimeSeconds:   int32(getIntEnv("VECTOR_ATTR_SQS_WAIT_SECONDS", 10)),
			MaxMessages:       int32(getIntEnv("VECTOR_ATTR_SQS_MAX_MESSAGES", 10)),
			VisibilityTimeout: int32(getIntEnv("VECTOR_ATTR_SQS_VISIBILITY_TIMEOUT", 60)),
		},
		Workers: WorkerConfig{
			Count:              getIntEnv("VECTOR_ATTR_WORKERS", 8),
			BackfillConcurrent: getIntEnv("VECTOR_ATTR_BACKFILL_CONCURRENCY", 4),
			LockTTL:            getDurationEnv("VECTOR_ATTR_LOCK_TTL", 30*time.Second),
			MaxAttempts:        getIntEnv("VECTOR_ATTR_JOB_MAX_ATTEMPTS", 5),
		},
		Auth: AuthConfig{
			Enabled:    getBoolEnv("VECTOR_ATTR_AUTH_ENABLED", true),
			MasterKey:  getEnv("VECTOR_ATTR_API_KEY_MASTER", ""),
			IngestKeys: getSliceEnv("VECTOR_ATTR_API_KEYS_INGEST", nil),
			SkipPaths:  getSliceEnv("VECTOR_ATTR_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/ingest/pixel"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getBoolEnv("VECTOR_ATTR_RATE_LIMIT_ENABLED", true),
			RPS:         getFloatEnv("VECTOR_ATTR_RATE_LIMIT_RPS", 100),
			Burst:       getIntEnv("VECTOR_ATTR_RATE_LIMIT_BURST", 20),
			IngestRPS:   getFloatEnv("VECTOR_ATTR_RATE_LIMIT_INGEST_RPS", 1000),
			IngestBurst: getIntEnv("VECTOR_ATTR_RATE_LIMIT_INGEST_BURST", 200),
		},
		Log: LogConfig{
			Level:  getEnv("VECTOR_ATTR_LOG_LEVEL", "info"),
			Format: getEnv("VECTOR_ATTR_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("VECTOR_ATTR_METRICS_ENABLED", true),
			Path:      getEnv("VECTOR_ATTR_METRICS_PATH", "/metrics"),
			Namespace: getEnv("VECTOR_ATTR_METRICS_NAMESPACE", "vector_attribution"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("VECTOR_ATTR_GEO_ENABLED", false),
			DatabasePath: getEnv("VECTOR_ATTR_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
		},
		Health: HealthConfig{
			ErrorWindow:    getDurationEnv("VECTOR_ATTR_HEALTH_ERROR_WINDOW", 15*time.Minute),
			MaxErrorWindow: getDurationEnv("VECTOR_ATTR_HEALTH_MAX_ERROR_WINDOW", 24*time.Hour),
			OutcomeTTL:     getDurationEnv("VECTOR_ATTR_HEALTH_OUTCOME_TTL", 25*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("VECTOR_ATTR_API_KEY_MASTER is required when auth is enabled")
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("VECTOR_ATTR_STORAGE must be postgres or memory, got %q", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis queue requires VECTOR_ATTR_REDIS_ENABLED")
		}
	case "sqs":
		if c.SQS.QueueURL == "" {
			return fmt.Errorf("VECTOR_ATTR_SQS_QUEUE_URL is required for the sqs queue")
		}
		if !strings.HasSuffix(c.SQS.QueueURL, ".fifo") {
			return fmt.Errorf("VECTOR_ATTR_SQS_QUEUE_URL must name a FIFO queue")
		}
	default:
		return fmt.Errorf("VECTOR_ATTR_QUEUE must be memory, redis or sqs, got %q", c.Queue.Driver)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("VECTOR_ATTR_WORKERS must be positive")
	}
	if c.Workers.BackfillConcurrent <= 0 {
		return fmt.Errorf("VECTOR_ATTR_BACKFILL_CONCURRENCY must be positive")
	}
	if c.Workers.MaxAttempts <= 0 {
		return fmt.Errorf("VECTOR_ATTR_JOB_MAX_ATTEMPTS must be positive")
	}
	if c.Health.ErrorWindow <= 0 || c.Health.ErrorWindow > c.Health.MaxErrorWindow {
		return fmt.Errorf("VECTOR_ATTR_HEALTH_ERROR_WINDOW must be within (0, %s]", c.Health.MaxErrorWindow)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}

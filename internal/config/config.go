// Package config provides centralized configuration management for the
// ingestion service. Configuration comes from environment variables (and an
// optional .env file) with defaults, and is validated on startup.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Fallback FallbackConfig
	Writer   WriterConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including running jobs (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-streaming requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate creates missing tables on startup (default: false)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"false"`
}

// RedisConfig holds progress and job-state storage settings.
type RedisConfig struct {
	// URL is the Redis connection string; empty keeps state in memory
	URL string `env:"REDIS_URL"`

	// ProgressTTL is how long a progress snapshot outlives its last update (default: 1h)
	ProgressTTL time.Duration `env:"REDIS_PROGRESS_TTL" default:"1h"`

	// RunningTTL is the snapshot TTL while a job runs (default: 1h)
	RunningTTL time.Duration `env:"REDIS_RUNNING_TTL" default:"1h"`

	// FinalTTL is the snapshot TTL once a job is final (default: 24h)
	FinalTTL time.Duration `env:"REDIS_FINAL_TTL" default:"24h"`
}

// IngestConfig holds job and file processing settings.
type IngestConfig struct {
	// UploadDir is where uploaded files are stored (default: ./uploads)
	UploadDir string `env:"UPLOAD_DIR" default:"./uploads"`

	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// KeepUploads leaves stored files in place after their job ends (default: false)
	KeepUploads bool `env:"UPLOAD_KEEP_FILES" default:"false"`

	// MaxConcurrentJobs bounds running jobs (default: 5)
	MaxConcurrentJobs int `env:"INGEST_MAX_CONCURRENT_JOBS" default:"5"`

	// MaxWaitTime is how long a submission waits for a job slot (default: 30s)
	MaxWaitTime time.Duration `env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// ChunkSize is the number of rows per storage batch (default: 1000)
	ChunkSize int `env:"INGEST_CHUNK_SIZE" default:"1000"`

	// FileWorkers is the number of files processed in parallel within a job (default: 1)
	FileWorkers int `env:"INGEST_FILE_WORKERS" default:"1"`

	MaxReportedErrors    int  `env:"INGEST_MAX_REPORTED_ERRORS" default:"100"`
	MaxHeaderSearchRows  int  `env:"INGEST_MAX_HEADER_SEARCH_ROWS" default:"20"`
	SerializeCollections bool `env:"INGEST_SERIALIZE_COLLECTIONS" default:"false"`

	// JobRetention is how long finished jobs stay queryable (default: 24h)
	JobRetention time.Duration `env:"INGEST_JOB_RETENTION" default:"24h"`

	// CleanupInterval is how often old jobs are pruned (default: 1h)
	CleanupInterval time.Duration `env:"INGEST_CLEANUP_INTERVAL" default:"1h"`

	// LayoutsFile is an optional YAML file of sensor-type layouts
	LayoutsFile string `env:"LAYOUTS_FILE"`
}

// FallbackConfig holds the legacy converter settings.
type FallbackConfig struct {
	// Bin is the interpreter or program to run (default: python3)
	Bin string `env:"FALLBACK_BIN" envAlt:"PYTHON_FALLBACK_BIN" default:"python3"`

	// Script is passed to Bin; empty disables the fallback
	Script string `env:"FALLBACK_SCRIPT"`

	Timeout time.Duration `env:"FALLBACK_TIMEOUT" default:"20s"`
}

// Enabled reports whether a converter script is configured.
func (c *FallbackConfig) Enabled() bool {
	return c.Script != ""
}

// WriterConfig holds persistence retry settings.
type WriterConfig struct {
	MaxRetries int           `env:"WRITER_MAX_RETRIES" default:"3"`
	RetryBase  time.Duration `env:"WRITER_RETRY_BASE" default:"100ms"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// SubmitLimit is requests per minute for job submission (default: 10)
	SubmitLimit int `env:"RATE_LIMIT_SUBMIT" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// RequireAPIKey rejects requests without a valid key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// CORSOrigins is a comma-separated list of allowed origins (default: *)
	CORSOrigins []string `env:"CORS_ORIGINS" default:"*"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

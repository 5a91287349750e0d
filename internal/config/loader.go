package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files into the environment, overwriting existing
// variables. With no paths it reads ./.env. A missing file is not an error
// and reports false.
func LoadDotEnv(paths ...string) (bool, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return false, nil
	}
	if err := godotenv.Overload(existing...); err != nil {
		return false, fmt.Errorf("load env file: %w", err)
	}
	return true, nil
}

// Load reads configuration from environment variables, applies defaults
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		envAlt := field.Tag.Get("envAlt")
		required := field.Tag.Get("required") == "true"

		// Primary name wins over the alias
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	check(c.Database.URL != "", "DATABASE_URL is required")
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	check(c.Database.MaxConns > 0, "DB_MAX_CONNS must be positive")
	check(c.Database.MinConns >= 0, "DB_MIN_CONNS must be non-negative")

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	check(c.Server.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	check(c.Server.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")

	check(c.Redis.ProgressTTL > 0, "REDIS_PROGRESS_TTL must be positive")
	check(c.Redis.RunningTTL > 0, "REDIS_RUNNING_TTL must be positive")
	if c.Redis.FinalTTL < c.Redis.RunningTTL {
		errs = append(errs, fmt.Sprintf("REDIS_FINAL_TTL (%s) must be >= REDIS_RUNNING_TTL (%s)",
			c.Redis.FinalTTL, c.Redis.RunningTTL))
	}

	check(c.Ingest.UploadDir != "", "UPLOAD_DIR is required")
	check(c.Ingest.MaxFileSize > 0, "UPLOAD_MAX_FILE_SIZE must be positive")
	check(c.Ingest.MaxConcurrentJobs > 0, "INGEST_MAX_CONCURRENT_JOBS must be positive")
	check(c.Ingest.MaxWaitTime > 0, "INGEST_MAX_WAIT_TIME must be positive")
	check(c.Ingest.ChunkSize > 0, "INGEST_CHUNK_SIZE must be positive")
	check(c.Ingest.FileWorkers > 0, "INGEST_FILE_WORKERS must be positive")
	check(c.Ingest.MaxReportedErrors > 0, "INGEST_MAX_REPORTED_ERRORS must be positive")
	check(c.Ingest.MaxHeaderSearchRows > 0, "INGEST_MAX_HEADER_SEARCH_ROWS must be positive")
	check(c.Ingest.JobRetention > 0, "INGEST_JOB_RETENTION must be positive")
	check(c.Ingest.CleanupInterval > 0, "INGEST_CLEANUP_INTERVAL must be positive")

	if c.Fallback.Enabled() {
		check(c.Fallback.Bin != "", "FALLBACK_BIN is required when FALLBACK_SCRIPT is set")
		check(c.Fallback.Timeout > 0, "FALLBACK_TIMEOUT must be positive")
	}

	check(c.Writer.MaxRetries >= 1, "WRITER_MAX_RETRIES must be at least 1")
	check(c.Writer.RetryBase > 0, "WRITER_RETRY_BASE must be positive")

	if c.Rate.Enabled {
		check(c.Rate.RequestsPerMinute > 0, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
		check(c.Rate.SubmitLimit > 0, "RATE_LIMIT_SUBMIT must be positive when rate limiting is enabled")
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a representation safe for logging. Connection strings
// and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Redis: {URL: %s}, ", maskedIfSet(c.Redis.URL))
	fmt.Fprintf(&b, "Ingest: {UploadDir: %q, MaxConcurrentJobs: %d, ChunkSize: %d, FileWorkers: %d}, ",
		c.Ingest.UploadDir, c.Ingest.MaxConcurrentJobs, c.Ingest.ChunkSize, c.Ingest.FileWorkers)
	fmt.Fprintf(&b, "Fallback: {Enabled: %v, Bin: %q}, ", c.Fallback.Enabled(), c.Fallback.Bin)
	fmt.Fprintf(&b, "Security: {APIKeys: %d configured}, ", len(c.Security.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func maskedIfSet(s string) string {
	if s == "" {
		return "[unset]"
	}
	return "[MASKED]"
}

// Package config provides centralized configuration management for the
// application. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Session  SessionConfig
	Executor ExecutorConfig
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

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings. The database is
// optional: without a URL, audit logging is disabled and the postgres
// session transport is unavailable.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// UploadConfig holds upload validation settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 50MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"52428800"`

	// AllowedExtensions is a comma-separated list of accepted extensions,
	// with or without the leading dot
	AllowedExtensions []string `env:"UPLOAD_ALLOWED_EXTENSIONS" default:"csv,xlsx,xls,ods"`

	// MaxConcurrent is the maximum number of parallel validations (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for a validation slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// Retention is how long parsed uploads stay in the registry (default: 2h)
	Retention time.Duration `env:"UPLOAD_RETENTION" default:"2h"`

	// SweepInterval is how often expired uploads are evicted (default: 5m)
	SweepInterval time.Duration `env:"UPLOAD_SWEEP_INTERVAL" default:"5m"`
}

// SessionConfig holds script generation session settings.
type SessionConfig struct {
	// Transport selects how generation requests reach the generator:
	// file, http, or postgres (default: file)
	Transport string `env:"SESSION_TRANSPORT" default:"file"`

	// SpoolDir is the exchange directory for the file transport (default: ./spool)
	SpoolDir string `env:"SESSION_SPOOL_DIR" default:"./spool"`

	// GeneratorURL is the base URL for the http transport
	GeneratorURL string `env:"SESSION_GENERATOR_URL"`

	// BaseDelay is the initial polling delay (default: 250ms)
	BaseDelay time.Duration `env:"SESSION_BASE_DELAY" default:"250ms"`

	// MaxDelay caps the polling delay (default: 750ms)
	MaxDelay time.Duration `env:"SESSION_MAX_DELAY" default:"750ms"`

	// Multiplier is the backoff growth factor per attempt (default: 1.1)
	Multiplier float64 `env:"SESSION_MULTIPLIER" default:"1.1"`

	// MaxAttempts is the polling attempt ceiling before timing out (default: 150)
	MaxAttempts int `env:"SESSION_MAX_ATTEMPTS" default:"150"`
}

// ExecutorConfig holds sandboxed script execution settings.
type ExecutorConfig struct {
	// ScriptTimeout is the hard wall-clock budget per execution (default: 5s)
	ScriptTimeout time.Duration `env:"EXECUTOR_SCRIPT_TIMEOUT" default:"5s"`

	// GraceWindow is extra time for deferred completion callbacks (default: 400ms)
	GraceWindow time.Duration `env:"EXECUTOR_GRACE_WINDOW" default:"400ms"`

	// MaxResultRows caps the result set a script may return (default: 5000)
	MaxResultRows int `env:"EXECUTOR_MAX_RESULT_ROWS" default:"5000"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
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
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}

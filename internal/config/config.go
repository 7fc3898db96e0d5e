// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// UploadMode selects how PUT bodies are written to storage.
const (
	UploadModeDirect    = "direct"
	UploadModeMultipart = "multipart"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	DAVPrefix   string `env:"DAV_PREFIX" envDefault:"/dav"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// TLS (optional; if both set, the server uses HTTPS)
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Uploads
	UploadMode       string        `env:"UPLOAD_MODE" envDefault:"multipart"`
	UploadRetries    int           `env:"UPLOAD_RETRIES" envDefault:"3"`
	UploadRetryWait  time.Duration `env:"UPLOAD_RETRY_WAIT" envDefault:"1s"`
	UploadSessionTTL time.Duration `env:"UPLOAD_SESSION_TTL" envDefault:"24h"`

	// Driver cache
	DriverIdleTTL     time.Duration `env:"DRIVER_IDLE_TTL" envDefault:"30m"`
	DriverSweepWindow time.Duration `env:"DRIVER_SWEEP_WINDOW" envDefault:"10m"`

	// Locks
	LockSweepWindow    time.Duration `env:"LOCK_SWEEP_WINDOW" envDefault:"5m"`
	LockDefaultTimeout time.Duration `env:"LOCK_DEFAULT_TIMEOUT" envDefault:"10m"`
	LockMaxTimeout     time.Duration `env:"LOCK_MAX_TIMEOUT" envDefault:"1h"`

	// Cross-storage transfers
	TransferConcurrency int `env:"TRANSFER_CONCURRENCY" envDefault:"3"`

	// Presigned URLs
	PresignDefaultExpiry time.Duration `env:"PRESIGN_DEFAULT_EXPIRY" envDefault:"1h"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.UploadMode != UploadModeDirect && cfg.UploadMode != UploadModeMultipart {
		return nil, fmt.Errorf("UPLOAD_MODE must be %q or %q", UploadModeDirect, UploadModeMultipart)
	}

	return cfg, nil
}

// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all jamfsync configuration.
type Config struct {
	// Jamf Pro API
	APIEndpoint   string
	ClientID      string
	ClientSecret  string
	PageSize      int
	HTTPTimeout   time.Duration
	RetryAttempts int

	// Scheduling
	Schedule string
	SyncNow  bool

	// Destination ("local" or "s3", default: "local")
	StorageBackend string
	LocalFolder    string

	// S3 destination
	S3Endpoint     string
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (empty disables the listener)
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults and
// validates it.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables without
// validating it.
func FromEnv() *Config {
	return &Config{
		APIEndpoint:    strings.TrimRight(envOr("JAMF_API_ENDPOINT", ""), "/"),
		ClientID:       envOr("JAMF_CLIENT_ID", ""),
		ClientSecret:   envOr("JAMF_CLIENT_SECRET", ""),
		PageSize:       envInt("PAGE_SIZE", 100),
		HTTPTimeout:    envDuration("HTTP_TIMEOUT", 30*time.Minute),
		RetryAttempts:  envInt("RETRY_ATTEMPTS", 1),
		Schedule:       envOr("SYNC_SCHEDULE", "0 0 * * *"),
		SyncNow:        envBool("SYNC_NOW", false),
		StorageBackend: envOr("STORAGE_BACKEND", "local"),
		LocalFolder:    envOr("LOCAL_FOLDER", "/packages"),
		S3Endpoint:     envOr("S3_ENDPOINT", ""),
		S3Bucket:       envOr("S3_BUCKET", ""),
		S3Prefix:       envOr("S3_PREFIX", ""),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3AccessKey:    envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:    envOr("S3_SECRET_KEY", ""),
		S3UsePathStyle: envBool("S3_USE_PATH_STYLE", true),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		MetricsAddr:    envOr("METRICS_ADDR", ""),
	}
}

// Validate checks required fields and value ranges. Flag overrides are
// applied after Load, so callers re-run it once they are done.
func (c *Config) Validate() error {
	var errs []error
	if c.APIEndpoint == "" {
		errs = append(errs, fmt.Errorf("JAMF_API_ENDPOINT is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, fmt.Errorf("JAMF_CLIENT_ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("JAMF_CLIENT_SECRET is required"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", c.RetryAttempts))
	}
	if !c.SyncNow {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("SYNC_SCHEDULE %q: %w", c.Schedule, err))
		}
	}

	switch c.StorageBackend {
	case "local":
		if c.LocalFolder == "" {
			errs = append(errs, fmt.Errorf("LOCAL_FOLDER is required for the local backend"))
		}
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

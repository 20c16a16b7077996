// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidLengthScale is returned when LENGTH_SCALE is outside the supported range.
	ErrInvalidLengthScale = errors.New("config: LENGTH_SCALE must be between 0.5 and 4.0")
	// ErrInvalidCatalogTTL is returned when CATALOG_TTL is not positive.
	ErrInvalidCatalogTTL = errors.New("config: CATALOG_TTL must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Voice catalog settings
	CatalogURL      string        `env:"CATALOG_URL, default=https://huggingface.co/rhasspy/piper-voices/raw/main/voices.json" json:"catalog_url"`
	DownloadBaseURL string        `env:"DOWNLOAD_BASE_URL, default=https://huggingface.co/rhasspy/piper-voices/resolve/main" json:"download_base_url"`
	CatalogTTL      time.Duration `env:"CATALOG_TTL, default=24h" json:"catalog_ttl"`

	// Directory settings. Empty values fall back to the user's home layout.
	VoicesDir string `env:"VOICES_DIR" json:"voices_dir"`
	CacheDir  string `env:"CACHE_DIR" json:"cache_dir"`
	TempDir   string `env:"TEMP_DIR, default=/tmp/make-audiobook" json:"temp_dir"`

	// External tool paths. Bare names are looked up in PATH.
	PiperPath        string `env:"PIPER_PATH, default=piper" json:"piper_path"`
	FFmpegPath       string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	EbookConvertPath string `env:"EBOOK_CONVERT_PATH, default=ebook-convert" json:"ebook_convert_path"`

	// Conversion settings
	MaxConcurrentJobs  int     `env:"MAX_CONCURRENT_JOBS, default=1" json:"max_concurrent_jobs"`
	DefaultLengthScale float64 `env:"LENGTH_SCALE, default=1.5" json:"length_scale"`

	// LibraryDir archives finished audiobooks into a local directory when
	// set. Ignored when S3 is configured.
	LibraryDir string `env:"LIBRARY_DIR" json:"library_dir,omitempty"`

	// Optional S3 settings for uploading finished audiobooks
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// Directory defaults that depend on the user's home are resolved here so
// tests can override them with plain env vars.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.VoicesDir == "" || cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		if cfg.VoicesDir == "" {
			cfg.VoicesDir = filepath.Join(home, ".local", "share", "piper", "voices")
		}
		if cfg.CacheDir == "" {
			cfg.CacheDir = filepath.Join(home, ".cache", "make-audiobook")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are within supported ranges.
func (c *Config) Validate() error {
	if c.DefaultLengthScale < 0.5 || c.DefaultLengthScale > 4.0 {
		return ErrInvalidLengthScale
	}
	if c.CatalogTTL <= 0 {
		return ErrInvalidCatalogTTL
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, CatalogURL: %s, VoicesDir: %s, CacheDir: %s, TempDir: %s, MaxConcurrentJobs: %d, LengthScale: %.2f, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.CatalogURL,
		c.VoicesDir,
		c.CacheDir,
		c.TempDir,
		c.MaxConcurrentJobs,
		c.DefaultLengthScale,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

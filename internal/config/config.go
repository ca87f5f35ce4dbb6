package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CatalogAPIURL string `envconfig:"CATALOG_API_URL" required:"true"`
	StreamAPIURL  string `envconfig:"STREAM_API_URL" required:"true"`

	CacheDir        string        `envconfig:"CACHE_DIR" required:"true"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"2h"`

	DeviceID           string        `envconfig:"DEVICE_ID"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"30s"`

	KeepCachedFor   time.Duration `envconfig:"KEEP_CACHED_FOR" default:"0"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DBPath          string        `envconfig:"DB_PATH" default:"downloads.db"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"shelfstream"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:3001"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig describes the service configuration.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Database struct {
		Driver     string `envconfig:"DB_DRIVER" default:"sqlite"`
		SQLitePath string `envconfig:"SQLITE_PATH" default:"microsub.db"`
		PGDSN      string `envconfig:"PG_DSN"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Polling struct {
		Interval      time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
		Concurrency   int           `envconfig:"POLL_CONCURRENCY" default:"5"`
		FetchTimeout  time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
		FeedCacheTTL  time.Duration `envconfig:"FEED_CACHE_TTL" default:"5m"`
		RefreshWorker int           `envconfig:"REFRESH_WORKERS" default:"2"`
		UserAgent     string        `envconfig:"USER_AGENT" default:"Microsub/1.0"`
	} `envconfig:""`

	MediaBaseURL  string `envconfig:"MEDIA_BASE_URL"`
	MediaSecret   string `envconfig:"MEDIA_SECRET"`
	PublicationMe string `envconfig:"PUBLICATION_ME"`
}

// Load reads the configuration from the environment.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.Polling.Concurrency < 1 {
		cfg.Polling.Concurrency = 1
	}
	if cfg.Polling.RefreshWorker < 1 {
		cfg.Polling.RefreshWorker = 1
	}
	if cfg.MediaBaseURL != "" && cfg.MediaSecret == "" {
		return cfg, fmt.Errorf("load config: MEDIA_SECRET is required when MEDIA_BASE_URL is set")
	}
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.PGDSN == "" {
			return cfg, fmt.Errorf("load config: PG_DSN is required for DB_DRIVER=postgres")
		}
	default:
		return cfg, fmt.Errorf("load config: unknown DB_DRIVER %q", cfg.Database.Driver)
	}
	return cfg, nil
}

// Package config loads the experiment service configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr string `mapstructure:"EXPERIMENT_ENGINE_ADDR"`
	// DatabaseURL falls back to EngineDatabaseURL when DATABASE_URL is unset.
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	EngineDatabaseURL string `mapstructure:"EXPERIMENT_ENGINE_DATABASE_URL"`
	DBMaxOpenConns    int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`

	// RedisURL enables the assignment cache, e.g. redis://localhost:6379/0.
	RedisURL           string `mapstructure:"REDIS_URL"`
	AssignmentCacheTTL string `mapstructure:"ASSIGNMENT_CACHE_TTL"`

	// KafkaBrokers is a comma-separated list; empty disables event publishing.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic  string `mapstructure:"EXPERIMENT_EVENTS_TOPIC"`

	ArchiveBucket string `mapstructure:"RESULTS_ARCHIVE_BUCKET"`
	ArchivePrefix string `mapstructure:"RESULTS_ARCHIVE_PREFIX"`

	// AdminKeysFile enables bearer token checks on admin routes.
	AdminKeysFile string `mapstructure:"ADMIN_JWT_PUBLIC_KEYS_FILE"`
	AdminIssuer   string `mapstructure:"ADMIN_JWT_ISSUER"`
	AdminScope    string `mapstructure:"ADMIN_JWT_SCOPE"`
}

// Load reads .env (if present), then the environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("EXPERIMENT_ENGINE_ADDR", ":8060")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("EXPERIMENT_ENGINE_DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ASSIGNMENT_CACHE_TTL", "720h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EXPERIMENT_EVENTS_TOPIC", "experiment-events")
	v.SetDefault("RESULTS_ARCHIVE_BUCKET", "")
	v.SetDefault("RESULTS_ARCHIVE_PREFIX", "")
	v.SetDefault("ADMIN_JWT_PUBLIC_KEYS_FILE", "")
	v.SetDefault("ADMIN_JWT_ISSUER", "")
	v.SetDefault("ADMIN_JWT_SCOPE", "experiments:admin")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.EngineDatabaseURL
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL or EXPERIMENT_ENGINE_DATABASE_URL required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("config: EXPERIMENT_ENGINE_ADDR must be set")
	}
	if cfg.DBMaxOpenConns <= 0 {
		cfg.DBMaxOpenConns = 10
	}
	return &cfg, nil
}

// CacheTTL parses AssignmentCacheTTL. Returns 720h if unset or invalid.
func (c *Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.AssignmentCacheTTL)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// KafkaBrokersList splits KafkaBrokers on commas, dropping blanks.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

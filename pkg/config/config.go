// Package config loads process settings from the environment and the
// coordination policy from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds process configuration.
type Config struct {
	Domain     string `env:"ENACTOR_DOMAIN" envDefault:"local"`
	Addr       string `env:"ENACTOR_ADDR" envDefault:":8080"`
	PolicyFile string `env:"POLICY_FILE" envDefault:"policy.yaml"`
	// KeySeed is the hex root seed for this domain's ledger signing key.
	// A random key is generated when empty.
	KeySeed  string `env:"ENACTOR_KEY_SEED"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects Postgres. When empty the ledger lives in a
	// SQLite file under DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"ENACTOR_DATA_DIR" envDefault:"data"`
	// SharedLedger declares that every domain opens the same SQLite file.
	// Lite mode with peers is refused without it.
	SharedLedger bool `env:"ENACTOR_SHARED_LEDGER" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	OTELEndpoint string  `env:"OTEL_ENDPOINT"`
	OTELInsecure bool    `env:"OTEL_INSECURE" envDefault:"false"`
	OTELSample   float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	ArchiveProvider string `env:"ARCHIVE_PROVIDER" envDefault:"fs"`
	ArchiveBucket   string `env:"ARCHIVE_BUCKET"`
	ArchiveRegion   string `env:"ARCHIVE_REGION"`
	ArchiveEndpoint string `env:"ARCHIVE_ENDPOINT"`
	ArchivePrefix   string `env:"ARCHIVE_PREFIX"`
	ArchiveDir      string `env:"ARCHIVE_DIR" envDefault:"data/archive"`

	RateLimit float64 `env:"ENACTOR_RATE_LIMIT" envDefault:"50"`
	RateBurst int     `env:"ENACTOR_RATE_BURST" envDefault:"100"`
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// LoadFrom reads configuration from vars instead of the process
// environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// LiteMode reports whether the ledger uses the embedded SQLite backend.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values are INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

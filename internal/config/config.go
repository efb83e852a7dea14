package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the API server and tools.
type Config struct {
	Env          string        `envconfig:"YUHAK_ENV" default:"development"`
	Addr         string        `envconfig:"YUHAK_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"YUHAK_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"YUHAK_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"YUHAK_IDLE_TIMEOUT" default:"60s"`

	RateBurst  int `envconfig:"YUHAK_RATE_BURST" default:"50"`
	RatePerSec int `envconfig:"YUHAK_RATE_PER_SEC" default:"25"`

	// Hosted identity service: one endpoint, two keys.
	IdentityURL        string        `envconfig:"YUHAK_IDENTITY_URL"`
	IdentityServiceKey string        `envconfig:"YUHAK_IDENTITY_SERVICE_KEY"`
	IdentityAnonKey    string        `envconfig:"YUHAK_IDENTITY_ANON_KEY"`
	IdentityTimeout    time.Duration `envconfig:"YUHAK_IDENTITY_TIMEOUT" default:"10s"`

	PGDSN string `envconfig:"YUHAK_PG_DSN"`

	AuditQueueSize int `envconfig:"YUHAK_AUDIT_QUEUE" default:"256"`
}

// Load reads configuration from the environment, after loading an optional
// .env file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.IdentityURL == "" {
		return nil, errors.New("YUHAK_IDENTITY_URL is required")
	}
	if cfg.IdentityServiceKey == "" || cfg.IdentityAnonKey == "" {
		return nil, errors.New("identity service and anon keys are required")
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

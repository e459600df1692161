package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported values for DATABASE_DRIVER.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       string        `env:"APP_ENV" envDefault:"development"`
	Port              string        `env:"PORT" envDefault:"8080"`
	DatabaseDriver    string        `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURL       string        `env:"DATABASE_URL" envDefault:"./identity.db"`
	RedisURL          string        `env:"REDIS_URL"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"5s"`
	LockWaitTimeout   time.Duration `env:"LOCK_WAIT_TIMEOUT" envDefault:"3s"`
	MergePrimaries    bool          `env:"MERGE_PRIMARIES" envDefault:"false"`
	RateLimitRPM      int           `env:"RATE_LIMIT_RPM" envDefault:"0"`
	ServiceName       string        `env:"SERVICE_NAME" envDefault:"identity-resolver"`
	TelemetryEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be one of %s, %s, %s; got %q", DriverSQLite, DriverPostgres, DriverMemory, c.DatabaseDriver)
	}
	if c.DatabaseDriver != DriverMemory && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for driver %s", c.DatabaseDriver)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LockTTL <= 0 || c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LOCK_TTL and LOCK_WAIT_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// IsDevelopment reports whether the service runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

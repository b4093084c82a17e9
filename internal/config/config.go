package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	DBDriver string `env:"DB_DRIVER" envDefault:"postgres"`
	DBDSN    string `env:"DB_DSN"`

	JWTSecret string `env:"JWT_SECRET"`

	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	SweepTimeoutSeconds  int `env:"SWEEP_TIMEOUT_SECONDS" envDefault:"30"`

	HistoryRetentionDays     int    `env:"HISTORY_RETENTION_DAYS" envDefault:"0"`
	HistoryRetentionSchedule string `env:"HISTORY_RETENTION_SCHEDULE" envDefault:"0 30 3 * * *"`

	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"30"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.CORSAllowedOrigins = trimAll(cfg.CORSAllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver))
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if c.SweepTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_TIMEOUT_SECONDS must be positive"))
	}
	if c.HistoryRetentionDays < 0 {
		errs = append(errs, errors.New("HISTORY_RETENTION_DAYS must not be negative"))
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MIN and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutSeconds) * time.Second
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

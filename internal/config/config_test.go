package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{
		"DB_DSN": "postgres://localhost/queueless",
	}})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, 30*time.Second, cfg.SweepTimeout())
	assert.Zero(t, cfg.HistoryRetentionDays)
	assert.Equal(t, "0 30 3 * * *", cfg.HistoryRetentionSchedule)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, 30, cfg.RateLimitBurst)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{
		"DB_DRIVER":                   " SQLite ",
		"DB_DSN":                      "queueless.db",
		"SWEEP_INTERVAL_SECONDS":      "5",
		"HISTORY_RETENTION_DAYS":      "90",
		"CORS_ALLOWED_ORIGINS":        "https://a.example, https://b.example,",
		"OTEL_EXPORTER_OTLP_INSECURE": "true",
	}})
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval())
	assert.Equal(t, 90, cfg.HistoryRetentionDays)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.OTLPInsecure)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"missing dsn":    {},
		"unknown driver": {"DB_DSN": "x", "DB_DRIVER": "mysql"},
		"zero interval":  {"DB_DSN": "x", "SWEEP_INTERVAL_SECONDS": "0"},
		"not a number":   {"DB_DSN": "x", "RATE_LIMIT_BURST": "lots"},
		"negative days":  {"DB_DSN": "x", "HISTORY_RETENTION_DAYS": "-3"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parse(env.Options{Environment: vars})
			assert.Error(t, err)
		})
	}
}

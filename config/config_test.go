package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys() {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "cashback.db", cfg.SQLitePath)
	assert.Equal(t, "cashback.events", cfg.NotifyExchange)
	assert.Equal(t, "cashback:webhook", cfg.RedisKeyPrefix)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL())
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance())
	assert.Equal(t, 24*time.Hour, cfg.EventDedupTTL())
	assert.Equal(t, "@every 5m", cfg.ExpirySweep)
	assert.Equal(t, 3, cfg.MutationMaxRetries)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "PostgreSQL")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/cashback")
	t.Setenv("REDIS_KEY_PREFIX", "tenant-a:hooks:")
	t.Setenv("PENDING_PAYMENT_TTL_MINUTES", "10")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://pos.example.com, https://admin.example.com")

	cfg, err := Load("", quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, "tenant-a:hooks", cfg.RedisKeyPrefix)
	assert.Equal(t, 10*time.Minute, cfg.PendingTTL())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://pos.example.com", "https://admin.example.com"}, cfg.AllowedOrigins())
}

func TestLoad_NormalizesInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_DRIVER", "oracle")
	t.Setenv("MUTATION_MAX_RETRIES", "0")
	t.Setenv("PENDING_PAYMENT_TTL_MINUTES", "-5")
	t.Setenv("EXPIRY_SWEEP_SCHEDULE", "every tuesday")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := Load("", quietLogger())
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, 3, cfg.MutationMaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL())
	assert.Equal(t, "@every 5m", cfg.ExpirySweep)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_SweepCanBeDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPIRY_SWEEP_SCHEDULE", "off")

	cfg, err := Load("", quietLogger())
	require.NoError(t, err)
	assert.Empty(t, cfg.ExpirySweep)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_DRIVER", "postgres")

	_, err := Load("", quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SQLITE_PATH=/var/lib/cashback.db\nPAYMENT_WEBHOOK_SECRET=whsec_file\n"), 0o600))
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "whsec_env")

	cfg, err := Load(dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cashback.db", cfg.SQLitePath)
	assert.Equal(t, "whsec_env", cfg.WebhookSecret, "environment wins over the file")
}

package config_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/archive"
	"github.com/Mindburn-Labs/warrant/pkg/config"
)

var envKeys = []string{
	"WARRANT_ADDR", "WARRANT_LOG_LEVEL", "WARRANT_LOG_FORMAT", "WARRANT_STORE",
	"WARRANT_SQLITE_PATH", "DATABASE_URL", "WARRANT_ARCHIVE", "WARRANT_ARCHIVE_BUCKET",
	"WARRANT_REDIS_ADDR", "WARRANT_MAX_DELEGATION_DEPTH", "WARRANT_WORKERS",
	"WARRANT_AGENT_RPS", "WARRANT_AGENT_BURST", "WARRANT_CATALOG", "WARRANT_KEY_SEED",
	"WARRANT_SIGNER_ID", "WARRANT_TELEMETRY", "WARRANT_IDEMPOTENCY_TTL",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, 3, cfg.MaxDelegationDepth)
	assert.Equal(t, 8, cfg.Workers)
	assert.Zero(t, cfg.AgentRPS)
	assert.Equal(t, archive.TypeNone, cfg.Archive.Type)
	assert.Nil(t, cfg.KeySeed)
	assert.False(t, cfg.Telemetry)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WARRANT_ADDR", ":9090")
	t.Setenv("WARRANT_LOG_LEVEL", "debug")
	t.Setenv("WARRANT_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db:5432/warrant")
	t.Setenv("WARRANT_ARCHIVE", "s3")
	t.Setenv("WARRANT_ARCHIVE_BUCKET", "audit")
	t.Setenv("WARRANT_MAX_DELEGATION_DEPTH", "5")
	t.Setenv("WARRANT_AGENT_RPS", "2.5")
	t.Setenv("WARRANT_AGENT_BURST", "4")
	t.Setenv("WARRANT_KEY_SEED", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	t.Setenv("WARRANT_TELEMETRY", "true")
	t.Setenv("WARRANT_IDEMPOTENCY_TTL", "0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, archive.TypeS3, cfg.Archive.Type)
	assert.Equal(t, "audit", cfg.Archive.Bucket)
	assert.Equal(t, 5, cfg.MaxDelegationDepth)
	assert.Equal(t, 2.5, cfg.AgentRPS)
	assert.Equal(t, 4, cfg.AgentBurst)
	assert.Len(t, cfg.KeySeed, 32)
	assert.True(t, cfg.Telemetry)
	assert.Zero(t, cfg.IdempotencyTTL)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad workers":       {"WARRANT_WORKERS", "many"},
		"negative depth":    {"WARRANT_MAX_DELEGATION_DEPTH", "-1"},
		"bad rps":           {"WARRANT_AGENT_RPS", "fast"},
		"short seed":        {"WARRANT_KEY_SEED", "abcd"},
		"unknown store":     {"WARRANT_STORE", "floppy"},
		"postgres no dsn":   {"WARRANT_STORE", "postgres"},
		"telemetry garbage": {"WARRANT_TELEMETRY", "perhaps"},
		"bad idempotency":   {"WARRANT_IDEMPOTENCY_TTL", "-1h"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "WARN", LogFormat: "json"}
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)
}

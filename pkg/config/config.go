// Package config loads runtime configuration from the environment and
// capability declarations from a YAML catalog.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/archive"
	"github.com/Mindburn-Labs/warrant/pkg/delegation"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	Store       string
	SQLitePath  string
	DatabaseURL string
	Archive     archive.Config
	RedisAddr   string

	// IdempotencyTTL is how long Idempotency-Key responses are replayed;
	// zero disables replay.
	IdempotencyTTL time.Duration

	MaxDelegationDepth int
	Workers            int
	AgentRPS           float64
	AgentBurst         int

	Catalog  string
	KeySeed  []byte
	SignerID string

	OTLPEndpoint string
	Telemetry    bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:         getenv("WARRANT_ADDR", ":8080"),
		LogLevel:     strings.ToUpper(getenv("WARRANT_LOG_LEVEL", "INFO")),
		LogFormat:    strings.ToLower(getenv("WARRANT_LOG_FORMAT", "json")),
		Store:        strings.ToLower(getenv("WARRANT_STORE", StoreMemory)),
		SQLitePath:   getenv("WARRANT_SQLITE_PATH", "data/warrant.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("WARRANT_REDIS_ADDR"),
		Catalog:      os.Getenv("WARRANT_CATALOG"),
		SignerID:     getenv("WARRANT_SIGNER_ID", "warrant"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Archive: archive.Config{
			Type:     archive.Type(strings.ToLower(os.Getenv("WARRANT_ARCHIVE"))),
			Dir:      getenv("WARRANT_ARCHIVE_DIR", "data/archive"),
			Bucket:   os.Getenv("WARRANT_ARCHIVE_BUCKET"),
			Prefix:   os.Getenv("WARRANT_ARCHIVE_PREFIX"),
			Region:   getenv("WARRANT_ARCHIVE_REGION", os.Getenv("AWS_REGION")),
			Endpoint: os.Getenv("WARRANT_ARCHIVE_ENDPOINT"),
		},
	}

	var err error
	if cfg.MaxDelegationDepth, err = intEnv("WARRANT_MAX_DELEGATION_DEPTH", delegation.DefaultMaxDepth); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intEnv("WARRANT_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.AgentBurst, err = intEnv("WARRANT_AGENT_BURST", 1); err != nil {
		return nil, err
	}
	if v := os.Getenv("WARRANT_AGENT_RPS"); v != "" {
		if cfg.AgentRPS, err = strconv.ParseFloat(v, 64); err != nil || cfg.AgentRPS < 0 {
			return nil, fmt.Errorf("config: WARRANT_AGENT_RPS: invalid value %q", v)
		}
	}
	cfg.IdempotencyTTL = 24 * time.Hour
	if v := os.Getenv("WARRANT_IDEMPOTENCY_TTL"); v != "" {
		if cfg.IdempotencyTTL, err = time.ParseDuration(v); err != nil || cfg.IdempotencyTTL < 0 {
			return nil, fmt.Errorf("config: WARRANT_IDEMPOTENCY_TTL: invalid value %q", v)
		}
	}
	if v := os.Getenv("WARRANT_TELEMETRY"); v != "" {
		if cfg.Telemetry, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("config: WARRANT_TELEMETRY: %w", err)
		}
	}
	if v := os.Getenv("WARRANT_KEY_SEED"); v != "" {
		if cfg.KeySeed, err = hex.DecodeString(v); err != nil {
			return nil, fmt.Errorf("config: WARRANT_KEY_SEED: %w", err)
		}
		if len(cfg.KeySeed) < 32 {
			return nil, fmt.Errorf("config: WARRANT_KEY_SEED must be at least 32 bytes")
		}
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return nil, fmt.Errorf("config: unsupported WARRANT_STORE %q", cfg.Store)
	}
	return cfg, nil
}

// Level maps LogLevel to a slog level; unknown names mean INFO.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s: invalid value %q", key, v)
	}
	return n, nil
}

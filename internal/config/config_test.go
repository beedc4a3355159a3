package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDsn(t *testing.T) {
	t.Run("explicit DSN", func(t *testing.T) {
		cfg := New()
		cfg.Set("DSN", "postgres://spy@db:5432/spy?sslmode=disable")
		u, err := cfg.GetDsn()
		require.NoError(t, err)
		assert.Equal(t, "db:5432", u.Host)
	})

	t.Run("from PG variables", func(t *testing.T) {
		cfg := New()
		cfg.Set("PGUSER", "alice")
		cfg.Set("PGHOST", "pg.internal")
		cfg.Set("PGPORT", "6543")
		cfg.Set("PGDATABASE", "repos")
		u, err := cfg.GetDsn()
		require.NoError(t, err)
		assert.Equal(t, "postgres://alice@pg.internal:6543/repos?sslmode=disable", u.String())
	})

	t.Run("unix socket directory", func(t *testing.T) {
		cfg := New()
		cfg.Set("PGUSER", "alice")
		cfg.Set("PGHOST", t.TempDir())
		u, err := cfg.GetDsn()
		require.NoError(t, err)
		assert.Equal(t, "5432", u.Query().Get("port"))
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := New()
		cfg.Set("DSN", "not a dsn")
		_, err := cfg.GetDsn()
		assert.Error(t, err)
	})
}

// isolated returns a Config that ignores keys possibly present in the test environment.
func isolated() *Config {
	cfg := New()
	for _, k := range []string{
		"HOST", "PORT", "LOG_LEVEL", "OPENAI_MODEL", "OPENAI_API_KEY", "OPENAI_API_KEYS",
		"OPEN_ROUTER_TOKEN_1", "OPEN_ROUTER_TOKEN_2", "OPEN_ROUTER_TOKEN_3", "OPEN_ROUTER_TOKEN_4",
	} {
		cfg.Set(k, "")
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := isolated()
	assert.Equal(t, "localhost:8080", cfg.GetAddr())
	assert.Equal(t, "gpt-4.1-nano", cfg.GetOpenAIModel())
	assert.Equal(t, 0.7, cfg.GetOpenAITemperature())
	assert.Equal(t, 4000, cfg.GetOpenAIMaxTokens())
	assert.Equal(t, 10, cfg.GetOpenAIKeyRotation())
	assert.Equal(t, 50, cfg.GetIngestBatchSize())
	assert.Equal(t, 10, cfg.GetRefreshBatchSize())
	assert.Equal(t, 3*time.Second, cfg.GetIngestDelay())
	assert.Equal(t, 100*time.Millisecond, cfg.GetRefreshDelay())
	assert.Equal(t, 24*time.Hour, cfg.GetRefreshAfter())
	assert.Equal(t, time.Minute, cfg.GetRateLimitCooldown())
	assert.Equal(t, 1, cfg.GetRateLimitRetries())
	assert.Equal(t, slog.LevelInfo, cfg.GetLogLevel())
}

func TestOverrides(t *testing.T) {
	cfg := New()
	cfg.Set("PORT", "9090")
	cfg.Set("HOST", "0.0.0.0")
	cfg.Set("INGEST_DELAY", "250ms")
	cfg.Set("INGEST_BATCH_SIZE", "5")
	cfg.Set("LOG_LEVEL", "WARN")
	cfg.Set("INGEST_SCHEDULE", "*/5 * * * *")
	cfg.Set("KAFKA_BROKERS", "a:9092, b:9092,")

	assert.Equal(t, "0.0.0.0:9090", cfg.GetAddr())
	assert.Equal(t, 250*time.Millisecond, cfg.GetIngestDelay())
	assert.Equal(t, 5, cfg.GetIngestBatchSize())
	assert.Equal(t, slog.LevelWarn, cfg.GetLogLevel())
	assert.Equal(t, "*/5 * * * *", cfg.GetSchedule("ingest"))
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.GetKafkaBrokers())
}

func TestGetOpenAIAPIKeys(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{"none", nil, nil},
		{"single key", map[string]string{"OPENAI_API_KEY": "k"}, []string{"k"}},
		{
			"router tokens",
			map[string]string{"OPEN_ROUTER_TOKEN_1": "r1", "OPEN_ROUTER_TOKEN_3": "r3", "OPENAI_API_KEY": "k"},
			[]string{"r1", "r3"},
		},
		{
			"explicit list wins",
			map[string]string{"OPENAI_API_KEYS": "a,b", "OPEN_ROUTER_TOKEN_1": "r1"},
			[]string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := isolated()
			for k, v := range tt.env {
				cfg.Set(k, v)
			}
			assert.Equal(t, tt.want, cfg.GetOpenAIAPIKeys())
		})
	}
}

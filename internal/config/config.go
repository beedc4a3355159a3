package config

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct{ v *viper.Viper }

func New() *Config {
	vv := viper.New()
	vv.AutomaticEnv()
	return &Config{v: vv}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// GetDsn resolves the final DSN using env vars
func (c *Config) GetDsn() (*url.URL, error) {
	source := c.v.GetString("DSN")
	if source == "" {
		user := c.v.GetString("PGUSER")
		if user == "" {
			user = c.v.GetString("USER")
		}
		if user == "" {
			user = "postgres"
		}

		dbName := c.v.GetString("PGDATABASE")
		if dbName == "" {
			dbName = "postgres"
		}

		host := c.v.GetString("PGHOST")
		if host == "" {
			host = "localhost"
		}

		port := c.v.GetString("PGPORT")
		hasPortEnv := port != ""
		if !hasPortEnv {
			port = "5432"
		}

		if strings.HasPrefix(host, "/") {
			socketDir := host

			// PGHOST may point at the socket file itself.
			if fi, err := os.Stat(host); err == nil && !fi.IsDir() {
				socketDir = filepath.Dir(host)
				if !hasPortEnv {
					base := filepath.Base(host)
					// Expected filename pattern: ".s.PGSQL.<port>"
					if inferred, ok := strings.CutPrefix(base, ".s.PGSQL."); ok && inferred != "" {
						if _, err := strconv.Atoi(inferred); err == nil {
							port = inferred
						}
					}
				}
			}

			q := url.Values{}
			q.Set("host", socketDir)
			q.Set("port", port)
			q.Set("sslmode", "disable")
			source = "postgres://" + user + "@/" + dbName + "?" + q.Encode()
		} else {
			source = "postgres://" + user + "@" + host + ":" + port + "/" + dbName + "?sslmode=disable"
		}
	}

	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return nil, errors.New("invalid DSN: must be in format driver://dataSourceName")
	}
	return u, nil
}

func (c *Config) GetServiceName() string { return c.getString("SERVICE_NAME", "spy") }

func (c *Config) GetAddr() string {
	return c.getString("HOST", "localhost") + ":" + c.getString("PORT", "8080")
}

func (c *Config) GetGitHubToken() string {
	if t := c.v.GetString("GITHUB_TOKEN"); t != "" {
		return t
	}
	return c.v.GetString("GH_TOKEN")
}

// GetGitHubBaseURL returns an alternate GitHub API endpoint, empty for api.github.com.
func (c *Config) GetGitHubBaseURL() string { return c.v.GetString("GITHUB_BASE_URL") }

// GetOpenAIBaseURL returns the OpenAI-compatible API base URL from OPENAI_BASE_URL.
func (c *Config) GetOpenAIBaseURL() string { return c.v.GetString("OPENAI_BASE_URL") }

// GetOpenAIAPIKey returns the OpenAI API key from env var OPENAI_API_KEY.
func (c *Config) GetOpenAIAPIKey() string { return c.v.GetString("OPENAI_API_KEY") }

// GetOpenAIAPIKeys returns the credential pool used for completions.
// OPENAI_API_KEYS (comma separated) wins, then OPEN_ROUTER_TOKEN_1..4, then OPENAI_API_KEY.
func (c *Config) GetOpenAIAPIKeys() []string {
	if keys := splitList(c.v.GetString("OPENAI_API_KEYS")); len(keys) > 0 {
		return keys
	}
	var keys []string
	for i := 1; i <= 4; i++ {
		if k := c.v.GetString("OPEN_ROUTER_TOKEN_" + strconv.Itoa(i)); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if k := c.GetOpenAIAPIKey(); k != "" {
		return []string{k}
	}
	return nil
}

// GetOpenAIKeyRotation returns how many requests are sent with a credential before rotating.
func (c *Config) GetOpenAIKeyRotation() int { return c.getInt("OPENAI_KEY_ROTATION", 10) }

func (c *Config) GetOpenAIModel() string { return c.getString("OPENAI_MODEL", "gpt-4.1-nano") }

func (c *Config) GetOpenAITemperature() float64 {
	if v := c.v.GetString("OPENAI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0.7
}

func (c *Config) GetOpenAIMaxTokens() int { return c.getInt("OPENAI_MAX_TOKENS", 4000) }

// GetOpenAIRequestsPerMinute returns the completion rate budget from OPENAI_RPM.
func (c *Config) GetOpenAIRequestsPerMinute() int { return c.getInt("OPENAI_RPM", 20) }

// GetEmbeddingModel returns the OpenAI embedding model from env var EMBEDDING_MODEL.
func (c *Config) GetEmbeddingModel() string { return c.v.GetString("EMBEDDING_MODEL") }

func (c *Config) GetBrowserlessURL() string   { return c.v.GetString("BROWSERLESS_URL") }
func (c *Config) GetBrowserlessToken() string { return c.v.GetString("BROWSERLESS_TOKEN") }

func (c *Config) GetS3Bucket() string    { return c.v.GetString("S3_BUCKET") }
func (c *Config) GetS3Region() string    { return c.getString("S3_REGION", "us-east-1") }
func (c *Config) GetS3Endpoint() string  { return c.v.GetString("S3_ENDPOINT") }
func (c *Config) GetS3PublicURL() string { return c.v.GetString("S3_PUBLIC_URL") }
func (c *Config) GetS3ForcePathStyle() bool {
	return c.v.GetBool("S3_FORCE_PATH_STYLE")
}

// GetS3Credentials returns static S3 credentials from S3_ACCESS_KEY_ID and
// S3_SECRET_ACCESS_KEY. Empty values select the default AWS credential chain.
func (c *Config) GetS3Credentials() (string, string) {
	return c.v.GetString("S3_ACCESS_KEY_ID"), c.v.GetString("S3_SECRET_ACCESS_KEY")
}

// GetTrendingSince returns the trending window (daily, weekly, monthly).
func (c *Config) GetTrendingSince() string { return c.getString("TRENDING_SINCE", "daily") }

// GetOSSInsightPeriod returns the OSS Insight ranking period.
func (c *Config) GetOSSInsightPeriod() string {
	return c.getString("OSSINSIGHT_PERIOD", "past_24_hours")
}

func (c *Config) GetPapersLimit() int { return c.getInt("PAPERS_LIMIT", 30) }

func (c *Config) GetRedisAddr() string     { return c.v.GetString("REDIS_ADDR") }
func (c *Config) GetRedisPassword() string { return c.v.GetString("REDIS_PASSWORD") }
func (c *Config) GetRedisDB() int          { return c.getInt("REDIS_DB", 0) }

func (c *Config) GetKafkaBrokers() []string { return splitList(c.v.GetString("KAFKA_BROKERS")) }
func (c *Config) GetKafkaTopic() string     { return c.getString("KAFKA_TOPIC", "spy.repositories") }

func (c *Config) GetIngestBatchSize() int  { return c.getInt("INGEST_BATCH_SIZE", 50) }
func (c *Config) GetEnrichBatchSize() int  { return c.getInt("ENRICH_BATCH_SIZE", 50) }
func (c *Config) GetRefreshBatchSize() int { return c.getInt("REFRESH_BATCH_SIZE", 10) }

// GetIngestDelay returns the pause between records during ingestion; defaults to 3s.
func (c *Config) GetIngestDelay() time.Duration { return c.getDuration("INGEST_DELAY", 3*time.Second) }

// GetEnrichDelay returns the pause between LLM calls; defaults to 3s.
func (c *Config) GetEnrichDelay() time.Duration { return c.getDuration("ENRICH_DELAY", 3*time.Second) }

// GetRefreshDelay returns the pause between stats refreshes; defaults to 100ms.
func (c *Config) GetRefreshDelay() time.Duration {
	return c.getDuration("REFRESH_DELAY", 100*time.Millisecond)
}

// GetRefreshAfter returns how old updated_at must be before a published record is refreshed.
func (c *Config) GetRefreshAfter() time.Duration { return c.getDuration("REFRESH_AFTER", 24*time.Hour) }

func (c *Config) GetRateLimitCooldown() time.Duration {
	return c.getDuration("RATE_LIMIT_COOLDOWN", time.Minute)
}

func (c *Config) GetRateLimitRetries() int { return c.getInt("RATE_LIMIT_RETRIES", 1) }

func (c *Config) GetRecordTimeout() time.Duration {
	return c.getDuration("RECORD_TIMEOUT", 5*time.Minute)
}

func (c *Config) GetHTTPTimeout() time.Duration { return c.getDuration("HTTP_TIMEOUT", 30*time.Second) }

// GetSchedule returns the cron spec for a stage, e.g. INGEST_SCHEDULE.
func (c *Config) GetSchedule(stage string) string {
	return c.v.GetString(strings.ToUpper(stage) + "_SCHEDULE")
}

func (c *Config) Set(key string, value any) { c.v.Set(key, value) }

// GetLogLevel returns the log level from env var LOG_LEVEL mapped to slog.Level.
// Recognized values: debug, info (default), warn|warning, error.
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToLower(c.v.GetString("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogFormat returns "json" when LOG_FORMAT asks for it and "text" otherwise.
func (c *Config) GetLogFormat() string {
	if strings.EqualFold(c.v.GetString("LOG_FORMAT"), "json") {
		return "json"
	}
	return "text"
}

// GetTelemetryDisabled reports whether OTEL_SDK_DISABLED turns tracing off.
func (c *Config) GetTelemetryDisabled() bool { return c.v.GetBool("OTEL_SDK_DISABLED") }

// OnLogLevelChange calls fn with the slog.Level whenever it changes.
// The initial call is made immediately.
func (c *Config) OnLogLevelChange(fn func(slog.Level)) {
	apply := func() { fn(c.GetLogLevel()) }
	apply()
	c.v.OnConfigChange(func(e fsnotify.Event) { apply() })
}

func (c *Config) getString(key, def string) string {
	if v := c.v.GetString(key); v != "" {
		return v
	}
	return def
}

func (c *Config) getInt(key string, def int) int {
	if v := c.v.GetString(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (c *Config) getDuration(key string, def time.Duration) time.Duration {
	if v := c.v.GetString(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

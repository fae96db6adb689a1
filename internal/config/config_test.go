package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testIngestURL = "https://svi.example.workers.dev/ingest/trends"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INGEST_URL", testIngestURL)
	t.Setenv("INGEST_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "stream", cfg.Ingest.Strategy)
	require.Equal(t, 60, cfg.Ingest.TimeoutSeconds)
	require.Equal(t, "https://svi.example.workers.dev/api/universe", cfg.Universe.URL)
	require.Equal(t, "https://svi.example.workers.dev/api/cards", cfg.Universe.FallbackURL)
	require.Equal(t, 250, cfg.Run.MaxItems)
	require.Equal(t, 5, cfg.Run.BatchSize)
	require.Equal(t, "today 12-m", cfg.Run.Timeframe)
	require.Equal(t, "pokemon card", cfg.Run.Anchor)
	require.InDelta(t, 3.5, cfg.Run.PauseBaseSeconds, 1e-9)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.InDelta(t, 0.6, cfg.Retry.JitterMin, 1e-9)
	require.InDelta(t, 1.4, cfg.Retry.JitterMax, 1e-9)
	require.Equal(t, "svi_daily", cfg.Archive.Postgres.Table)
	require.Equal(t, "svi_collector", cfg.Metrics.Job)
	require.False(t, cfg.Logging.Development)
	require.Empty(t, cfg.Cache.RedisURL)
	require.InDelta(t, 12, cfg.Cache.TTLHours, 1e-9)
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("INGEST_URL", testIngestURL)
	t.Setenv("INGEST_TOKEN", "secret")
	t.Setenv("MAX_CARDS", "40")
	t.Setenv("BATCH_SIZE", "3")
	t.Setenv("SLEEP_BASE_SEC", "1.25")
	t.Setenv("TIMEFRAME", "today 3-m")
	t.Setenv("UNIVERSE_URL", "https://catalog.example.com/items")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 40, cfg.Run.MaxItems)
	require.Equal(t, 3, cfg.Run.BatchSize)
	require.InDelta(t, 1.25, cfg.Run.PauseBaseSeconds, 1e-9)
	require.Equal(t, "today 3-m", cfg.Run.Timeframe)
	require.Equal(t, "https://catalog.example.com/items", cfg.Universe.URL)
	require.Equal(t, "https://svi.example.workers.dev/api/cards", cfg.Universe.FallbackURL)
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("INGEST_URL", testIngestURL)
	t.Setenv("INGEST_TOKEN", "secret")
	t.Setenv("MAX_CARDS", "40")
	t.Setenv("SVI_RUN_MAX_ITEMS", "12")
	t.Setenv("SVI_INGEST_STRATEGY", "buffer")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Run.MaxItems)
	require.Equal(t, "buffer", cfg.Ingest.Strategy)
}

func TestLoadOptionalKeysFromPrefixedEnv(t *testing.T) {
	t.Setenv("INGEST_URL", testIngestURL)
	t.Setenv("INGEST_TOKEN", "secret")
	t.Setenv("SVI_UNIVERSE_FALLBACK_URL", "https://catalog.example.com/cards")
	t.Setenv("SVI_ARCHIVE_POSTGRES_DSN", "postgres://db.internal/svi")
	t.Setenv("SVI_ARCHIVE_POSTGRES_MAX_CONNS", "4")
	t.Setenv("SVI_ARCHIVE_GCS_BUCKET", "svi-archive")
	t.Setenv("SVI_ARCHIVE_LOCAL_DIR", "/var/lib/svi")
	t.Setenv("SVI_METRICS_PUSHGATEWAY_URL", "http://pushgateway:9091")
	t.Setenv("SVI_METRICS_INSTANCE", "cron-1")
	t.Setenv("SVI_PROVIDER_CATEGORY", "16")
	t.Setenv("SVI_CACHE_REDIS_URL", "redis://cache:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://catalog.example.com/cards", cfg.Universe.FallbackURL)
	require.Equal(t, "postgres://db.internal/svi", cfg.Archive.Postgres.DSN)
	require.EqualValues(t, 4, cfg.Archive.Postgres.MaxConns)
	require.Equal(t, "svi-archive", cfg.Archive.GCS.Bucket)
	require.Equal(t, "/var/lib/svi", cfg.Archive.Local.Dir)
	require.Equal(t, "http://pushgateway:9091", cfg.Metrics.PushgatewayURL)
	require.Equal(t, "cron-1", cfg.Metrics.Instance)
	require.Equal(t, 16, cfg.Provider.Category)
	require.Equal(t, "redis://cache:6379/0", cfg.Cache.RedisURL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
ingest:
  url: https://ingest.example.com/ingest/trends
  token: file-token
  strategy: buffer
  timeout_seconds: 20
run:
  max_items: 10
  batch_size: 2
  anchor: trading card
retry:
  max_attempts: 2
  base_seconds: 0.5
provider:
  geo: US
  requests_per_second: 0.5
logging:
  development: true
archive:
  postgres:
    dsn: postgres://localhost/svi
  local:
    dir: /tmp/svi
pubsub:
  project_id: proj
  topic: svi-runs
cache:
  redis_url: redis://localhost:6379/2
  ttl_hours: 6
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "file-token", cfg.Ingest.Token)
	require.Equal(t, "buffer", cfg.Ingest.Strategy)
	require.Equal(t, 20, cfg.Ingest.TimeoutSeconds)
	require.Equal(t, "https://ingest.example.com/api/universe", cfg.Universe.URL)
	require.Equal(t, 10, cfg.Run.MaxItems)
	require.Equal(t, 2, cfg.Run.BatchSize)
	require.Equal(t, "trading card", cfg.Run.Anchor)
	require.Equal(t, 2, cfg.Retry.MaxAttempts)
	require.InDelta(t, 0.5, cfg.Retry.BaseSeconds, 1e-9)
	require.Equal(t, "US", cfg.Provider.Geo)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "postgres://localhost/svi", cfg.Archive.Postgres.DSN)
	require.Equal(t, "/tmp/svi", cfg.Archive.Local.Dir)
	require.Equal(t, "svi-runs", cfg.PubSub.Topic)
	require.Equal(t, "redis://localhost:6379/2", cfg.Cache.RedisURL)
	require.InDelta(t, 6, cfg.Cache.TTLHours, 1e-9)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("INGEST_URL", testIngestURL)
	t.Setenv("INGEST_TOKEN", "secret")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadRequiresIngestSettings(t *testing.T) {
	t.Setenv("INGEST_URL", "")
	t.Setenv("INGEST_TOKEN", "")

	_, err := Load("")
	require.ErrorContains(t, err, "INGEST_URL")
}

func validConfig() Config {
	return Config{
		Ingest:   IngestConfig{URL: testIngestURL, Token: "t", Strategy: "stream", TimeoutSeconds: 60},
		Universe: UniverseConfig{URL: "https://svi.example.workers.dev/api/universe", TimeoutSeconds: 30},
		Run:      RunConfig{MaxItems: 250, BatchSize: 5, Timeframe: "today 12-m", PauseBaseSeconds: 3.5},
		Retry:    RetryConfig{MaxAttempts: 4, BaseSeconds: 1, JitterMin: 0.6, JitterMax: 1.4},
		Provider: ProviderConfig{TimeoutSeconds: 30, RequestsPerSecond: 1},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Ingest.Token = "" }, wantErr: "ingest.token"},
		{name: "bad strategy", mutate: func(c *Config) { c.Ingest.Strategy = "batch" }, wantErr: "ingest.strategy"},
		{name: "batch too large", mutate: func(c *Config) { c.Run.BatchSize = 6 }, wantErr: "run.batch_size"},
		{name: "batch zero", mutate: func(c *Config) { c.Run.BatchSize = 0 }, wantErr: "run.batch_size"},
		{name: "no items", mutate: func(c *Config) { c.Run.MaxItems = 0 }, wantErr: "run.max_items"},
		{name: "no attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "retry.max_attempts"},
		{name: "inverted jitter", mutate: func(c *Config) { c.Retry.JitterMin = 2 }, wantErr: "jitter"},
		{name: "zero jitter", mutate: func(c *Config) { c.Retry.JitterMin = 0 }, wantErr: "jitter"},
		{name: "timeout", mutate: func(c *Config) { c.Provider.TimeoutSeconds = 0 }, wantErr: "timeouts"},
		{name: "cache ttl", mutate: func(c *Config) { c.Cache = CacheConfig{RedisURL: "redis://localhost:6379"} }, wantErr: "cache.ttl_hours"},
		{name: "no universe", mutate: func(c *Config) { c.Universe.URL = "" }, wantErr: "universe.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDeriveURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ingest string
		path   string
		want   string
	}{
		{testIngestURL, "/api/universe", "https://svi.example.workers.dev/api/universe"},
		{"https://h.example.com/v1/ingest/trends?x=1", "/api/cards", "https://h.example.com/v1/api/cards?x=1"},
		{"https://h.example.com/custom/ingest", "/api/universe", "https://h.example.com/api/universe"},
		{"", "/api/universe", ""},
		{"not a url", "/api/universe", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DeriveURL(tt.ingest, tt.path), tt.ingest)
	}
}

func TestSeconds(t *testing.T) {
	t.Parallel()
	require.Equal(t, 3500*time.Millisecond, Seconds(3.5))
}

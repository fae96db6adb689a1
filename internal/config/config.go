// Package config loads and validates collector configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const ingestPath = "/ingest/trends"

// Config captures all collector configuration knobs loaded via Viper.
type Config struct {
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Universe UniverseConfig `mapstructure:"universe"`
	Run      RunConfig      `mapstructure:"run"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Provider ProviderConfig `mapstructure:"provider"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// IngestConfig points at the ingestion endpoint.
type IngestConfig struct {
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"`
	Strategy       string `mapstructure:"strategy"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// UniverseConfig locates the item catalog. Empty URLs are derived from the
// ingest URL.
type UniverseConfig struct {
	URL            string `mapstructure:"url"`
	FallbackURL    string `mapstructure:"fallback_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RunConfig shapes a single collection pass.
type RunConfig struct {
	MaxItems         int     `mapstructure:"max_items"`
	BatchSize        int     `mapstructure:"batch_size"`
	Timeframe        string  `mapstructure:"timeframe"`
	Anchor           string  `mapstructure:"anchor"`
	PauseBaseSeconds float64 `mapstructure:"pause_base_seconds"`
}

// RetryConfig governs per-batch provider retries.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseSeconds float64 `mapstructure:"base_seconds"`
	JitterMin   float64 `mapstructure:"jitter_min"`
	JitterMax   float64 `mapstructure:"jitter_max"`
}

// ProviderConfig configures the Google Trends client.
type ProviderConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	HL                string  `mapstructure:"hl"`
	TZ                int     `mapstructure:"tz"`
	Geo               string  `mapstructure:"geo"`
	Category          int     `mapstructure:"category"`
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the end-of-run Pushgateway push.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
	Instance       string `mapstructure:"instance"`
}

// ArchiveConfig enables optional row mirrors.
type ArchiveConfig struct {
	Postgres PostgresArchiveConfig `mapstructure:"postgres"`
	GCS      GCSArchiveConfig      `mapstructure:"gcs"`
	Local    LocalArchiveConfig    `mapstructure:"local"`
}

// PostgresArchiveConfig controls the Postgres observation mirror.
type PostgresArchiveConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GCSArchiveConfig controls CSV uploads to a bucket.
type GCSArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// LocalArchiveConfig controls CSV files on local disk.
type LocalArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// PubSubConfig holds the run summary notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CacheConfig enables the Redis frame cache in front of the provider.
type CacheConfig struct {
	RedisURL string  `mapstructure:"redis_url"`
	TTLHours float64 `mapstructure:"ttl_hours"`
}

// legacyEnv maps keys to the variable names used by the scheduled job.
var legacyEnv = map[string]string{
	"ingest.url":             "INGEST_URL",
	"ingest.token":           "INGEST_TOKEN",
	"universe.url":           "UNIVERSE_URL",
	"run.max_items":          "MAX_CARDS",
	"run.batch_size":         "BATCH_SIZE",
	"run.timeframe":          "TIMEFRAME",
	"run.pause_base_seconds": "SLEEP_BASE_SEC",
}

// Load builds a Config from .env, an optional file and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SVI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "SVI_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.deriveUniverse()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key. Viper only resolves SVI_* variables for
// keys it already knows, so keys without a real default get a zero one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.strategy", "stream")
	v.SetDefault("ingest.timeout_seconds", 60)
	v.SetDefault("universe.url", "")
	v.SetDefault("universe.fallback_url", "")
	v.SetDefault("universe.timeout_seconds", 30)
	v.SetDefault("run.max_items", 250)
	v.SetDefault("run.batch_size", 5)
	v.SetDefault("run.timeframe", "today 12-m")
	v.SetDefault("run.anchor", "pokemon card")
	v.SetDefault("run.pause_base_seconds", 3.5)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_seconds", 1.0)
	v.SetDefault("retry.jitter_min", 0.6)
	v.SetDefault("retry.jitter_max", 1.4)
	v.SetDefault("provider.base_url", "https://trends.google.com")
	v.SetDefault("provider.hl", "en-US")
	v.SetDefault("provider.tz", 0)
	v.SetDefault("provider.geo", "")
	v.SetDefault("provider.category", 0)
	v.SetDefault("provider.user_agent", "svi-collector/0.1")
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("provider.requests_per_second", 1.0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "svi_collector")
	v.SetDefault("metrics.instance", "")
	v.SetDefault("archive.postgres.dsn", "")
	v.SetDefault("archive.postgres.table", "svi_daily")
	v.SetDefault("archive.postgres.max_conns", 0)
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "svi")
	v.SetDefault("archive.local.dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl_hours", 12.0)
}

func (c *Config) deriveUniverse() {
	if c.Universe.URL == "" {
		c.Universe.URL = DeriveURL(c.Ingest.URL, "/api/universe")
	}
	if c.Universe.FallbackURL == "" {
		c.Universe.FallbackURL = DeriveURL(c.Ingest.URL, "/api/cards")
	}
}

// DeriveURL swaps the ingest path of ingestURL for path. When the ingest URL
// does not end in /ingest/trends, path is resolved against its origin.
func DeriveURL(ingestURL, path string) string {
	if ingestURL == "" {
		return ""
	}
	if strings.Contains(ingestURL, ingestPath) {
		return strings.Replace(ingestURL, ingestPath, path, 1)
	}
	u, err := url.Parse(ingestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}).String()
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Ingest.URL) == "" {
		return fmt.Errorf("ingest.url (INGEST_URL) is required")
	}
	if c.Ingest.Token == "" {
		return fmt.Errorf("ingest.token (INGEST_TOKEN) is required")
	}
	if c.Ingest.Strategy != "stream" && c.Ingest.Strategy != "buffer" {
		return fmt.Errorf("ingest.strategy must be stream or buffer, got %q", c.Ingest.Strategy)
	}
	if c.Universe.URL == "" {
		return fmt.Errorf("universe.url could not be derived from ingest.url")
	}
	if c.Run.BatchSize < 1 || c.Run.BatchSize > 5 {
		return fmt.Errorf("run.batch_size must be between 1 and 5")
	}
	if c.Run.MaxItems <= 0 {
		return fmt.Errorf("run.max_items must be > 0")
	}
	if strings.TrimSpace(c.Run.Timeframe) == "" {
		return fmt.Errorf("run.timeframe is required")
	}
	if c.Run.PauseBaseSeconds < 0 {
		return fmt.Errorf("run.pause_base_seconds must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseSeconds < 0 {
		return fmt.Errorf("retry.base_seconds must be >= 0")
	}
	if c.Retry.JitterMin <= 0 || c.Retry.JitterMax < c.Retry.JitterMin {
		return fmt.Errorf("retry jitter must satisfy 0 < jitter_min <= jitter_max")
	}
	if c.Ingest.TimeoutSeconds <= 0 || c.Universe.TimeoutSeconds <= 0 || c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.Cache.RedisURL != "" && c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0 when cache.redis_url is set")
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must be >= 0")
	}
	return nil
}

// Seconds converts fractional seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

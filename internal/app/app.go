// Package app builds the collector's dependencies from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/archive"
	"github.com/JakeFAU/svi-collector/internal/cache"
	"github.com/JakeFAU/svi-collector/internal/clock/system"
	"github.com/JakeFAU/svi-collector/internal/collector"
	"github.com/JakeFAU/svi-collector/internal/config"
	"github.com/JakeFAU/svi-collector/internal/id/uuid"
	"github.com/JakeFAU/svi-collector/internal/ingest"
	"github.com/JakeFAU/svi-collector/internal/metrics"
	"github.com/JakeFAU/svi-collector/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/svi-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/svi-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/svi-collector/internal/retry"
	gcsstorage "github.com/JakeFAU/svi-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/svi-collector/internal/storage/local"
	pgstore "github.com/JakeFAU/svi-collector/internal/storage/postgres"
	"github.com/JakeFAU/svi-collector/internal/trends"
	"github.com/JakeFAU/svi-collector/internal/universe"
)

// App contains the collector's dependencies.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	pipeline *collector.Pipeline

	pool         *pgxpool.Pool
	redis        *redis.Client
	runStore     *pgstore.RunStore
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// Option customizes Build, mostly to swap outbound collaborators in tests.
type Option func(*buildOptions)

type buildOptions struct {
	provider collector.Provider
	sleeper  collector.Sleeper
	clock    collector.Clock
	archives []collector.Archiver
	pub      collector.Publisher
}

// WithProvider replaces the Google Trends client.
func WithProvider(p collector.Provider) Option {
	return func(o *buildOptions) { o.provider = p }
}

// WithSleeper replaces the system sleeper used for retries and pauses.
func WithSleeper(s collector.Sleeper) Option {
	return func(o *buildOptions) { o.sleeper = s }
}

// WithArchiver adds an archiver in addition to the configured ones.
func WithArchiver(a collector.Archiver) Option {
	return func(o *buildOptions) { o.archives = append(o.archives, a) }
}

// WithPublisher replaces the configured run summary publisher.
func WithPublisher(p collector.Publisher) Option {
	return func(o *buildOptions) { o.pub = p }
}

// Build creates the application's dependencies. It only dials services that
// are configured.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building collector",
		zap.String("timeframe", cfg.Run.Timeframe),
		zap.Int("max_items", cfg.Run.MaxItems),
		zap.Int("batch_size", cfg.Run.BatchSize),
		zap.String("strategy", cfg.Ingest.Strategy),
	)

	clock := system.New()
	if o.clock == nil {
		o.clock = clock
	}
	if o.sleeper == nil {
		o.sleeper = clock
	}

	ingestor, err := ingest.New(ingest.Config{
		URL:     cfg.Ingest.URL,
		Token:   cfg.Ingest.Token,
		Timeout: time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second,
	}, logger.Named("ingest"))
	if err != nil {
		return nil, fmt.Errorf("ingest client init failed: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider, err = setupProvider(app)
		if err != nil {
			return nil, err
		}
	}
	provider, err = setupCache(ctx, app, provider)
	if err != nil {
		return nil, err
	}

	archivers, err := setupArchivers(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	archivers = append(archivers, o.archives...)

	publisher := o.pub
	if publisher == nil {
		publisher, err = setupPublisher(ctx, app)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
	}

	query := collector.NewQueryClient(provider, o.sleeper, collector.QueryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		RetryBase:   config.Seconds(cfg.Retry.BaseSeconds),
		PauseBase:   config.Seconds(cfg.Run.PauseBaseSeconds),
		Jitter:      retry.Jitter{Min: cfg.Retry.JitterMin, Max: cfg.Retry.JitterMax},
		Retryable:   trends.IsRetryable,
	}, logger.Named("query"))

	var recorder collector.RunRecorder
	if app.runStore != nil {
		recorder = app.runStore
	}

	app.pipeline = collector.NewPipeline(
		collector.Config{
			MaxItems:     cfg.Run.MaxItems,
			BatchSize:    cfg.Run.BatchSize,
			Timeframe:    cfg.Run.Timeframe,
			Anchor:       cfg.Run.Anchor,
			Strategy:     collector.Strategy(cfg.Ingest.Strategy),
			SummaryTopic: cfg.PubSub.Topic,
		},
		setupUniverse(app),
		query,
		ingestor,
		archivers,
		publisher,
		recorder,
		o.clock,
		uuid.New(),
		logger.Named("pipeline"),
	)
	return app, nil
}

func setupProvider(app *App) (collector.Provider, error) {
	cfg := app.cfg.Provider
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RequestsPerSecond,
		DefaultBurst: cfg.Burst,
	})
	client, err := trends.New(trends.Config{
		BaseURL:   cfg.BaseURL,
		HL:        cfg.HL,
		TZ:        cfg.TZ,
		Geo:       cfg.Geo,
		Category:  cfg.Category,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		UserAgent: cfg.UserAgent,
	}, limiter, app.logger.Named("trends"))
	if err != nil {
		return nil, fmt.Errorf("trends client init failed: %w", err)
	}
	app.logger.Info("trends provider ready",
		zap.String("base_url", cfg.BaseURL),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
	)
	return client, nil
}

func setupCache(ctx context.Context, app *App, provider collector.Provider) (collector.Provider, error) {
	cfg := app.cfg.Cache
	if cfg.RedisURL == "" {
		return provider, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache.redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		app.logger.Warn("frame cache unreachable, querying the provider directly",
			zap.String("addr", opts.Addr),
			zap.Error(err),
		)
		return provider, nil
	}
	app.redis = client
	ttl := time.Duration(cfg.TTLHours * float64(time.Hour))
	app.logger.Info("frame cache enabled", zap.String("addr", opts.Addr), zap.Duration("ttl", ttl))
	return cache.NewProvider(provider, cache.NewRedisStore(client), ttl, app.logger.Named("cache")), nil
}

func setupUniverse(app *App) *universe.Chain {
	timeout := time.Duration(app.cfg.Universe.TimeoutSeconds) * time.Second
	sources := []universe.Source{universe.NewHTTPSource("primary", app.cfg.Universe.URL, timeout)}
	if fb := app.cfg.Universe.FallbackURL; fb != "" && fb != app.cfg.Universe.URL {
		sources = append(sources, universe.NewHTTPSource("fallback", fb, timeout))
	}
	return universe.NewChain(app.logger.Named("universe"), sources...)
}

func setupArchivers(ctx context.Context, app *App) ([]collector.Archiver, error) {
	var archivers []collector.Archiver
	cfg := app.cfg.Archive

	if cfg.Postgres.DSN != "" {
		pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
		switch {
		case errors.Is(err, pgstore.ErrUnreachable):
			app.logger.Warn("postgres unreachable, archive and run history disabled for this run", zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("postgres init failed: %w", err)
		default:
			if err := setupPostgres(ctx, app, pool, &archivers); err != nil {
				return nil, err
			}
		}
	}

	if cfg.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		archivers = append(archivers, archive.NewCSVArchiver("gcs", store, nil))
		app.logger.Info("gcs archive enabled", zap.String("bucket", cfg.GCS.Bucket), zap.String("prefix", cfg.GCS.Prefix))
	}

	if cfg.Local.Dir != "" {
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		archivers = append(archivers, archive.NewCSVArchiver("local", store, nil))
		app.logger.Info("local archive enabled", zap.String("dir", cfg.Local.Dir))
	}
	return archivers, nil
}

func setupPostgres(ctx context.Context, app *App, pool *pgxpool.Pool, archivers *[]collector.Archiver) error {
	app.pool = pool
	table := app.cfg.Archive.Postgres.Table
	observations, err := pgstore.NewObservationStore(pool, table)
	if err != nil {
		return fmt.Errorf("observation store init failed: %w", err)
	}
	app.runStore, err = pgstore.NewRunStore(pool, "")
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	*archivers = append(*archivers, observations)
	app.logger.Info("postgres archive enabled", zap.String("table", table))
	app.logLastRun(ctx)
	return nil
}

func (a *App) logLastRun(ctx context.Context) {
	last, err := a.runStore.LastSuccessful(ctx)
	switch {
	case errors.Is(err, pgstore.ErrNotFound):
		a.logger.Info("no previous successful run recorded")
	case err != nil:
		a.logger.Warn("read run history failed", zap.Error(err))
	default:
		a.logger.Info("previous successful run",
			zap.String("run_id", last.ID),
			zap.Time("started_at", last.StartedAt),
			zap.Int("rows_ingested", last.RowsIngested),
		)
	}
}

func setupPublisher(ctx context.Context, app *App) (collector.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.Topic == "" {
		return nil, nil
	}
	if cfg.ProjectID == "" {
		app.logger.Warn("pubsub.topic set without pubsub.project_id, using in-memory publisher")
		return memorypublisher.New(app.logger.Named("publisher")), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	hostname, _ := os.Hostname()
	app.publisher = gcppublisher.New(client, map[string]string{"source": "svi-collector", "host": hostname})
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return app.publisher, nil
}

// Run executes one collection pass and pushes metrics when a Pushgateway is
// configured.
func (a *App) Run(ctx context.Context) (collector.RunSummary, error) {
	summary, runErr := a.pipeline.Run(ctx)
	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := metrics.Push(pushCtx, url, a.cfg.Metrics.Job, a.cfg.Metrics.Instance); err != nil {
			a.logger.Warn("metrics push failed", zap.Error(err))
		}
	}
	return summary, runErr
}

// Close releases every client Build opened.
func (a *App) Close(_ context.Context) {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	a.logger.Debug("collector closed")
}

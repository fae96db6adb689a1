package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/clock/system"
	"github.com/JakeFAU/svi-collector/internal/metrics"
)

// Strategy selects when collected rows are delivered.
type Strategy string

// Delivery strategies. Streaming bounds memory and keeps every delivered batch
// if the run dies midway; buffering makes one request per run.
const (
	StrategyStream Strategy = "stream"
	StrategyBuffer Strategy = "buffer"
)

// Config controls a pipeline run.
type Config struct {
	MaxItems     int
	BatchSize    int
	Timeframe    string
	Anchor       string
	Strategy     Strategy
	SummaryTopic string
}

// Pipeline runs one end-to-end collection pass.
type Pipeline struct {
	cfg       Config
	universe  UniverseFetcher
	query     *QueryClient
	ingestor  Ingestor
	archivers []Archiver
	publisher Publisher
	recorder  RunRecorder
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
}

// NewPipeline constructs a Pipeline. archivers, publisher and recorder may be nil.
func NewPipeline(
	cfg Config,
	universe UniverseFetcher,
	query *QueryClient,
	ingestor Ingestor,
	archivers []Archiver,
	publisher Publisher,
	recorder RunRecorder,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyStream
	}
	if cfg.Anchor == "" {
		cfg.Anchor = DefaultAnchor
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		universe:  universe,
		query:     query,
		ingestor:  ingestor,
		archivers: archivers,
		publisher: publisher,
		recorder:  recorder,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Run executes fetch universe → build terms → batch → query → deliver, and
// returns the run summary. Degraded conditions (empty universe, empty or failed
// batches, rejected deliveries) are not errors. An error is returned only when
// the ingestion endpoint cannot be reached or the context ends; the summary
// then covers the work done so far.
func (p *Pipeline) Run(ctx context.Context) (summary RunSummary, err error) {
	start := p.clock.Now()
	summary = RunSummary{RunID: p.newRunID(start.UnixNano()), StartedAt: start}
	logger := p.logger.With(zap.String("run_id", summary.RunID))
	defer func() {
		summary.Duration = p.clock.Now().Sub(start)
		p.finish(ctx, logger, summary, err)
	}()
	if p.recorder != nil {
		if rerr := p.recorder.StartRun(ctx, summary.RunID, start); rerr != nil {
			logger.Warn("record run start failed", zap.Error(rerr))
		}
	}

	items := p.universe.Fetch(ctx)
	if len(items) == 0 {
		logger.Warn("universe is empty; nothing to do")
		return summary, nil
	}
	if p.cfg.MaxItems > 0 && len(items) > p.cfg.MaxItems {
		items = items[:p.cfg.MaxItems]
	}
	summary.ItemsConsidered = len(items)

	terms := BuildTerms(items, p.cfg.Anchor)
	summary.TermsBuilt = len(terms)
	if len(terms) == 0 {
		logger.Warn("no usable terms constructed; nothing to do", zap.Int("items", len(items)))
		return summary, nil
	}
	total := BatchCount(len(terms), p.cfg.BatchSize)
	logger.Info("terms prepared",
		zap.Int("items", summary.ItemsConsidered),
		zap.Int("terms", summary.TermsBuilt),
		zap.Int("batches", total),
		zap.String("timeframe", p.cfg.Timeframe),
		zap.String("strategy", string(p.cfg.Strategy)),
	)

	var buffered []ObservationRow
	index := 0
	for batch := range Batch(terms, p.cfg.BatchSize) {
		if cerr := ctx.Err(); cerr != nil {
			return summary, fmt.Errorf("run interrupted before batch %d: %w", index+1, cerr)
		}
		index++
		summary.BatchesAttempted++
		blog := logger.With(zap.Int("batch", index), zap.Int("batches", total))

		result := p.query.With(blog).QueryBatch(ctx, batch, p.cfg.Timeframe)
		summary.RowsCollected += len(result.Rows)
		if result.Outcome == BatchOutcomeFailed {
			summary.BatchesFailed++
		}
		blog.Info("batch collected",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("attempts", result.Attempts),
			zap.Int("rows", len(result.Rows)),
			zap.Int("rows_total", summary.RowsCollected),
		)
		if len(result.Rows) == 0 {
			continue
		}
		p.archive(ctx, blog, summary.RunID, index, result.Rows)

		if p.cfg.Strategy == StrategyBuffer {
			buffered = append(buffered, result.Rows...)
			continue
		}
		if err := p.deliver(ctx, blog, result.Rows, &summary); err != nil {
			return summary, fmt.Errorf("deliver batch %d: %w", index, err)
		}
	}

	if len(buffered) > 0 {
		if err := p.deliver(ctx, logger, buffered, &summary); err != nil {
			return summary, fmt.Errorf("deliver buffered rows: %w", err)
		}
	}
	return summary, nil
}

// deliver posts rows. A rejected delivery is logged and swallowed; any other
// failure is returned.
func (p *Pipeline) deliver(ctx context.Context, logger *zap.Logger, rows []ObservationRow, summary *RunSummary) error {
	err := p.ingestor.Ingest(ctx, rows)
	switch {
	case err == nil:
		summary.RowsIngested += len(rows)
		metrics.AddRows("ingested", len(rows))
		logger.Info("rows ingested", zap.Int("rows", len(rows)), zap.Int("rows_ingested", summary.RowsIngested))
		return nil
	case errors.Is(err, ErrIngestRejected):
		summary.DeliveriesFailed++
		metrics.ObserveIngestFailure("status")
		logger.Error("ingestion rejected rows; continuing", zap.Int("rows", len(rows)), zap.Error(err))
		return nil
	default:
		metrics.ObserveIngestFailure("transport")
		return err
	}
}

func (p *Pipeline) archive(ctx context.Context, logger *zap.Logger, runID string, batch int, rows []ObservationRow) {
	for _, a := range p.archivers {
		if err := a.Archive(ctx, runID, batch, rows); err != nil {
			metrics.ObserveArchiveFailure(a.Name())
			logger.Warn("archive write failed", zap.String("archiver", a.Name()), zap.Error(err))
			continue
		}
		metrics.AddRows("archived", len(rows))
	}
}

func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger, summary RunSummary, runErr error) {
	fields := []zap.Field{
		zap.Int("items_considered", summary.ItemsConsidered),
		zap.Int("terms_built", summary.TermsBuilt),
		zap.Int("batches_attempted", summary.BatchesAttempted),
		zap.Int("batches_failed", summary.BatchesFailed),
		zap.Int("deliveries_failed", summary.DeliveriesFailed),
		zap.Int("rows_collected", summary.RowsCollected),
		zap.Int("rows_ingested", summary.RowsIngested),
		zap.Duration("duration", summary.Duration),
	}
	if runErr != nil {
		logger.Error("run aborted", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("run complete", fields...)
	}

	metrics.RecordRun(metrics.Summary{
		ItemsConsidered:  summary.ItemsConsidered,
		TermsBuilt:       summary.TermsBuilt,
		BatchesAttempted: summary.BatchesAttempted,
		BatchesFailed:    summary.BatchesFailed,
		DeliveriesFailed: summary.DeliveriesFailed,
		RowsCollected:    summary.RowsCollected,
		RowsIngested:     summary.RowsIngested,
		FinishedAt:       summary.StartedAt.Add(summary.Duration),
		Duration:         summary.Duration,
	})

	// The run context may already be cancelled; the summary is still worth sending.
	ctx = context.WithoutCancel(ctx)
	if p.recorder != nil {
		if err := p.recorder.FinishRun(ctx, summary, runErr); err != nil {
			logger.Warn("record run finish failed", zap.Error(err))
		}
	}
	if p.publisher == nil || p.cfg.SummaryTopic == "" {
		return
	}
	id, err := p.publisher.Publish(ctx, p.cfg.SummaryTopic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("message_id", id))
}

func (p *Pipeline) newRunID(fallback int64) string {
	if p.ids != nil {
		id, err := p.ids.NewID()
		if err == nil {
			return id
		}
		p.logger.Warn("generate run id failed", zap.Error(err))
	}
	return "run-" + strconv.FormatInt(fallback, 10)
}

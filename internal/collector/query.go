package collector

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/metrics"
	"github.com/JakeFAU/svi-collector/internal/retry"
)

// QueryConfig controls retries and pacing of provider calls.
type QueryConfig struct {
	MaxAttempts int
	RetryBase   time.Duration
	PauseBase   time.Duration
	Jitter      retry.Jitter
	// Retryable classifies provider errors; nil retries everything but
	// context cancellation.
	Retryable func(error) bool
}

// QueryClient runs one provider request per batch with retry and pacing.
type QueryClient struct {
	provider Provider
	sleeper  Sleeper
	cfg      QueryConfig
	logger   *zap.Logger
}

// NewQueryClient constructs a QueryClient.
func NewQueryClient(provider Provider, sleeper Sleeper, cfg QueryConfig, logger *zap.Logger) *QueryClient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryClient{provider: provider, sleeper: sleeper, cfg: cfg, logger: logger}
}

// With returns a copy of the client that logs through logger.
func (q *QueryClient) With(logger *zap.Logger) *QueryClient {
	clone := *q
	clone.logger = logger
	return &clone
}

// QueryBatch fetches rows for every term in batch. It never fails: a batch
// that stays broken after all attempts yields no rows. Every call ends with
// the inter-batch pause.
func (q *QueryClient) QueryBatch(ctx context.Context, batch []Term, timeframe string) BatchResult {
	defer q.pause(ctx)

	queries := make([]string, len(batch))
	for i, t := range batch {
		queries[i] = t.Query
	}

	policy := retry.Policy{
		MaxAttempts: q.cfg.MaxAttempts,
		BaseDelay:   q.cfg.RetryBase,
		Jitter:      q.cfg.Jitter,
		Retryable:   q.cfg.Retryable,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			metrics.ObserveRetryBackoff(wait)
			q.logger.Warn("provider query failed; retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}
	frame, attempts, err := retry.Do(ctx, policy, q.sleeper, func(ctx context.Context, _ int) (Frame, error) {
		f, err := q.provider.InterestOverTime(ctx, queries, timeframe)
		if errors.Is(err, ErrNoData) {
			err = nil
		}
		metrics.ObserveProviderAttempt(err)
		return f, err
	})

	result := BatchResult{Attempts: attempts}
	switch {
	case err != nil:
		result.Outcome = BatchOutcomeFailed
		q.logger.Error("provider batch abandoned", zap.Int("attempts", attempts), zap.Error(err))
	case frame.Empty():
		result.Outcome = BatchOutcomeEmpty
		q.logger.Warn("provider returned no data for batch", zap.Int("terms", len(batch)))
	default:
		result.Outcome = BatchOutcomeOK
		result.Rows = RowsFromFrame(batch, frame)
	}
	metrics.ObserveBatch(string(result.Outcome))
	metrics.AddRows("collected", len(result.Rows))
	return result
}

func (q *QueryClient) pause(ctx context.Context) {
	if q.sleeper == nil || q.cfg.PauseBase <= 0 {
		return
	}
	if err := q.sleeper.Sleep(ctx, q.cfg.Jitter.Apply(q.cfg.PauseBase)); err != nil {
		q.logger.Debug("inter-batch pause interrupted", zap.Error(err))
	}
}

// RowsFromFrame maps frame columns back to the batch's items. Terms missing
// from the frame and points that are not integers in 0..100 are skipped.
// Sub-daily timeframes yield several points per date; the last one wins so
// each (item, date) appears once.
func RowsFromFrame(batch []Term, frame Frame) []ObservationRow {
	type key struct {
		item string
		day  time.Time
	}
	var rows []ObservationRow
	seen := make(map[key]int)
	for _, term := range batch {
		column, ok := frame.Columns[term.Query]
		if !ok {
			continue
		}
		for i, raw := range column {
			if i >= len(frame.Dates) {
				break
			}
			value, ok := parseValue(raw)
			if !ok {
				continue
			}
			k := key{item: term.ItemID, day: frame.Dates[i]}
			if at, dup := seen[k]; dup {
				rows[at].Value = value
				continue
			}
			seen[k] = len(rows)
			rows = append(rows, ObservationRow{ItemID: term.ItemID, AsOf: frame.Dates[i], Value: value})
		}
	}
	return rows
}

func parseValue(raw any) (int, bool) {
	switch v := raw.(type) {
	case nil, bool:
		return 0, false
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false
		}
	}
	value, err := cast.ToIntE(raw)
	if err != nil || value < 0 || value > 100 {
		return 0, false
	}
	return value, true
}

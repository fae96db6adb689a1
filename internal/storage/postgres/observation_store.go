package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/svi-collector/internal/collector"
)

// ObservationStore upserts observation rows keyed by (item_id, as_of).
//
//	CREATE TABLE svi_daily (
//	    item_id    text        NOT NULL,
//	    as_of      date        NOT NULL,
//	    svi        integer     NOT NULL,
//	    run_id     text        NOT NULL,
//	    updated_at timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (item_id, as_of)
//	);
type ObservationStore struct {
	db    DB
	table string
}

// NewObservationStore wraps db. An empty table defaults to svi_daily.
func NewObservationStore(db DB, table string) (*ObservationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	table, err := checkTable(table, "svi_daily")
	if err != nil {
		return nil, err
	}
	return &ObservationStore{db: db, table: table}, nil
}

// Name identifies the archiver in logs and metrics.
func (s *ObservationStore) Name() string { return "postgres" }

// Archive upserts rows in a single statement. The newest run wins on conflict.
func (s *ObservationStore) Archive(ctx context.Context, runID string, _ int, rows []collector.ObservationRow) error {
	if len(rows) == 0 {
		return nil
	}
	// One statement cannot touch a conflict key twice, so repeated
	// (item_id, as_of) pairs collapse to their last value.
	type key struct {
		item string
		day  string
	}
	ids := make([]string, 0, len(rows))
	dates := make([]time.Time, 0, len(rows))
	values := make([]int32, 0, len(rows))
	seen := make(map[key]int, len(rows))
	for _, r := range rows {
		day := r.AsOf.UTC()
		value := int32(r.Value) //nolint:gosec // values are 0..100
		k := key{item: r.ItemID, day: day.Format(time.DateOnly)}
		if at, dup := seen[k]; dup {
			values[at] = value
			continue
		}
		seen[k] = len(ids)
		ids = append(ids, r.ItemID)
		dates = append(dates, day)
		values = append(values, value)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (item_id, as_of, svi, run_id)
SELECT item_id, as_of, svi, $4
FROM unnest($1::text[], $2::date[], $3::int4[]) AS t(item_id, as_of, svi)
ON CONFLICT (item_id, as_of) DO UPDATE
SET svi = EXCLUDED.svi, run_id = EXCLUDED.run_id, updated_at = now()`, s.table)

	if _, err := s.db.Exec(ctx, query, ids, dates, values, runID); err != nil {
		return fmt.Errorf("upsert observations: %w", err)
	}
	return nil
}

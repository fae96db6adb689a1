package collector

import (
	"time"
)

// CatalogItem is one entry of the item universe.
type CatalogItem struct {
	ID      string
	Name    string
	Number  string
	SetName string
}

// Term pairs an item with the query string built for it.
type Term struct {
	ItemID string
	Query  string
}

// ObservationRow is a single SVI data point for one item on one date.
type ObservationRow struct {
	ItemID string
	AsOf   time.Time
	Value  int
}

// Frame is the provider's answer for one batch: a date index plus one column
// per term. Column values are kept as decoded so malformed points can be
// skipped individually.
type Frame struct {
	Dates   []time.Time
	Columns map[string][]any
}

// Empty reports whether the frame carries no data points.
func (f Frame) Empty() bool {
	return len(f.Dates) == 0 || len(f.Columns) == 0
}

// BatchOutcome classifies how a batch query ended.
type BatchOutcome string

// Batch outcomes recorded in logs and metrics.
const (
	BatchOutcomeOK     BatchOutcome = "ok"
	BatchOutcomeEmpty  BatchOutcome = "empty"
	BatchOutcomeFailed BatchOutcome = "failed"
)

// BatchResult is returned by QueryClient.QueryBatch.
type BatchResult struct {
	Rows     []ObservationRow
	Attempts int
	Outcome  BatchOutcome
}

// RunSummary is emitted once at the end of every run.
type RunSummary struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	ItemsConsidered  int           `json:"items_considered"`
	TermsBuilt       int           `json:"terms_built"`
	BatchesAttempted int           `json:"batches_attempted"`
	BatchesFailed    int           `json:"batches_failed"`
	DeliveriesFailed int           `json:"deliveries_failed"`
	RowsCollected    int           `json:"rows_collected"`
	RowsIngested     int           `json:"rows_ingested"`
}

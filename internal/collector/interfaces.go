package collector

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned by a Provider that answered but had nothing for the terms.
var ErrNoData = errors.New("provider returned no data")

// UniverseFetcher returns the catalog to process. It never fails; an empty
// result means there is nothing to do.
type UniverseFetcher interface {
	Fetch(ctx context.Context) []CatalogItem
}

// Provider issues one batched query-volume request.
type Provider interface {
	InterestOverTime(ctx context.Context, terms []string, timeframe string) (Frame, error)
}

// Ingestor delivers rows to the ingestion endpoint.
type Ingestor interface {
	Ingest(ctx context.Context, rows []ObservationRow) error
}

// Archiver mirrors delivered rows to secondary storage.
type Archiver interface {
	Name() string
	Archive(ctx context.Context, runID string, batch int, rows []ObservationRow) error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunRecorder keeps a durable history of runs.
type RunRecorder interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, summary RunSummary, runErr error) error
}

// Sleeper blocks for a duration or until the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ErrIngestRejected matches delivery errors where the endpoint answered with a
// non-success status. Such a delivery is lost but the run continues.
var ErrIngestRejected = errors.New("ingestion rejected")

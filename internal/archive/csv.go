// Package archive mirrors collected rows to blob storage as CSV objects.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/JakeFAU/svi-collector/internal/collector"
)

// ContentType is the MIME type of archive objects.
const ContentType = "text/csv; charset=utf-8"

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Record is the CSV form of an observation row.
type Record struct {
	ItemID string `csv:"item_id"`
	AsOf   string `csv:"as_of"`
	SVI    int    `csv:"svi"`
	RunID  string `csv:"run_id"`
}

// CSVArchiver writes each batch as its own CSV object.
type CSVArchiver struct {
	name  string
	store BlobStore
	now   func() time.Time
}

// NewCSVArchiver wraps store. name labels the archiver in logs and metrics.
func NewCSVArchiver(name string, store BlobStore, now func() time.Time) *CSVArchiver {
	if now == nil {
		now = time.Now
	}
	return &CSVArchiver{name: name, store: store, now: now}
}

// Name identifies the archiver.
func (a *CSVArchiver) Name() string { return a.name }

// Archive encodes rows and stores them at ObjectPath.
func (a *CSVArchiver) Archive(ctx context.Context, runID string, batch int, rows []collector.ObservationRow) error {
	if len(rows) == 0 {
		return nil
	}
	data, err := Encode(runID, rows)
	if err != nil {
		return err
	}
	path := ObjectPath(a.now(), runID, batch)
	if _, err := a.store.PutObject(ctx, path, ContentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// ObjectPath lays objects out by UTC day, then run, then batch.
func ObjectPath(day time.Time, runID string, batch int) string {
	return fmt.Sprintf("%s/%s/batch-%04d.csv", day.UTC().Format("2006/01/02"), runID, batch)
}

// Encode renders rows as CSV with a header line.
func Encode(runID string, rows []collector.ObservationRow) ([]byte, error) {
	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{
			ItemID: r.ItemID,
			AsOf:   r.AsOf.UTC().Format(time.DateOnly),
			SVI:    r.Value,
			RunID:  runID,
		})
	}
	data, err := csvutil.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return data, nil
}

// Decode parses CSV produced by Encode.
func Decode(data []byte) ([]Record, error) {
	var records []Record
	if err := csvutil.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return records, nil
}

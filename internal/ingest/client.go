// Package ingest delivers observation rows to the remote ingestion endpoint.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/collector"
	"github.com/JakeFAU/svi-collector/internal/metrics"
)

const (
	// TokenHeader carries the shared ingestion secret.
	TokenHeader = "x-ingest-token"

	dateLayout    = "2006-01-02"
	errorBodySize = 200
)

// Error is returned when the endpoint answers with a non-2xx status.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest failed: status %d: %s", e.StatusCode, e.Body)
}

// Is lets callers match any status failure with collector.ErrIngestRejected.
func (e *Error) Is(target error) bool {
	return target == collector.ErrIngestRejected
}

// Row is the wire form of one observation.
type Row struct {
	ItemID string `json:"item_id"`
	AsOf   string `json:"as_of"`
	SVI    int    `json:"svi"`
}

type payload struct {
	Rows []Row `json:"rows"`
}

// Config configures the Client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client posts rows to the ingestion endpoint. It never retries; a failed
// delivery is reported to the caller so rows are not ingested twice silently.
type Client struct {
	url    string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("ingest url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("ingest token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:   cfg.URL,
		token: cfg.Token,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: metrics.InstrumentTransport("ingest", nil),
		},
		logger: logger,
	}, nil
}

// ToWire converts rows to their JSON wire form.
func ToWire(rows []collector.ObservationRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{ItemID: r.ItemID, AsOf: r.AsOf.UTC().Format(dateLayout), SVI: r.Value})
	}
	return out
}

// Ingest posts rows in one request. An empty slice is a no-op.
func (c *Client) Ingest(ctx context.Context, rows []collector.ObservationRow) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := json.Marshal(payload{Rows: ToWire(rows)})
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post ingest: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Body: truncate(string(respBody), errorBodySize)}
	}
	c.logger.Debug("rows ingested", zap.Int("rows", len(rows)), zap.Int("status", resp.StatusCode))
	return nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

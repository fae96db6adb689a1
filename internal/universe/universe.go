// Package universe fetches the catalog of items to collect SVI for. Sources
// are tried in order until one yields a non-empty list.
package universe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/collector"
	"github.com/JakeFAU/svi-collector/internal/metrics"
)

// ErrNotList is returned when a source answers with JSON that is not an array.
var ErrNotList = errors.New("universe response is not a list")

const maxBodyBytes = 32 << 20

// Source yields catalog items.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]collector.CatalogItem, error)
}

// HTTPSource reads a JSON array of item objects from a URL.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPSource builds an HTTPSource with a bounded request timeout.
func NewHTTPSource(name, url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: metrics.InstrumentTransport("universe", nil),
		},
	}
}

// Name identifies the source in logs.
func (s *HTTPSource) Name() string {
	return s.name
}

// Fetch downloads and decodes the item list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]collector.CatalogItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build universe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.name, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("get %s: status %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	return decodeItems(body)
}

func decodeItems(body []byte) ([]collector.CatalogItem, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotList
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode universe: %w", err)
	}
	items := make([]collector.CatalogItem, 0, len(raw))
	for _, obj := range raw {
		if obj == nil {
			continue
		}
		items = append(items, collector.CatalogItem{
			ID:      field(obj, "id"),
			Name:    field(obj, "name"),
			Number:  field(obj, "number"),
			SetName: field(obj, "set_name"),
		})
	}
	return items, nil
}

func field(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Chain tries each source in order and returns the first non-empty result.
type Chain struct {
	sources []Source
	logger  *zap.Logger
}

// NewChain builds a Chain over sources.
func NewChain(logger *zap.Logger, sources ...Source) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{sources: sources, logger: logger}
}

// Fetch implements collector.UniverseFetcher. Failures are logged and never returned.
func (c *Chain) Fetch(ctx context.Context) []collector.CatalogItem {
	for _, src := range c.sources {
		items, err := src.Fetch(ctx)
		switch {
		case err != nil:
			c.logger.Warn("universe source failed", zap.String("source", src.Name()), zap.Error(err))
		case len(items) == 0:
			c.logger.Warn("universe source returned no items", zap.String("source", src.Name()))
		default:
			c.logger.Info("universe fetched", zap.String("source", src.Name()), zap.Int("items", len(items)))
			return items
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	c.logger.Warn("no universe source returned items", zap.Int("sources", len(c.sources)))
	return nil
}

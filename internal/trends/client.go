// Package trends implements collector.Provider against the Google Trends web API.
//
// A query takes three calls: a session cookie from the landing page, an
// explore call that returns widget tokens for the requested terms, and a
// multiline widget call that returns one value per term per date.
package trends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/collector"
	"github.com/JakeFAU/svi-collector/internal/metrics"
)

const (
	// DefaultBaseURL is the public Google Trends host.
	DefaultBaseURL = "https://trends.google.com"

	explorePath   = "/trends/api/explore"
	multilinePath = "/trends/api/widgetdata/multiline"
	timeseriesID  = "TIMESERIES"

	maxBodyBytes  = 10 << 20
	errorBodySize = 200
)

// Config controls the Trends client.
type Config struct {
	BaseURL   string
	HL        string
	TZ        int
	Geo       string
	Category  int
	Timeout   time.Duration
	UserAgent string
}

// Waiter paces outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Penalizer is implemented by waiters that can hold a host after it answers
// 429 with a Retry-After hint.
type Penalizer interface {
	Penalize(rawURL string, d time.Duration)
}

// StatusError reports a non-200 answer from a Trends endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trends %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether another attempt could succeed. Rate limiting and
// server errors are transient; other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable classifies an error returned by Client.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// Client queries Google Trends.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger

	mu         sync.Mutex
	hasSession bool
}

// New constructs a Client. The limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse trends base url: %w", err)
	}
	if cfg.HL == "" {
		cfg.HL = "en-US"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: metrics.InstrumentTransport("trends", nil),
		},
		limiter: limiter,
		logger:  logger,
	}, nil
}

type comparisonItem struct {
	Keyword string `json:"keyword"`
	Time    string `json:"time"`
	Geo     string `json:"geo"`
}

type exploreRequest struct {
	ComparisonItem []comparisonItem `json:"comparisonItem"`
	Category       int              `json:"category"`
	Property       string           `json:"property"`
}

type widget struct {
	ID      string          `json:"id"`
	Token   string          `json:"token"`
	Request json.RawMessage `json:"request"`
}

type exploreResponse struct {
	Widgets []widget `json:"widgets"`
}

type timelinePoint struct {
	Time      string `json:"time"`
	Value     []any  `json:"value"`
	IsPartial bool   `json:"isPartial"`
}

type multilineResponse struct {
	Default struct {
		TimelineData []timelinePoint `json:"timelineData"`
	} `json:"default"`
}

// InterestOverTime returns the interest-over-time frame for up to five terms.
// A response without timeline points yields an empty frame and no error.
func (c *Client) InterestOverTime(ctx context.Context, terms []string, timeframe string) (collector.Frame, error) {
	if len(terms) == 0 {
		return collector.Frame{}, nil
	}
	if err := c.ensureSession(ctx); err != nil {
		return collector.Frame{}, err
	}
	w, err := c.explore(ctx, terms, timeframe)
	if err != nil {
		return collector.Frame{}, err
	}
	var resp multilineResponse
	params := url.Values{"req": {string(w.Request)}, "token": {w.Token}}
	if err := c.getJSON(ctx, multilinePath, params, &resp); err != nil {
		return collector.Frame{}, err
	}
	frame, err := buildFrame(terms, resp.Default.TimelineData)
	if err != nil {
		return collector.Frame{}, err
	}
	c.logger.Debug("trends frame received",
		zap.Strings("terms", terms),
		zap.Int("points", len(frame.Dates)),
		zap.Int("columns", len(frame.Columns)),
	)
	return frame, nil
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasSession {
		return nil
	}
	geo := c.cfg.Geo
	if geo == "" {
		geo = "US"
	}
	target := c.cfg.BaseURL + "/?geo=" + url.QueryEscape(geo)
	if _, err := c.do(ctx, "session", target); err != nil {
		return err
	}
	c.hasSession = true
	return nil
}

func (c *Client) explore(ctx context.Context, terms []string, timeframe string) (widget, error) {
	req := exploreRequest{ComparisonItem: make([]comparisonItem, 0, len(terms)), Category: c.cfg.Category}
	for _, term := range terms {
		req.ComparisonItem = append(req.ComparisonItem, comparisonItem{Keyword: term, Time: timeframe, Geo: c.cfg.Geo})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return widget{}, fmt.Errorf("marshal explore request: %w", err)
	}
	var resp exploreResponse
	if err := c.getJSON(ctx, explorePath, url.Values{"req": {string(payload)}}, &resp); err != nil {
		return widget{}, err
	}
	for _, w := range resp.Widgets {
		if w.ID == timeseriesID {
			return w, nil
		}
	}
	return widget{}, fmt.Errorf("trends explore: no %s widget in response", timeseriesID)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("hl", c.cfg.HL)
	params.Set("tz", strconv.Itoa(c.cfg.TZ))
	target := c.cfg.BaseURL + path + "?" + params.Encode()
	body, err := c.do(ctx, path, target)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(stripXSSI(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode trends %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build trends request: %w", err)
	}
	req.Header.Set("Accept-Language", c.cfg.HL)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trends %s: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read trends %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: truncateBody(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			statusErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			if p, ok := c.limiter.(Penalizer); ok && statusErr.RetryAfter > 0 {
				p.Penalize(target, statusErr.RetryAfter)
				c.logger.Warn("trends asked to back off",
					zap.String("endpoint", endpoint),
					zap.Duration("retry_after", statusErr.RetryAfter),
				)
			}
		}
		return nil, statusErr
	}
	return body, nil
}

// parseRetryAfter reads delta-seconds or an HTTP date. Past dates yield 0.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// stripXSSI drops the ")]}'" guard Google prepends to JSON answers.
func stripXSSI(body []byte) []byte {
	if i := bytes.IndexByte(body, '{'); i > 0 {
		return body[i:]
	}
	return body
}

func buildFrame(terms []string, points []timelinePoint) (collector.Frame, error) {
	if len(points) == 0 {
		return collector.Frame{}, nil
	}
	frame := collector.Frame{
		Dates:   make([]time.Time, 0, len(points)),
		Columns: make(map[string][]any, len(terms)),
	}
	// Repeated terms share one column, fed from their first position.
	columns := make([]int, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for i, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		for _, p := range points {
			if i < len(p.Value) {
				columns = append(columns, i)
				break
			}
		}
	}
	for _, p := range points {
		secs, err := cast.ToInt64E(p.Time)
		if err != nil {
			return collector.Frame{}, fmt.Errorf("parse timeline time %q: %w", p.Time, err)
		}
		frame.Dates = append(frame.Dates, time.Unix(secs, 0).UTC().Truncate(24*time.Hour))
		for _, i := range columns {
			var v any
			if i < len(p.Value) {
				v = p.Value[i]
			}
			frame.Columns[terms[i]] = append(frame.Columns[terms[i]], v)
		}
	}
	return frame, nil
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= errorBodySize {
		return s
	}
	n := errorBodySize
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/svi-collector/internal/retry"
)

var day0 = time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)

type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *fakeSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct{}

func (fakeIDGen) NewID() (string, error) { return "run-test", nil }

// fakeProvider answers every call through respond; calls are recorded.
type fakeProvider struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(call int, terms []string) (Frame, error)
}

func (p *fakeProvider) InterestOverTime(_ context.Context, terms []string, _ string) (Frame, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]string(nil), terms...))
	call := len(p.calls)
	p.mu.Unlock()
	return p.respond(call, terms)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fullFrame returns `points` dates with value i+1 for every term.
func fullFrame(terms []string, points int) Frame {
	f := Frame{Columns: map[string][]any{}}
	for i := 0; i < points; i++ {
		f.Dates = append(f.Dates, day0.AddDate(0, 0, 7*i))
	}
	for _, term := range terms {
		for i := 0; i < points; i++ {
			f.Columns[term] = append(f.Columns[term], float64(i+1))
		}
	}
	return f
}

type fakeIngestor struct {
	mu    sync.Mutex
	posts [][]ObservationRow
	err   func(post int) error
}

func (i *fakeIngestor) Ingest(_ context.Context, rows []ObservationRow) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.posts = append(i.posts, append([]ObservationRow(nil), rows...))
	if i.err != nil {
		return i.err(len(i.posts))
	}
	return nil
}

type rejectedError struct{ status int }

func (e rejectedError) Error() string        { return fmt.Sprintf("status %d", e.status) }
func (e rejectedError) Is(target error) bool { return target == ErrIngestRejected }

type fakeArchiver struct {
	mu      sync.Mutex
	batches []int
	fail    bool
}

func (a *fakeArchiver) Name() string { return "fake" }

func (a *fakeArchiver) Archive(_ context.Context, _ string, batch int, _ []ObservationRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, batch)
	if a.fail {
		return errors.New("bucket unavailable")
	}
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished []RunSummary
	errs     []error
}

func (r *fakeRecorder) StartRun(_ context.Context, runID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return nil
}

func (r *fakeRecorder) FinishRun(_ context.Context, summary RunSummary, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, summary)
	r.errs = append(r.errs, runErr)
	return nil
}

type staticUniverse []CatalogItem

func (u staticUniverse) Fetch(context.Context) []CatalogItem { return u }

func testQueryConfig() QueryConfig {
	return QueryConfig{
		MaxAttempts: 4,
		RetryBase:   time.Second,
		PauseBase:   3500 * time.Millisecond,
		Jitter:      retry.Jitter{Min: 0.6, Max: 1.4, Rand: func() float64 { return 0.5 }},
	}
}

func items(n int) []CatalogItem {
	out := make([]CatalogItem, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, CatalogItem{ID: fmt.Sprintf("card-%d", i), Name: fmt.Sprintf("Card %d", i)})
	}
	return out
}

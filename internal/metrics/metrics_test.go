package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveBatch(t *testing.T) {
	before := testutil.ToFloat64(batchesTotal.WithLabelValues("ok"))
	ObserveBatch("ok")
	ObserveBatch("ok")
	require.InDelta(t, before+2, testutil.ToFloat64(batchesTotal.WithLabelValues("ok")), 0.001)
}

func TestObserveProviderAttempt(t *testing.T) {
	okBefore := testutil.ToFloat64(providerAttemptsTotal.WithLabelValues("success"))
	errBefore := testutil.ToFloat64(providerAttemptsTotal.WithLabelValues("error"))
	ObserveProviderAttempt(nil)
	ObserveProviderAttempt(errors.New("boom"))
	require.InDelta(t, okBefore+1, testutil.ToFloat64(providerAttemptsTotal.WithLabelValues("success")), 0.001)
	require.InDelta(t, errBefore+1, testutil.ToFloat64(providerAttemptsTotal.WithLabelValues("error")), 0.001)
}

func TestAddRowsIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(rowsTotal.WithLabelValues("archived"))
	AddRows("archived", 0)
	AddRows("archived", -3)
	AddRows("archived", 4)
	require.InDelta(t, before+4, testutil.ToFloat64(rowsTotal.WithLabelValues("archived")), 0.001)
}

func TestObserveCache(t *testing.T) {
	hits := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("miss"))
	ObserveCache("hit")
	ObserveCache("miss")
	ObserveCache("miss")
	require.InDelta(t, hits+1, testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("hit")), 0.001)
	require.InDelta(t, misses+2, testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("miss")), 0.001)
}

func TestRecordRun(t *testing.T) {
	finished := time.Unix(1_700_000_000, 0)
	RecordRun(Summary{
		ItemsConsidered:  7,
		TermsBuilt:       7,
		BatchesAttempted: 2,
		RowsCollected:    40,
		RowsIngested:     40,
		FinishedAt:       finished,
		Duration:         3 * time.Second,
	})
	require.InDelta(t, 7, testutil.ToFloat64(lastRun.WithLabelValues("items_considered")), 0.001)
	require.InDelta(t, 2, testutil.ToFloat64(lastRun.WithLabelValues("batches_attempted")), 0.001)
	require.InDelta(t, 40, testutil.ToFloat64(lastRun.WithLabelValues("rows_ingested")), 0.001)
	require.InDelta(t, 1_700_000_000, testutil.ToFloat64(lastRunTimestampSeconds), 0.001)
	require.InDelta(t, 3, testutil.ToFloat64(lastRunDurationSeconds), 0.001)
}

func TestInstrumentTransportCountsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	counter := httpClientRequestsTotal.WithLabelValues("metrics-test", "418", "get")
	before := testutil.ToFloat64(counter)

	client := &http.Client{Transport: InstrumentTransport("metrics-test", nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}

func TestPushSendsToGateway(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, Push(context.Background(), srv.URL, "svi_collector", "run-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, http.MethodPut, method)
	require.True(t, strings.HasPrefix(path, "/metrics/job/svi_collector"), path)
	require.Contains(t, path, "instance/run-1")
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	require.NoError(t, Push(context.Background(), "", "svi_collector", ""))
}

func TestPushReportsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Push(context.Background(), srv.URL, "svi_collector", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "push metrics")
}

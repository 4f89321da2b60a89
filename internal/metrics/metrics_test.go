package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEmpty(t *testing.T) {
	r := New(nil)
	s := r.Snapshot()
	assert.Equal(t, int64(0), s.TotalRequests)
	assert.Equal(t, time.Duration(0), s.AverageResponseTime)
	assert.Equal(t, 0.0, s.ErrorRate)
}

func TestObserveRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := New(registry)

	r.ObserveRequest(OutcomeOK, 100*time.Millisecond)
	r.ObserveRequest(OutcomeOK, 300*time.Millisecond)
	r.ObserveRequest(OutcomeUnauthorized, 0)
	r.ObserveRequest(OutcomeUpstreamFailed, 400*time.Millisecond)

	s := r.Snapshot()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.Errors)
	assert.Equal(t, 200*time.Millisecond, s.AverageResponseTime)
	assert.InDelta(t, 50.0, s.ErrorRate, 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("unauthorized")))
}

func TestRecordAttemptAndFrames(t *testing.T) {
	r := New(nil)

	r.RecordAttempt("primary", dispatch.Retryable, time.Millisecond)
	r.RecordAttempt("primary", dispatch.Retryable, time.Millisecond)
	r.RecordAttempt("mirror", dispatch.Success, time.Millisecond)
	r.RecordFrames("content", 3)
	r.RecordFrames("think", 1)
	r.RecordFrames("done", 0)

	s := r.Snapshot()
	assert.Equal(t, int64(3), s.Attempts)
	assert.Equal(t, int64(2), s.FailedAttempts)
	assert.Equal(t, int64(4), s.StreamFrames)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.attemptsTotal.WithLabelValues("primary", "retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attemptsTotal.WithLabelValues("mirror", "success")))
}

func TestConcurrentUpdates(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := OutcomeOK
			if i%5 == 0 {
				outcome = OutcomeTimeout
			}
			r.ObserveRequest(outcome, 10*time.Millisecond)
		}(i)
	}
	wg.Wait()

	s := r.Snapshot()
	assert.Equal(t, int64(50), s.TotalRequests)
	assert.Equal(t, int64(10), s.Errors)
	assert.InDelta(t, 20.0, s.ErrorRate, 0.001)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New(nil)
	r.ObserveRequest(OutcomeOK, time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "deepinfra_proxy_requests_total")
	assert.Contains(t, string(body), "deepinfra_proxy_request_duration_seconds")
}

// Package metrics holds the process-wide request counters. One Recorder is
// created at startup and injected wherever counts are updated; all updates
// are atomic so concurrent requests can share it.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deepinfra_proxy"

// Outcome is how a client request ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeBadRequest     Outcome = "bad_request"
	OutcomeUpstreamStatus Outcome = "upstream_status"
	OutcomeUpstreamFailed Outcome = "upstream_failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCanceled       Outcome = "canceled"
)

// IsError reports whether the outcome counts toward the error rate.
func (o Outcome) IsError() bool {
	return o != OutcomeOK
}

// Snapshot is a point-in-time copy of the aggregate counters.
type Snapshot struct {
	TotalRequests       int64
	Errors              int64
	AverageResponseTime time.Duration
	// ErrorRate is a percentage in [0, 100].
	ErrorRate      float64
	Attempts       int64
	FailedAttempts int64
	StreamFrames   int64
}

// Recorder keeps aggregate counters and mirrors them into Prometheus.
type Recorder struct {
	startedAt time.Time

	requests       atomic.Int64
	errors         atomic.Int64
	responseTimeMs atomic.Int64
	attempts       atomic.Int64
	failedAttempts atomic.Int64
	streamFrames   atomic.Int64

	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	attemptsTotal   *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
}

// New creates a Recorder registering its collectors on registry. A nil
// registry gets a fresh private one.
func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		startedAt: time.Now(),
		registry:  registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request arrival until the response is fully relayed.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by endpoint and classification.",
		}, []string{"endpoint", "result"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "SSE frames written to clients by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(r.requestsTotal, r.requestDuration, r.attemptsTotal, r.framesTotal)
	return r
}

// ObserveRequest records one finished client request.
func (r *Recorder) ObserveRequest(outcome Outcome, elapsed time.Duration) {
	r.requests.Add(1)
	if outcome.IsError() {
		r.errors.Add(1)
	}
	r.responseTimeMs.Add(elapsed.Milliseconds())

	r.requestsTotal.WithLabelValues(string(outcome)).Inc()
	r.requestDuration.Observe(elapsed.Seconds())
}

// RecordAttempt implements dispatch.Recorder.
func (r *Recorder) RecordAttempt(endpoint string, outcome dispatch.Class, _ time.Duration) {
	r.attempts.Add(1)
	if outcome != dispatch.Success {
		r.failedAttempts.Add(1)
	}
	r.attemptsTotal.WithLabelValues(endpoint, outcome.String()).Inc()
}

// RecordFrames adds n written frames of the given kind.
func (r *Recorder) RecordFrames(kind string, n int) {
	if n <= 0 {
		return
	}
	r.streamFrames.Add(int64(n))
	r.framesTotal.WithLabelValues(kind).Add(float64(n))
}

// Snapshot returns the current aggregate counters.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:  r.requests.Load(),
		Errors:         r.errors.Load(),
		Attempts:       r.attempts.Load(),
		FailedAttempts: r.failedAttempts.Load(),
		StreamFrames:   r.streamFrames.Load(),
	}
	if s.TotalRequests > 0 {
		s.AverageResponseTime = time.Duration(r.responseTimeMs.Load()/s.TotalRequests) * time.Millisecond
		s.ErrorRate = float64(s.Errors) / float64(s.TotalRequests) * 100
	}
	return s
}

// Uptime is the time since the Recorder was created.
func (r *Recorder) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Handler exposes the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

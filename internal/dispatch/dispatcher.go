// Package dispatch sends a request to the first upstream endpoint that
// accepts it, retrying transient failures with backoff and failing over
// across mirrors.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxErrorBody caps how much of a non-2xx body is kept for the client.
const maxErrorBody = 4 << 20

// HTTPClient is the subset of *http.Client the dispatcher needs.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Recorder receives one call per finished attempt.
type Recorder interface {
	RecordAttempt(endpoint string, outcome Class, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string, Class, time.Duration) {}

// Request is what gets posted to every attempted endpoint. Body is reused
// verbatim for each attempt.
type Request struct {
	Body   []byte
	Header http.Header
	// BodyDeadline extends the per-attempt deadline over reading the
	// response body. The body is read into memory before Dispatch returns,
	// so a stalled body fails the attempt like a stalled connect does. Leave
	// it unset for streams, which may run far longer than one attempt.
	BodyDeadline bool
}

// Result is a successful upstream response. The caller owns Response.Body
// and must close it.
type Result struct {
	Response       *http.Response
	Endpoint       Endpoint
	Attempts       int
	EndpointsTried int
}

// Options configure a Dispatcher.
type Options struct {
	Client         HTTPClient
	Pool           *Pool
	Policy         Policy
	RequestTimeout time.Duration
	Recorder       Recorder
	Logger         zerolog.Logger
}

// Dispatcher runs the bounded endpoints x retries attempt loop.
type Dispatcher struct {
	client   HTTPClient
	pool     *Pool
	policy   Policy
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		client:   opts.Client,
		pool:     opts.Pool,
		policy:   opts.Policy,
		timeout:  opts.RequestTimeout,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		sleep:    sleep,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.policy.MaxRetries < 1 {
		d.policy.MaxRetries = 1
	}
	return d
}

// Policy returns the backoff policy in use.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Pool returns the endpoint pool in use.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Dispatch posts req to the pool's endpoints in order until one answers 2xx.
// At most Pool().Len() * MaxRetries attempts are made. When all fail the
// error is a *DispatchError; when ctx ends first, ctx.Err() is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	log := d.loggerFor(ctx)

	var (
		last     error
		attempts int
		tried    int
		wait     = d.policy.Jitter()
	)

	for _, ep := range d.pool.Endpoints() {
		tried++
		for i := 0; i < d.policy.MaxRetries; i++ {
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}

			attempts++
			start := time.Now()
			resp, err := d.attempt(ctx, ep, req)
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}

			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			class := Classify(status, err)
			d.recorder.RecordAttempt(ep.Host, class, time.Since(start))

			if class == Success {
				if attempts > 1 {
					log.Info().
						Str("endpoint", ep.Host).
						Int("attempts", attempts).
						Int("endpoints_tried", tried).
						Msg("Upstream succeeded after retries")
				}
				return &Result{Response: resp, Endpoint: ep, Attempts: attempts, EndpointsTried: tried}, nil
			}

			if err == nil {
				err = readStatusError(ep, resp)
			}
			last = err

			dec := d.policy.Decide(class, i)
			log.Warn().
				Err(err).
				Str("endpoint", ep.Host).
				Int("endpoint_index", ep.Index).
				Int("attempt", i+1).
				Int("status", status).
				Str("class", class.String()).
				Bool("advance", dec.Advance).
				Msg("Upstream attempt failed")

			wait = d.policy.Jitter() + dec.Delay
			if dec.Advance {
				break
			}
		}
	}

	return nil, &DispatchError{Attempts: attempts, EndpointsTried: tried, Last: last}
}

// attempt performs one POST bound to the per-attempt deadline. The deadline
// covers everything up to the response headers, plus the body for error
// statuses and for requests with BodyDeadline set. A streamed success keeps
// its context alive until the body is closed.
func (d *Dispatcher) attempt(ctx context.Context, ep Endpoint, req Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if d.timeout > 0 {
		timer = time.AfterFunc(d.timeout, func() { cancel(ErrAttemptTimeout) })
	}
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, ep.URL, bytes.NewReader(req.Body))
	if err != nil {
		stopTimer()
		cancel(nil)
		return nil, fmt.Errorf("building request for %s: %w", ep.Host, err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := d.client.Do(httpReq)
	buffered := false
	if err == nil && (req.BodyDeadline || !isSuccess(resp.StatusCode)) {
		err = bufferBody(resp)
		buffered = err == nil
	}
	fired := !stopTimer()

	switch {
	case buffered:
		// The body is in memory; nothing depends on the context any more.
		cancel(nil)
		return resp, nil
	case fired:
		if err == nil {
			resp.Body.Close()
		}
		cancel(nil)
		return nil, fmt.Errorf("%s after %s: %w", ep.Host, d.timeout, ErrAttemptTimeout)
	case err != nil:
		cancel(nil)
		return nil, fmt.Errorf("%s: %w", ep.Host, err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

// bufferBody replaces resp.Body with its contents read into memory. Error
// bodies are capped at maxErrorBody and a failed read keeps what arrived;
// a success body must be read completely.
func bufferBody(resp *http.Response) error {
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if !isSuccess(resp.StatusCode) {
		r = io.LimitReader(resp.Body, maxErrorBody)
	}
	body, err := io.ReadAll(r)
	if err != nil && isSuccess(resp.StatusCode) {
		return fmt.Errorf("reading response body: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func (d *Dispatcher) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &d.logger
}

func readStatusError(ep Endpoint, resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{
		Endpoint:   ep.Host,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

// cancelOnClose releases the attempt context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

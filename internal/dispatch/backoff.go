package dispatch

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// Class is the outcome classification of one upstream attempt.
type Class int

const (
	Success Class = iota
	Retryable
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps the result of one attempt to a Class. Any transport error,
// including an attempt timeout, is retryable. Among HTTP statuses only 429,
// 403 and 503 are retryable; every other non-2xx status is fatal for the
// endpoint that produced it.
func Classify(status int, err error) Class {
	if err != nil {
		return Retryable
	}
	if status >= 200 && status < 300 {
		return Success
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusForbidden, http.StatusServiceUnavailable:
		return Retryable
	}
	return Fatal
}

// Decision says what the dispatcher does after a failed attempt.
type Decision struct {
	// Delay is the backoff to wait before the next attempt, excluding jitter.
	Delay time.Duration
	// Retry re-attempts the same endpoint.
	Retry bool
	// Advance moves on to the next endpoint.
	Advance bool
}

// Policy is the retry and backoff configuration shared by all requests.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterMin  time.Duration
	JitterMax  time.Duration
}

const defaultMaxDelay = 10 * time.Second

// Delay returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Jitter returns a uniformly random duration in [JitterMin, JitterMax].
func (p Policy) Jitter() time.Duration {
	if p.JitterMax <= p.JitterMin {
		if p.JitterMin < 0 {
			return 0
		}
		return p.JitterMin
	}
	span := int64(p.JitterMax - p.JitterMin)
	return p.JitterMin + time.Duration(jitterInt64N(span+1))
}

// Decide returns the follow-up for a failed attempt with index attempt
// (zero based) on the current endpoint. Fatal outcomes never re-attempt the
// same endpoint; retryable ones do until MaxRetries attempts are used up.
func (p Policy) Decide(c Class, attempt int) Decision {
	if c == Retryable && attempt+1 < p.maxRetries() {
		return Decision{Retry: true, Delay: p.Delay(attempt + 1)}
	}
	return Decision{Advance: true, Delay: p.Delay(0)}
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewPCG(seed64(), seed64()))
)

func seed64() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return uint64(time.Now().UnixNano())
}

func jitterInt64N(n int64) int64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRng.Int64N(n)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

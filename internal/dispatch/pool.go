package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const chatCompletionsPath = "/chat/completions"

// Endpoint is one upstream target. Index 0 is the primary, the rest are
// mirrors in failover order.
type Endpoint struct {
	Index int
	// URL is the full chat completions URL requests are posted to.
	URL string
	// Host is used for log fields and metric labels.
	Host string
}

func (e Endpoint) String() string {
	return e.Host
}

// Pool is the ordered, immutable list of endpoints.
type Pool struct {
	endpoints []Endpoint
}

// NewPool builds a pool from configured endpoint URLs. A URL that already
// ends in /chat/completions is used as is, anything else is treated as a
// base URL.
func NewPool(urls []string) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("endpoint pool needs at least one URL")
	}

	p := &Pool{endpoints: make([]Endpoint, 0, len(urls))}
	for i, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("endpoint %d: %q is not an absolute URL", i, raw)
		}
		if !strings.HasSuffix(u.Path, chatCompletionsPath) {
			u.Path = strings.TrimRight(u.Path, "/") + chatCompletionsPath
		}
		p.endpoints = append(p.endpoints, Endpoint{
			Index: i,
			URL:   u.String(),
			Host:  u.Host,
		})
	}
	return p, nil
}

// Endpoints returns the endpoints in failover order.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

func (p *Pool) Len() int {
	return len(p.endpoints)
}

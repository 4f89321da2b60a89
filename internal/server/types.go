package server

import (
	"fmt"
	"time"
)

type errorResponse struct {
	Error string `json:"error"`
}

// upstreamErrorResponse is the body for 502 and 504 answers once every
// endpoint and retry has been used up.
type upstreamErrorResponse struct {
	Error              string `json:"error"`
	Details            string `json:"details"`
	RetryAfter         int    `json:"retry_after"`
	AvailableEndpoints int    `json:"available_endpoints"`
	EndpointsTried     int    `json:"endpoints_tried"`
	Attempts           int    `json:"attempts"`
	PerformanceMode    string `json:"performance_mode"`
}

type healthResponse struct {
	Status          string       `json:"status"`
	Timestamp       string       `json:"timestamp"`
	PerformanceMode string       `json:"performance_mode"`
	Uptime          string       `json:"uptime"`
	Config          healthConfig `json:"config"`
	Stats           healthStats  `json:"stats"`
}

type healthConfig struct {
	MaxRetries     int    `json:"max_retries"`
	RetryDelay     string `json:"retry_delay"`
	RequestTimeout string `json:"request_timeout"`
	RandomDelay    string `json:"random_delay"`
	Endpoints      int    `json:"endpoints"`
}

type healthStats struct {
	TotalRequests       int64  `json:"total_requests"`
	AverageResponseTime string `json:"average_response_time"`
	ErrorRate           string `json:"error_rate"`
	UpstreamAttempts    int64  `json:"upstream_attempts"`
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

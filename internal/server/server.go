package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/config"
	"github.com/dvcrn/deepinfra-proxy/internal/dispatch"
	"github.com/dvcrn/deepinfra-proxy/internal/keys"
	"github.com/dvcrn/deepinfra-proxy/internal/metrics"
	"github.com/rs/zerolog"
)

// Dispatcher sends a chat request upstream with retries and failover.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Options are the collaborators a Server is built from.
type Options struct {
	Config     *config.Config
	Dispatcher Dispatcher
	Keys       keys.Validator
	Metrics    *metrics.Recorder
	Logger     zerolog.Logger
}

type Server struct {
	cfg        *config.Config
	dispatcher Dispatcher
	keys       keys.Validator
	metrics    *metrics.Recorder
	mux        *http.ServeMux
	handler    http.Handler
	logger     zerolog.Logger
	startedAt  time.Time
}

func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		keys:       opts.Keys,
		metrics:    opts.Metrics,
		mux:        http.NewServeMux(),
		logger:     opts.Logger,
		startedAt:  time.Now(),
	}
	if s.cfg == nil {
		defaults, _ := config.ModeDefaults(config.ModeBalanced)
		s.cfg = &defaults
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.keys == nil {
		s.keys = keys.NewStatic(nil)
	}

	s.setupRoutes()
	s.handler = s.recoveryMiddleware(s.requestIDMiddleware(s.loggingMiddleware(s.corsMiddleware(s.mux))))
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/chat/completions", s.requireAPIKey(s.chatCompletionsHandler))
	s.mux.HandleFunc("/v1/models", s.modelsHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	if s.cfg.EnableMetrics {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// log returns the request-scoped logger set up by requestIDMiddleware.
func (s *Server) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	snap := s.metrics.Snapshot()
	resp := healthResponse{
		Status:          "healthy",
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		PerformanceMode: string(s.cfg.PerformanceMode),
		Uptime:          time.Since(s.startedAt).Round(time.Second).String(),
		Config: healthConfig{
			MaxRetries:     s.cfg.MaxRetries,
			RetryDelay:     formatMillis(s.cfg.RetryDelay),
			RequestTimeout: formatMillis(s.cfg.RequestTimeout),
			RandomDelay:    s.cfg.RandomDelayRange(),
			Endpoints:      len(s.cfg.Endpoints),
		},
		Stats: healthStats{
			TotalRequests:       snap.TotalRequests,
			AverageResponseTime: formatMillis(snap.AverageResponseTime),
			ErrorRate:           formatPercent(snap.ErrorRate),
			UpstreamAttempts:    snap.Attempts,
		},
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	s.writeJSON(w, r, http.StatusOK, modelsResponse{
		Object: "list",
		Data:   supportedModels(s.startedAt),
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.log(r).Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "Not Found"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusMethodNotAllowed, errorResponse{Error: "Method Not Allowed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log(r).Error().Err(err).Int("status", status).Msg("Failed to encode JSON response")
	}
}

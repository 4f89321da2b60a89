package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/metrics"
)

// requireAPIKey checks for a valid client API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers. Rejected
// requests never reach the upstream.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next(w, r)
			return
		}

		key, reason := extractAPIKey(r)
		if reason == "" && !s.keys.IsValid(key) {
			reason = "Invalid API key provided"
		}
		if reason != "" {
			s.log(r).Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg(reason)
			s.metrics.ObserveRequest(metrics.OutcomeUnauthorized, time.Duration(0))
			s.writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}

		next(w, r)
	}
}

// extractAPIKey returns the presented key, or a non-empty reason why the
// headers do not carry one.
func extractAPIKey(r *http.Request) (key, reason string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Expect "Bearer <token>" format, case-insensitive
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", "Invalid Authorization header format"
		}
		return parts[1], ""
	}
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return apiKey, ""
	}
	return "", "Missing Authorization or X-API-Key header"
}

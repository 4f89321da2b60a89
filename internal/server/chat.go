package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/dispatch"
	"github.com/dvcrn/deepinfra-proxy/internal/metrics"
	"github.com/dvcrn/deepinfra-proxy/internal/stream"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	maxRequestBody    = 10 << 20
	retryAfterSeconds = 60
)

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.log(r).Warn().Err(err).Msg("Failed to read request body")
		s.metrics.ObserveRequest(metrics.OutcomeBadRequest, time.Since(start))
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "Invalid JSON format"})
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		s.log(r).Warn().Int("bytes", len(body)).Msg("Rejected request with invalid JSON body")
		s.metrics.ObserveRequest(metrics.OutcomeBadRequest, time.Since(start))
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "Invalid JSON format"})
		return
	}

	req := gjson.ParseBytes(body)
	wantStream := req.Get("stream").Bool()
	logger := s.log(r).With().
		Str("model", req.Get("model").String()).
		Bool("stream", wantStream).
		Logger()
	ctx := logger.WithContext(r.Context())

	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Body:         body,
		Header:       upstreamHeaders(s.cfg.UpstreamAPIKey),
		BodyDeadline: !wantStream,
	})
	if err != nil {
		outcome := s.writeDispatchFailure(ctx, w, r, err)
		s.metrics.ObserveRequest(outcome, time.Since(start))
		return
	}
	defer res.Response.Body.Close()

	logger.Info().
		Str("endpoint", res.Endpoint.Host).
		Int("attempts", res.Attempts).
		Int("status", res.Response.StatusCode).
		Msg("Upstream responded")

	var outcome metrics.Outcome
	if isEventStream(res.Response, wantStream) {
		outcome = s.relayStream(ctx, w, res.Response, &logger)
	} else {
		outcome = s.relayJSON(ctx, w, res.Response, &logger)
	}
	s.metrics.ObserveRequest(outcome, time.Since(start))
}

// writeDispatchFailure turns a failed dispatch into the client response
// and returns the outcome to record.
func (s *Server) writeDispatchFailure(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) metrics.Outcome {
	log := zerolog.Ctx(ctx)

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("Client went away before upstream responded")
		return metrics.OutcomeCanceled
	}

	resp := upstreamErrorResponse{
		Error:              "External API request failed",
		Details:            err.Error(),
		RetryAfter:         retryAfterSeconds,
		AvailableEndpoints: len(s.cfg.Endpoints),
		PerformanceMode:    string(s.cfg.PerformanceMode),
	}
	status := http.StatusBadGateway
	outcome := metrics.OutcomeUpstreamFailed

	var de *dispatch.DispatchError
	if errors.As(err, &de) {
		resp.Attempts = de.Attempts
		resp.EndpointsTried = de.EndpointsTried
		if de.Last != nil {
			resp.Details = de.Last.Error()
		}

		if se, ok := de.UpstreamStatus(); ok && !se.Retryable() {
			log.Warn().
				Int("status", se.StatusCode).
				Str("endpoint", se.Endpoint).
				Int("attempts", de.Attempts).
				Msg("Passing upstream error through")
			copyResponseHeaders(w.Header(), se.Header)
			w.WriteHeader(se.StatusCode)
			if _, werr := w.Write(se.Body); werr != nil {
				log.Warn().Err(werr).Msg("Failed to write upstream error body")
			}
			return metrics.OutcomeUpstreamStatus
		}
		if de.Timeout() {
			resp.Error = "Upstream request timed out"
			status = http.StatusGatewayTimeout
			outcome = metrics.OutcomeTimeout
		}
	}

	log.Error().
		Err(err).
		Int("status", status).
		Int("attempts", resp.Attempts).
		Int("endpoints_tried", resp.EndpointsTried).
		Msg("All upstream attempts failed")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	s.writeJSON(w, r, status, resp)
	return outcome
}

// relayJSON copies a non-streaming upstream response to the client as is.
func (s *Server) relayJSON(ctx context.Context, w http.ResponseWriter, resp *http.Response, log *zerolog.Logger) metrics.Outcome {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug().Int64("bytes", n).Msg("Client went away during response")
			return metrics.OutcomeCanceled
		}
		log.Warn().Err(err).Int64("bytes", n).Msg("Failed to relay upstream response")
		return metrics.OutcomeUpstreamFailed
	}
	return metrics.OutcomeOK
}

// relayStream re-frames the upstream SSE body, folding reasoning deltas
// into <think> blocks, and writes each frame to the client as it is ready.
func (s *Server) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, log *zerolog.Logger) metrics.Outcome {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	t := stream.NewTransformer(resp.Body)
	t.OnSkip = func(payload []byte) {
		log.Debug().Int("bytes", len(payload)).Msg("Skipping unparseable upstream event")
	}

	res, err := stream.NewEmitter(w, *log).Emit(ctx, t)

	st := t.Stats()
	s.metrics.RecordFrames("content", st.ContentFrames)
	s.metrics.RecordFrames("think", st.ThinkFrames)
	if st.DoneSeen {
		s.metrics.RecordFrames("done", 1)
	}

	log.Info().
		Int("frames", res.Frames).
		Int64("bytes", res.Bytes).
		Int("skipped", st.Skipped).
		Bool("done", st.DoneSeen).
		Msg("Stream finished")

	var werr *stream.WriteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case ctx.Err() != nil, errors.As(err, &werr):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeUpstreamFailed
	}
}

// isEventStream reports whether the upstream answered with SSE. A missing
// Content-Type on a streaming request is treated as SSE too.
func isEventStream(resp *http.Response, wantStream bool) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return wantStream
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "text/event-stream"
}

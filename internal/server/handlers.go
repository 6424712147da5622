package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/skhakirov/claude-code-cli-api/internal/breaker"
	"github.com/skhakirov/claude-code-cli-api/internal/engine"
	"github.com/skhakirov/claude-code-cli-api/internal/orchestrator"
	"github.com/skhakirov/claude-code-cli-api/internal/ratelimit"
	"github.com/skhakirov/claude-code-cli-api/internal/redact"
	"github.com/skhakirov/claude-code-cli-api/internal/retry"
	"github.com/skhakirov/claude-code-cli-api/internal/session"
	"github.com/skhakirov/claude-code-cli-api/internal/stream"
	"github.com/skhakirov/claude-code-cli-api/internal/tasks"
	"github.com/skhakirov/claude-code-cli-api/pkg/models"
)

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.orch.Query(r.Context(), rateKeyFrom(r.Context()), req)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	s.monitor.Broadcast("query_completed", map[string]any{
		"session_id":  resp.SessionID,
		"status":      resp.Status,
		"duration_ms": resp.DurationMs,
		"num_turns":   resp.NumTurns,
		"prompt":      redact.Preview(req.Prompt, 120),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	call, err := s.orch.Stream(r.Context(), rateKeyFrom(r.Context()), req)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.monitor.Broadcast("stream_started", map[string]any{
		"session_id": call.SessionID,
		"prompt":     redact.Preview(req.Prompt, 120),
	})

	for ev := range call.Events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			log.Error().Err(err).Str("event", ev.Event).Msg("Failed to marshal stream event")
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Event, ev.Seq, data); err != nil {
			// Client went away. The orchestrator sees the context cancel
			// and unwinds the engine call; we just stop writing.
			return
		}
		flusher.Flush()
	}

	s.monitor.Broadcast("stream_completed", map[string]any{"session_id": call.SessionID})
}

func (s *Service) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.List()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(sess))
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.monitor.Broadcast("session_deleted", map[string]any{"session_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"circuit_breaker": s.breaker.Status(),
		"rate_limiter":    s.limiter.Stats(),
		"tasks":           s.tracker.Status(),
		"sessions":        s.sessions.Len(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() || s.tracker.Draining() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleMonitorEvents attaches the caller to the gateway activity feed.
func (s *Service) handleMonitorEvents(w http.ResponseWriter, r *http.Request) {
	client, err := s.monitor.AddClient(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	client.Flusher.Flush()

	select {
	case <-r.Context().Done():
		s.monitor.RemoveClient(client)
	case <-client.Done:
	}
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (models.QueryRequest, bool) {
	// Read the body ourselves so the MaxBytesReader error reaches errors.As
	// intact instead of being wrapped by the JSON decoder.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return models.QueryRequest{}, false
	}

	var req models.QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return models.QueryRequest{}, false
	}
	return req, true
}

// writeQueryError maps orchestration errors onto HTTP statuses.
func (s *Service) writeQueryError(w http.ResponseWriter, err error) {
	var (
		rejected  *ratelimit.RejectedError
		valErr    *models.ValidationError
		exhausted *retry.ExhaustedError
		stall     *stream.StallError
	)

	switch {
	case errors.As(err, &rejected):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rejected.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, valErr.Error())
	case errors.Is(err, orchestrator.ErrPathTraversal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrDirectoryNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, breaker.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable, engine circuit open")
	case errors.Is(err, tasks.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service shutting down")
	case errors.Is(err, engine.ErrNotInstalled):
		writeError(w, http.StatusServiceUnavailable, "execution engine unavailable")
	case errors.As(err, &stall), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "engine did not respond in time")
	case errors.As(err, &exhausted):
		writeError(w, http.StatusBadGateway, "engine unavailable after retries")
	default:
		log.Error().Err(err).Msg("Query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionInfo(sess session.Session) models.SessionInfo {
	return models.SessionInfo{
		SessionID:        sess.ID,
		CreatedAt:        sess.CreatedAt,
		LastActivity:     sess.LastActivity,
		WorkingDirectory: sess.WorkingDirectory,
		Model:            sess.Model,
		PromptCount:      sess.PromptCount,
		TotalCostUSD:     sess.TotalCostUSD,
		CumulativeTokens: sess.CumulativeTokens,
		ForkedFrom:       sess.ForkedFrom,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg, "status_code": code})
}

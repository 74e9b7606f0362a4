package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iuriikogan/rlm-sandbox/internal/observability"
	"github.com/iuriikogan/rlm-sandbox/internal/rlm"
	"github.com/iuriikogan/rlm-sandbox/internal/store"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

type completionRequest struct {
	Query         string          `json:"query"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
}

// sessionReader is the read side of the session store.
type sessionReader interface {
	Get(ctx context.Context, id string) (*types.SessionResult, error)
	List(ctx context.Context, limit int) ([]store.Summary, error)
}

type server struct {
	engine   *rlm.RLM
	sessions sessionReader
	logger   *slog.Logger
}

func newServer(engine *rlm.RLM, sessions sessionReader, logger *slog.Logger) http.Handler {
	s := &server{engine: engine, sessions: sessions, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/completion", s.instrument("/completion", s.handleCompletion))
	mux.Handle("GET /sessions", s.instrument("/sessions", s.handleListSessions))
	mux.Handle("GET /sessions/{id}", s.instrument("/sessions/{id}", s.handleGetSession))
	return mux
}

func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	query := req.Query
	if query == "" {
		query = req.Prompt
	}
	contextText, err := contextText(req.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid context: "+err.Error())
		return
	}
	if contextText == "" {
		if query == "" {
			respondError(w, http.StatusBadRequest, "Query or context is required")
			return
		}
		// A bare prompt is both the question and the material.
		contextText = query
	}
	if req.MaxIterations < 0 {
		respondError(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}

	engine := s.engine
	if req.MaxIterations > 0 {
		engine = engine.WithMaxIterations(req.MaxIterations)
	}

	resp, err := engine.Completion(r.Context(), query, contextText)
	if resp == nil {
		s.logger.Error("RLM Completion failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, statusFor(resp), resp)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, http.StatusNotFound, "Session persistence is disabled")
		return
	}
	res, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load session", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, http.StatusNotFound, "Session persistence is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.sessions.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	respondJSON(w, http.StatusOK, list)
}

// instrument records request metrics under a fixed route label.
func (s *server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			duration := time.Since(start).Seconds()
			observability.HttpRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()
			observability.HttpRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			s.logger.Info("Request handled", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", duration)
		}()

		h(rw, r)
	})
}

// contextText turns the request's context field into the sandbox document.
// Strings are used as is; any other JSON value is passed as its compact
// JSON text.
func contextText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func statusFor(res *types.SessionResult) int {
	if res.Status == types.StatusDone {
		return http.StatusOK
	}
	switch res.FailureCode {
	case types.CodeDrivingModelUnavailable:
		return http.StatusBadGateway
	case types.CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// Custom ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

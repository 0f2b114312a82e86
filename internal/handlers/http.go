package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/latoulicious/sinkstream/pkg/database"
	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// recentSessionsLimit bounds the finished sessions listed by /sessions
const recentSessionsLimit = 20

// HistoryReader is the part of the session history the status routes read
type HistoryReader interface {
	RecentSessions(ctx context.Context, limit int) ([]*database.SessionRecord, error)
	Stats(ctx context.Context) (*database.SessionStats, error)
}

// Handler serves the audio stream and the status routes
type Handler struct {
	manager *pipeline.Manager
	metrics *pipeline.Metrics
	history HistoryReader
	logger  pipeline.Logger
	info    string
	mux     *http.ServeMux
}

// NewHandler builds the route table. metrics and history may be nil.
func NewHandler(manager *pipeline.Manager, metrics *pipeline.Metrics, history HistoryReader, logger pipeline.Logger) *Handler {
	if logger == nil {
		logger = pipeline.NullLogger()
	}

	h := &Handler{
		manager: manager,
		metrics: metrics,
		history: history,
		logger:  logger.With(pipeline.String("component", "http")),
		info:    infoText(manager.Source()),
		mux:     http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func infoText(source string) string {
	return fmt.Sprintf(`sinkstream: system audio over HTTP

GET /stream    live %s stream captured from %s
GET /healthz   liveness and active session count
GET /sessions  active and recent sessions
GET /metrics   Prometheus metrics
`, pipeline.StreamContentType, source)
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
	h.mux.HandleFunc("GET /stream", h.withMetrics("/stream", h.handleStream))
	h.mux.HandleFunc("GET /healthz", h.withMetrics("/healthz", h.handleHealth))
	h.mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))

	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.info))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	setStreamHeaders(w.Header())
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	session, err := h.manager.Open(r.Context(), r.RemoteAddr)
	if err != nil {
		// The headers above are still uncommitted and get replaced.
		w.Header().Del("Cache-Control")
		switch {
		case errors.Is(err, pipeline.ErrCapacity):
			http.Error(w, "stream capacity reached, try again later", http.StatusServiceUnavailable)
		default:
			http.Error(w, "failed to start audio encoder", http.StatusBadGateway)
		}
		return
	}
	defer session.Close()

	w.WriteHeader(http.StatusOK)
	sink := newResponseSink(w)
	if err := sink.Flush(); err != nil {
		h.logger.Debug("Client gone before first chunk",
			pipeline.String("session_id", session.ID()),
			pipeline.Error(err),
		)
	}

	session.Relay(sink)
}

func setStreamHeaders(header http.Header) {
	header.Set("Content-Type", pipeline.StreamContentType)
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("X-Content-Type-Options", "nosniff")
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	Uptime         string `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveSessions: h.manager.ActiveCount(),
		Uptime:         h.manager.Uptime().Round(time.Second).String(),
	})
}

type sessionsResponse struct {
	Source  string                    `json:"source"`
	Command string                    `json:"command"`
	Active  []pipeline.SessionInfo    `json:"active"`
	Recent  []*database.SessionRecord `json:"recent,omitempty"`
	Totals  *database.SessionStats    `json:"totals,omitempty"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{
		Source:  h.manager.Source(),
		Command: h.manager.Invocation().String(),
		Active:  h.manager.Active(),
	}

	if h.history != nil {
		limit := recentSessionsLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		recent, err := h.history.RecentSessions(r.Context(), limit)
		if err != nil {
			h.logger.Warn("Failed to read session history", pipeline.Error(err))
			http.Error(w, "session history unavailable", http.StatusInternalServerError)
			return
		}
		totals, err := h.history.Stats(r.Context())
		if err != nil {
			h.logger.Warn("Failed to read session totals", pipeline.Error(err))
			http.Error(w, "session history unavailable", http.StatusInternalServerError)
			return
		}
		resp.Recent = recent
		resp.Totals = totals
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withMetrics wraps a handler with request counting by route
func (h *Handler) withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, route, ww.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// responseSink adapts an HTTP response to pipeline.Sink
type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() error {
	return s.rc.Flush()
}

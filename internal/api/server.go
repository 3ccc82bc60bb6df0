// Package api provides the HTTP API server for Reeve.
//
// The API serves reconstructed transcripts, accepts checkpoint records
// from the producing agent process, records run feedback, and exposes
// operational surfaces: a WebSocket event stream, service stats, build
// info, and health checks. Every request carries an X-Trace-ID, echoed
// from the client or generated here, and appears in the request log.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/checkpoint"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/export"
	"github.com/nugget/reeve/internal/feedback"
	"github.com/nugget/reeve/internal/transcript"
)

// writeJSON writes v as JSON, logging encode failures at debug level.
// By the time encoding fails the status line is already written, so
// there is nothing better to do than log.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	serviceName string
	environment string
	service     *transcript.Service
	feedback    *feedback.Recorder
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
	stats       *ServiceStats
}

// NewServer creates a new API server over the given transcript service.
func NewServer(address string, port int, svc *transcript.Service, logger *slog.Logger) *Server {
	return &Server{
		address:     address,
		port:        port,
		serviceName: "Reeve",
		environment: "dev",
		service:     svc,
		logger:      logger,
		stats:       &ServiceStats{},
	}
}

// SetIdentity overrides the service name reported by health endpoints
// and the environment segment of generated trace IDs.
func (s *Server) SetIdentity(name, environment string) {
	if name != "" {
		s.serviceName = name
	}
	if environment != "" {
		s.environment = environment
	}
}

// SetFeedback configures the recorder behind the feedback endpoints.
func (s *Server) SetFeedback(rec *feedback.Recorder) {
	s.feedback = rec
}

// SetBus configures the event bus for the WebSocket stream and for
// events published by API handlers.
func (s *Server) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Stats returns the server's operation counters, for wiring into the
// MQTT announcer.
func (s *Server) Stats() *ServiceStats {
	return s.stats
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for large exports
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Handler returns the server's routed handler with the trace and
// request-logging middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Transcript endpoints
	mux.HandleFunc("GET /v1/history/{threadId}", s.handleHistory)
	mux.HandleFunc("GET /v1/history/{threadId}/export", s.handleHistoryExport)
	mux.HandleFunc("GET /v1/threads/{userId}", s.handleThreads)

	// Checkpoint ingest
	mux.HandleFunc("POST /v1/checkpoints", s.handleCheckpointCreate)

	// Feedback endpoints
	mux.HandleFunc("POST /v1/feedback", s.handleFeedbackCreate)
	mux.HandleFunc("GET /v1/feedback/{runId}", s.handleFeedbackList)

	// Live event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Service introspection
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withTrace(s.withLogging(mux))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"trace_id", TraceID(r.Context()),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    s.serviceName,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"service": s.serviceName,
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	snap.Build = buildinfo.Info()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// handleHistory returns the reconstructed transcript for a thread.
// History is supplementary context for its callers, so a failing store
// degrades to an empty transcript inside the service; the only errors
// that reach here are caller-side, like a cancelled request.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	messages, err := s.service.History(r.Context(), threadID)
	if err != nil {
		s.logger.Error("history request failed",
			"thread_id", threadID,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	s.stats.RecordTranscript()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"messages": messages,
	}, s.logger)
}

// handleHistoryExport renders a transcript as a downloadable document.
// Format comes from the format query parameter and defaults to
// markdown.
func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := s.service.History(r.Context(), threadID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	doc, err := export.Render(format, threadID, messages)
	if err != nil {
		s.logger.Error("transcript export failed",
			"thread_id", threadID,
			"format", format,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "export failed")
		return
	}

	s.stats.RecordExport()
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindTranscriptExported,
		Data: map[string]any{
			"thread_id":     threadID,
			"format":        string(format),
			"message_count": len(messages),
		},
	})

	filename := fmt.Sprintf("transcript-%s.%s", threadID, format.Ext())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(doc); err != nil {
		s.logger.Debug("failed to write export response", "error", err)
	}
}

// handleThreads lists thread IDs recorded for a user. Unlike history,
// a store failure here is an error response: an empty list would read
// as "no conversations" while the store is down.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	threads, err := s.service.Threads(r.Context(), userID)
	if err != nil {
		s.logger.Error("thread listing failed",
			"user_id", userID,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"threads": threads,
		"count":   len(threads),
	}, s.logger)
}

// handleCheckpointCreate accepts one checkpoint record from the
// producing agent process and appends it to the store. The sequence
// key may be omitted; the service assigns a time-ordered one.
func (s *Server) handleCheckpointCreate(w http.ResponseWriter, r *http.Request) {
	var rec checkpoint.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.service.Ingest(r.Context(), &rec); err != nil {
		if errors.Is(err, transcript.ErrInvalidRecord) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("checkpoint ingest failed",
			"thread_id", rec.ThreadID,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "failed to store checkpoint")
		return
	}

	s.stats.RecordCheckpoint()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{
		"thread_id":    rec.ThreadID,
		"sequence_key": rec.SequenceKey,
	}, s.logger)
}

// feedbackRequest is the POST /v1/feedback body.
type feedbackRequest struct {
	RunID  string         `json:"run_id"`
	Key    string         `json:"key"`
	Score  float64        `json:"score"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

func (s *Server) handleFeedbackCreate(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "feedback not configured")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry := &feedback.Entry{
		RunID:  req.RunID,
		Key:    req.Key,
		Score:  req.Score,
		Kwargs: req.Kwargs,
	}
	if err := s.feedback.Record(r.Context(), entry); err != nil {
		if errors.Is(err, feedback.ErrInvalid) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("feedback record failed",
			"run_id", req.RunID,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}

	s.stats.RecordFeedback()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "success",
	}, s.logger)
}

func (s *Server) handleFeedbackList(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "feedback not configured")
		return
	}

	runID := r.PathValue("runId")
	entries, err := s.feedback.ByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("feedback listing failed",
			"run_id", runID,
			"error", err,
			"trace_id", TraceID(r.Context()))
		s.errorResponse(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"feedback": entries,
		"count":    len(entries),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	if code >= http.StatusInternalServerError {
		errType = "api_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// statusRecorder captures the response status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController, and
// Hijack keeps WebSocket upgrades working through the logging wrapper.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

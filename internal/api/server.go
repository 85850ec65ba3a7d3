// Package api implements the OpenAI-compatible HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wright-agent/internal/agent"
	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/buildinfo"
	"github.com/nugget/wright-agent/internal/connwatch"
	"github.com/nugget/wright-agent/internal/events"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/tools"
	"github.com/nugget/wright-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs conversational requests. *agent.Loop implements it.
type Chatter interface {
	Run(ctx context.Context, req *agent.Request, stream llm.StreamCallback) (*agent.Response, error)
}

// AdhocRunner runs ad-hoc tasks. *adhoc.Orchestrator implements it.
type AdhocRunner interface {
	Run(ctx context.Context, task string) (any, error)
}

// AuditReader lists recorded ad-hoc executions. *audit.Store implements it.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
	Get(ctx context.Context, id string) (*audit.Record, error)
}

// UsageReader aggregates token usage. *usage.Store implements it.
type UsageReader interface {
	Totals(ctx context.Context, w usage.Window) (usage.Summary, error)
	GroupBy(ctx context.Context, w usage.Window, d usage.Dimension) (map[string]usage.Summary, error)
	Request(ctx context.Context, requestID string) ([]usage.Record, error)
}

// HealthReporter reports provider reachability. *connwatch.Monitor
// implements it.
type HealthReporter interface {
	Status() []connwatch.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    Chatter
	adhoc   AdhocRunner
	catalog *tools.Catalog
	models  []string
	logger  *slog.Logger
	server  *http.Server
	stats   *SessionStats

	audit  AuditReader
	usage  UsageReader
	bus    *events.Bus
	health HealthReporter

	shutdownKey string
	shutdown    func()
}

// SessionStats tracks token usage and cost since the server started.
type SessionStats struct {
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalRequests     int64   `json:"total_requests"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
	mu                sync.Mutex
}

// Record adds one completed request.
func (s *SessionStats) Record(resp *agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalInputTokens += int64(resp.InputTokens)
	s.TotalOutputTokens += int64(resp.OutputTokens)
	s.TotalRequests++
	s.EstimatedCostUSD += resp.CostUSD
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalRequests     int64             `json:"total_requests"`
	EstimatedCostUSD  float64           `json:"estimated_cost_usd"`
	Uptime            string            `json:"uptime"`
	Build             buildinfo.Info    `json:"build"`
}

// Snapshot returns the current totals.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalRequests:     s.TotalRequests,
		EstimatedCostUSD:  s.EstimatedCostUSD,
		Uptime:            buildinfo.Uptime().Round(time.Second).String(),
		Build:             buildinfo.Current(),
	}
}

// NewServer creates a new API server. models lists the model names
// offered by /v1/models, default first.
func NewServer(address string, port int, loop Chatter, adhoc AdhocRunner, catalog *tools.Catalog, models []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		adhoc:   adhoc,
		catalog: catalog,
		models:  models,
		logger:  logger.With("component", "api"),
		stats:   &SessionStats{},
	}
}

// SetAuditReader enables the audit endpoints.
func (s *Server) SetAuditReader(a AuditReader) { s.audit = a }

// SetUsageReader enables the usage endpoint.
func (s *Server) SetUsageReader(u UsageReader) { s.usage = u }

// SetEventBus enables the event stream endpoint.
func (s *Server) SetEventBus(b *events.Bus) { s.bus = b }

// SetHealth adds provider status to /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetShutdown enables POST /shutdown. fn is called once the caller
// presents key.
func (s *Server) SetShutdown(key string, fn func()) {
	s.shutdownKey = key
	s.shutdown = fn
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Direct task endpoints
	mux.HandleFunc("POST /run_adhoc", s.handleRunAdhoc)
	mux.HandleFunc("POST /run_task/{name}", s.handleRunTask)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Introspection
	mux.HandleFunc("GET /v1/audit", s.handleAuditList)
	mux.HandleFunc("GET /v1/audit/{id}", s.handleAuditGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/usage/requests/{id}", s.handleUsageRequest)
	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	if s.shutdownKey != "" && s.shutdown != nil {
		mux.HandleFunc("POST /shutdown", s.handleShutdown)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
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
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Wright",
		"version": buildinfo.Current().Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// handleHealth always answers 200 so liveness checks pass while a
// provider is down. Unreachable providers report "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Ready() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"providers": s.health.Status(),
	}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]any, 0, len(s.models))
	created := time.Now().Add(-buildinfo.Uptime()).Unix()
	for _, m := range s.models {
		data = append(data, map[string]any{
			"id":       m,
			"object":   "model",
			"created":  created,
			"owned_by": "wright",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"object": "list", "data": data}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.catalog.Specs()}, s.logger)
}

// RunAdhocRequest is the body of POST /run_adhoc.
type RunAdhocRequest struct {
	Input string `json:"input"`
}

// handleRunAdhoc runs one ad-hoc task outside any conversation.
// POST /run_adhoc {"input": "how many days until new year"}
func (s *Server) handleRunAdhoc(w http.ResponseWriter, r *http.Request) {
	var req RunAdhocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		s.errorResponse(w, http.StatusBadRequest, "input is required")
		return
	}

	requestID := "run-adhoc-" + uuid.NewString()
	s.logger.Info("run_adhoc", "request_id", requestID, "input_len", len(req.Input))

	ctx := usage.WithRequest(r.Context(), requestID, "")
	result, err := s.adhoc.Run(ctx, req.Input)
	if err != nil {
		s.logger.Error("ad-hoc task failed", "request_id", requestID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": err.Error()}, s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"result": result}, s.logger)
}

// RunTaskRequest is the body of POST /run_task/{name}.
type RunTaskRequest struct {
	Args map[string]any `json:"args"`
}

// handleRunTask invokes a registered task directly.
// POST /run_task/get_weather {"args": {"city": "Austin"}}
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req RunTaskRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	entry, ok := s.catalog.Lookup(name)
	if !ok || entry.Kind != tools.KindRegistered {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": fmt.Sprintf("Task '%s' not found", name)}, s.logger)
		return
	}

	requestID := "run-task-" + uuid.NewString()
	ctx := usage.WithRequest(r.Context(), requestID, name)
	start := time.Now()
	result, err := entry.Handler(ctx, req.Args)
	elapsed := time.Since(start)

	s.bus.Emit(events.SourceTask, events.KindTaskComplete, map[string]any{
		"request_id":  requestID,
		"task_name":   name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.logger.Error("task failed", "task", name, "request_id", requestID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	s.logger.Info("task completed", "task", name, "request_id", requestID, "elapsed", elapsed)
	writeJSON(w, map[string]any{"result": result}, s.logger)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}
	recs, err := s.audit.Recent(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"records": recs}, s.logger)
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}
	rec, err := s.audit.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, audit.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "audit record not found")
		return
	}
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

// handleUsage summarizes token usage over the last ?hours (default 24),
// broken down by each dimension in ?group (default model,role).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not enabled")
		return
	}
	group := r.URL.Query().Get("group")
	if group == "" {
		group = "model,role"
	}
	var dims []usage.Dimension
	for name := range strings.SplitSeq(group, ",") {
		d, err := usage.ParseDimension(name)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		dims = append(dims, d)
	}

	window := usage.Since(time.Duration(parseIntParam(r, "hours", 24)) * time.Hour)
	total, err := s.usage.Totals(r.Context(), window)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	out := map[string]any{
		"start": window.Start.UTC().Format(time.RFC3339),
		"end":   window.End.UTC().Format(time.RFC3339),
		"total": total,
	}
	for _, d := range dims {
		groups, err := s.usage.GroupBy(r.Context(), window, d)
		if err != nil {
			s.logger.Error("usage query failed", "dimension", d, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
			return
		}
		out["by_"+string(d)] = groups
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleUsageRequest itemizes the model calls behind one request id.
func (s *Server) handleUsageRequest(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not enabled")
		return
	}
	id := r.PathValue("id")
	calls, err := s.usage.Request(r.Context(), id)
	if err != nil {
		s.logger.Error("usage query failed", "request_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	if len(calls) == 0 {
		s.errorResponse(w, http.StatusNotFound, "no usage recorded for request")
		return
	}
	var total usage.Summary
	for _, c := range calls {
		total.Add(c)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"request_id": id, "total": total, "calls": calls}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Snapshot(), s.logger)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || subtle.ConstantTimeCompare([]byte(req.Key), []byte(s.shutdownKey)) != 1 {
		s.errorResponse(w, http.StatusForbidden, "Invalid shutdown key")
		return
	}
	s.logger.Info("shutdown requested")
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "Shutting down server")
	go s.shutdown()
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

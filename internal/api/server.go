// Package api exposes the gateway's HTTP surface: chat, direct tool
// invocation, service status, memory inspection, thinking traces, the
// audit log, and a WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opsbridge/opsbridge/internal/agent"
	"github.com/opsbridge/opsbridge/internal/audit"
	"github.com/opsbridge/opsbridge/internal/backend"
	"github.com/opsbridge/opsbridge/internal/buildinfo"
	"github.com/opsbridge/opsbridge/internal/catalog"
	"github.com/opsbridge/opsbridge/internal/entity"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/memory"
	"github.com/opsbridge/opsbridge/internal/registry"
)

// Server handles inbound HTTP requests.
type Server struct {
	driver     *agent.Driver
	registry   *registry.Registry
	catalog    *catalog.Catalog
	cache      *entity.Cache
	transcript *memory.Store
	auditLog   *audit.Log
	bus        *events.Bus
	logger     *slog.Logger
	mux        *http.ServeMux
}

// Options configures a Server.
type Options struct {
	Driver     *agent.Driver
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Cache      *entity.Cache
	Transcript *memory.Store
	AuditLog   *audit.Log
	Bus        *events.Bus
	Logger     *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		driver:     opts.Driver,
		registry:   opts.Registry,
		catalog:    opts.Catalog,
		cache:      opts.Cache,
		transcript: opts.Transcript,
		auditLog:   opts.AuditLog,
		bus:        opts.Bus,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status/{service}", s.handleServiceStatus)

	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/call-tool", s.handleCallTool)

	s.mux.HandleFunc("GET /api/memory/status", s.handleMemoryStatus)

	s.mux.HandleFunc("GET /api/thinking-sessions", s.handleThinkingSessions)
	s.mux.HandleFunc("DELETE /api/thinking-sessions", s.handleDeleteAllThinking)
	s.mux.HandleFunc("GET /api/thinking/{session}", s.handleThinkingTrace)
	s.mux.HandleFunc("DELETE /api/thinking/{session}", s.handleDeleteThinking)

	s.mux.HandleFunc("GET /api/tools/calls", s.handleToolCalls)
	s.mux.HandleFunc("GET /api/tools/stats", s.handleToolStats)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

// withLogging logs every request with method, path, status and timing.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "opsbridge",
		"version": buildinfo.Version,
		"status":  "running",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// chatRequest is the /api/chat payload.
type chatRequest struct {
	Message         string `json:"message"`
	CaptureThinking bool   `json:"capture_thinking"`
}

// chatResponse is the /api/chat reply.
type chatResponse struct {
	Response        string                 `json:"response"`
	Success         bool                   `json:"success"`
	Timestamp       string                 `json:"timestamp"`
	ThinkingSteps   []agent.ThinkingStep   `json:"thinking_steps,omitempty"`
	ToolCalls       []agent.ToolCallRecord `json:"tool_calls,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
	TraceID         string                 `json:"trace_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	start := time.Now()
	res, err := s.driver.HandleMessage(r.Context(), req.Message, req.CaptureThinking)

	resp := chatResponse{
		Timestamp:       time.Now().Format(time.RFC3339),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	if res != nil {
		resp.ToolCalls = res.ToolCalls
		resp.ThinkingSteps = res.ThinkingSteps
		resp.TraceID = res.RequestID
	}
	if err != nil {
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	resp.Success = true
	resp.Response = res.Response
	s.writeJSON(w, http.StatusOK, resp)
}

// toolCallRequest is the /api/call-tool payload.
type toolCallRequest struct {
	Service  string         `json:"service"`
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := s.registry.Status(req.Service); !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown service: "+req.Service)
		return
	}

	start := time.Now()
	data, err := s.driver.CallService(r.Context(), req.Service, req.ToolName, req.Params)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, backend.ErrServiceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, map[string]any{
			"success":           false,
			"error":             err.Error(),
			"timestamp":         time.Now().Format(time.RFC3339),
			"execution_time_ms": elapsed,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"data":              data,
		"timestamp":         time.Now().Format(time.RFC3339),
		"execution_time_ms": elapsed,
	})
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("service")
	status, ok := s.registry.Status(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown service: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.registry.StatusAll()
	allUp := true
	byService := make(map[string]any, len(services))
	for _, svc := range services {
		byService[svc.Name] = map[string]any{
			"connected":    svc.Connected,
			"health_score": svc.HealthScore,
		}
		if !svc.Connected {
			allUp = false
		}
	}

	status := "healthy"
	if !allUp {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"services":   byService,
		"tool_count": s.catalog.Count(),
		"uptime":     buildinfo.Uptime().String(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	entities := s.cache.Entities()
	entitySummaries := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		entitySummaries = append(entitySummaries, map[string]any{
			"kind":      e.Kind,
			"id":        e.ID,
			"name":      e.Name,
			"cached_at": e.CachedAt,
		})
	}

	facts := map[string]any{
		entity.FactAtRiskOpportunities: s.cache.Facts(entity.FactAtRiskOpportunities),
		entity.FactCriticalIssues:      s.cache.Facts(entity.FactCriticalIssues),
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"entities":            entitySummaries,
		"recent_conversation": s.transcript.Recent(20),
		"session_facts":       facts,
		"stats": map[string]any{
			"entity_count":     s.cache.Len(),
			"entities_by_kind": s.cache.CountByKind(),
			"message_count":    s.transcript.Len(),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleThinkingSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.driver.Traces().Sessions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleThinkingTrace(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	steps, ok := s.driver.Traces().Get(session)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown thinking session: "+session)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     session,
		"thinking_steps": steps,
		"step_count":     len(steps),
	})
}

func (s *Server) handleDeleteThinking(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	if !s.driver.Traces().Delete(session) {
		s.errorResponse(w, http.StatusNotFound, "unknown thinking session: "+session)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": session})
}

func (s *Server) handleDeleteAllThinking(w http.ResponseWriter, r *http.Request) {
	n := s.driver.Traces().DeleteAll()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_count": n})
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	calls := s.auditLog.Recent(r.URL.Query().Get("tool"), limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"count": len(calls),
	})
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not enabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.auditLog.Stats())
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

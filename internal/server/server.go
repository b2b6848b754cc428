// Package server exposes the observability HTTP surface: metrics exposition,
// health, and the trace/decision read APIs used by dashboards.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sentinelai/sentinel-oss/internal/health"
	"github.com/sentinelai/sentinel-oss/internal/workflow"
	"github.com/sentinelai/sentinel-oss/pkg/agent"
	"github.com/sentinelai/sentinel-oss/pkg/audit"
	"github.com/sentinelai/sentinel-oss/pkg/domain"
	"github.com/sentinelai/sentinel-oss/pkg/telemetry"
)

// DecisionQuerier reads back stored policy decisions.
type DecisionQuerier interface {
	Query(filter audit.QueryFilter) ([]domain.PolicyDecision, error)
}

// Options carry the server's collaborators. Workflow and Agents are optional:
// without them the run endpoint reports that no pipeline is configured.
type Options struct {
	Registry  *telemetry.Registry
	Metrics   *telemetry.Metrics
	Health    *health.Checker
	Decisions DecisionQuerier
	Workflow  *workflow.Service
	Agents    []agent.Agent
	Logger    *slog.Logger
}

// Server is the HTTP surface over the observability core.
type Server struct {
	logger    *slog.Logger
	registry  *telemetry.Registry
	metrics   *telemetry.Metrics
	health    *health.Checker
	decisions DecisionQuerier
	workflow  *workflow.Service
	agents    []agent.Agent

	httpServer *http.Server
	promReg    *prometheus.Registry
}

// New builds the server and its routes. Nothing listens until Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		telemetry.NewCollector(opts.Metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		logger:    logger.With("component", "server"),
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		health:    opts.Health,
		decisions: opts.Decisions,
		workflow:  opts.Workflow,
		agents:    opts.Agents,
		promReg:   promReg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.Handle("/metrics/runtime", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/traces", s.handleTraces)
	mux.HandleFunc("/api/v1/spans/recent", s.handleRecentSpans)
	mux.HandleFunc("/api/v1/decisions", s.handleDecisions)
	mux.HandleFunc("/api/v1/signals", s.handleSignals)
	mux.HandleFunc("/api/v1/workflows/run", s.handleRunWorkflow)

	s.httpServer = &http.Server{
		Handler:      otelhttp.NewHandler(mux, "sentinel.api"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine. The resolved
// address is returned so callers can bind ":0" in tests.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(telemetry.RenderExposition(s.metrics)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status == domain.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "correlation_id is required"})
		return
	}

	spans := s.registry.Trace(correlationID)
	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": correlationID,
		"spans":          spans,
	})
}

func (s *Server) handleRecentSpans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{"spans": s.registry.Recent(limit)})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "decision log query is not configured"})
		return
	}

	filter := audit.QueryFilter{
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Result:        domain.DecisionResult(r.URL.Query().Get("result")),
		DecisionType:  r.URL.Query().Get("decision_type"),
		Limit:         queryInt(r, "limit", 100),
	}

	decisions, err := s.decisions.Query(filter)
	if err != nil {
		// Degrade to an empty result set rather than failing the dashboard.
		s.logger.Error("Decision query failed", "error", err)
		decisions = []domain.PolicyDecision{}
	}
	if decisions == nil {
		decisions = []domain.PolicyDecision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleSignals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GoldenSignals())
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	if s.workflow == nil || len(s.agents) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no agent pipeline configured"})
		return
	}

	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.workflow.Run(r.Context(), req.Input, s.agents...)
	switch {
	case errors.Is(err, workflow.ErrBlocked):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error(), "result": result})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": result})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Package transport provides the HTTP API of the benchmark server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/app"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/metrics"
)

// maxScenarioNames caps the scenario list of a run request.
const maxScenarioNames = 1000

// BenchmarkAPI defines the benchmark operations the handlers need.
type BenchmarkAPI interface {
	Run(ctx context.Context, names []string) (*bench.RunResult, error)
	Running() bool
	Last() *bench.RunResult
	Scenarios() []app.ScenarioInfo
	Accounts() []string
	RPCLatency() []metrics.MethodLatency
	InFlight() int
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

// RunRequest is the body of POST /v1/runs. An empty scenario list runs
// every configured scenario.
type RunRequest struct {
	Scenarios []string `json:"scenarios,omitempty"`
}

// RunResponse is a completed run with the RPC latency observed during it.
type RunResponse struct {
	*bench.RunResult
	RPCLatency []metrics.MethodLatency `json:"rpcLatency,omitempty"`
}

// Status is the state of the benchmark server.
type Status struct {
	Running       bool    `json:"running"`
	InFlight      int     `json:"inFlight"`
	LastRunID     string  `json:"lastRunId,omitempty"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Server handles HTTP requests for the benchmark server.
type Server struct {
	api       BenchmarkAPI
	health    HealthChecker
	metrics   http.Handler
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// ServerConfig for creating a Server.
type ServerConfig struct {
	API     BenchmarkAPI
	Health  HealthChecker // Optional; nil reports ready without checks
	Metrics http.Handler  // Optional; defaults to the global Prometheus registry
	// CORSAllowedOrigins is a comma-separated list; empty or "*" allows all.
	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// NewServer creates a new HTTP server. Stop must be called to end the
// WebSocket broadcast loop.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	s := &Server{
		api:       cfg.API,
		health:    cfg.Health,
		metrics:   metricsHandler,
		logger:    logger,
		startTime: time.Now(),
	}
	s.wsServer = NewWebSocketServer(s.status, logger)
	s.wsServer.Start()

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}
	return s
}

// Stop stops the WebSocket server and disconnects its clients.
func (s *Server) Stop() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/latest", s.corsMiddleware(s.handleLatestRun))
	mux.HandleFunc("/v1/scenarios", s.corsMiddleware(s.handleScenarios))
	mux.HandleFunc("/v1/accounts", s.corsMiddleware(s.handleAccounts))
	mux.HandleFunc("/v1/rpc-latency", s.corsMiddleware(s.handleRPCLatency))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.metrics)

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) status() Status {
	st := Status{
		Running:       s.api.Running(),
		InFlight:      s.api.InFlight(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if last := s.api.Last(); last != nil {
		st.LastRunID = last.ID
	}
	return st
}

// handleStatus returns whether a run is executing and the last run id.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

// handleRuns executes a benchmark run and returns its result. The run keeps
// the request's values but not its cancellation: a client that disconnects
// does not abort calls already dispatched.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Scenarios) > maxScenarioNames {
		s.writeJSONError(w, "Validation error: too many scenario names", http.StatusBadRequest)
		return
	}

	s.wsServer.Publish(Event{Type: EventRunStarted, Scenarios: req.Scenarios})
	run, err := s.api.Run(context.WithoutCancel(r.Context()), req.Scenarios)
	if err != nil {
		status := runErrorStatus(err)
		if status != http.StatusConflict {
			s.wsServer.Publish(Event{Type: EventRunFailed, Error: err.Error()})
		}
		if status == http.StatusInternalServerError {
			s.logger.Error("Benchmark run failed", slog.String("error", err.Error()))
		}
		s.writeJSONError(w, err.Error(), status)
		return
	}

	s.wsServer.Publish(Event{Type: EventRunCompleted, Run: run})
	s.writeJSON(w, http.StatusOK, RunResponse{RunResult: run, RPCLatency: s.api.RPCLatency()})
}

// runErrorStatus maps run errors to HTTP status codes.
func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, bench.ErrInvalidScenario),
		errors.Is(err, bench.ErrMalformedDispatchMode),
		errors.Is(err, account.ErrInsufficientAccounts),
		errors.Is(err, account.ErrUnknownAccount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleLatestRun returns the most recent completed run.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run := s.api.Last()
	if run == nil {
		s.writeJSONError(w, "No completed run", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, RunResponse{RunResult: run, RPCLatency: s.api.RPCLatency()})
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scenarios": s.api.Scenarios()})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := s.api.Accounts()
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": ids, "count": len(ids)})
}

func (s *Server) handleRPCLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"methods": s.api.RPCLatency()})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := s.health.CheckRPC(ctx)
		check := ReadinessCheck{
			Name:      "rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}

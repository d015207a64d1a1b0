package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edforge/edforge/internal/auth"
	"github.com/edforge/edforge/internal/logging"
	"github.com/edforge/edforge/internal/messagebus"
	"github.com/edforge/edforge/internal/orchestrator"
	"github.com/edforge/edforge/internal/progress"
	"github.com/edforge/edforge/internal/validator"
	"github.com/edforge/edforge/pkg/config"
)

// Server represents the HTTP API server
type Server struct {
	orchestrator *orchestrator.Orchestrator
	validator    *validator.Validator
	broadcaster  *progress.Broadcaster
	auth         *auth.Manager
	bus          *messagebus.NatsBus
	logs         *logging.Manager
	config       *config.Config
}

// NewServer creates a new API server. bus may be nil when NATS is disabled.
func NewServer(orch *orchestrator.Orchestrator, val *validator.Validator, bc *progress.Broadcaster, am *auth.Manager, bus *messagebus.NatsBus, lm *logging.Manager, cfg *config.Config) *Server {
	if lm == nil {
		lm = logging.NewManager()
	}
	return &Server{
		orchestrator: orch,
		validator:    val,
		broadcaster:  bc,
		auth:         am,
		bus:          bus,
		logs:         lm,
		config:       cfg,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	// Generations
	mux.HandleFunc("/api/v1/generations", s.handleGenerations)
	mux.HandleFunc("/api/v1/generations/", s.handleGeneration)

	// Standalone validation
	mux.HandleFunc("/api/v1/validate", s.handleValidate)

	// Progress events (WebSocket with replay)
	mux.HandleFunc("/api/v1/executions/", s.handleExecutionEvents)

	// Recent in-memory logs for debugging
	mux.HandleFunc("/api/v1/logs", s.handleLogs)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.authMiddleware(handler)

	return handler
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := map[string]string{"status": "ok"}
	if s.bus != nil {
		if err := s.bus.Health(); err != nil {
			status["nats"] = err.Error()
			s.respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["nats"] = "ok"
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleLogs returns recent in-memory log entries, newest first.
// GET /api/v1/logs?limit=100&level=error
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	s.respondJSON(w, http.StatusOK, s.logs.Recent(limit, r.URL.Query().Get("level")))
}

// Middleware

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logs.Infof("API", "%s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller to a principal when auth is enabled.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics stay open for probes and scrapers.
		if r.URL.Path == "/api/v1/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.config.Security.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := s.auth.PrincipalFromRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// extractID extracts the ID segment following prefix in the path.
func (s *Server) extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(id, "/"); idx >= 0 {
		id = id[:idx]
	}
	return id
}

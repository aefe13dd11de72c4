// Package api exposes the engine's read-only snapshots, health and
// Prometheus metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/yamlforge/perfcore/internal/engine"
	"github.com/yamlforge/perfcore/pkg/types"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// Service is the engine surface served by the API
type Service interface {
	GetStats() engine.Stats
	GetPerformanceMetrics() types.PerformanceMetrics
	GetResourceUsage() types.ResourceUsage
	MetricsHandler() http.Handler
	HealthCheck(ctx context.Context) error
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:9090")
	Address string `yaml:"address" json:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// HealthTimeout bounds a readiness check
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:9090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		HealthTimeout: 5 * time.Second,
	}
}

// Server provides HTTP endpoints for monitoring
type Server struct {
	httpServer *http.Server
	service    Service
	config     ServerConfig
	logger     *utils.StructuredLogger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, service Service, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.DefaultLogger()
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultServerConfig().HealthTimeout
	}
	s := &Server{
		service: service,
		config:  config,
		logger:  logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/performance", s.handlePerformance)
	mux.HandleFunc("/stats/resources", s.handleResources)
	mux.Handle("/metrics", service.MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting API server", map[string]interface{}{"address": l.Addr().String()})
	err := s.httpServer.Serve(l)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds the configured address and serves until Shutdown
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	if err := s.service.HealthCheck(ctx); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.service.GetStats())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.service.GetPerformanceMetrics())
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.service.GetResourceUsage())
}

func (s *Server) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

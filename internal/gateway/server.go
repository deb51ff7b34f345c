// Package gateway exposes the engine over HTTP JSON plus a WebSocket stream
// bridge. It owns explicit lifecycle: construction wires collaborators,
// Start binds the listener, Shutdown cancels in-flight streams and drains
// the server. No lazy globals.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/internal/pipeline"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/internal/session"
	"github.com/Lukeus/context-kit-engine/internal/telemetry"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Config wires the server's collaborators.
type Config struct {
	Host string
	Port int

	Manager   *session.Manager
	Registry  *registry.Registry
	Telemetry *telemetry.Log
	Pipelines *pipeline.Runner

	// Registry backing /metrics. Nil disables the endpoint.
	PromRegistry *prometheus.Registry

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// Server is the HTTP/WS bridge.
type Server struct {
	manager   *session.Manager
	registry  *registry.Registry
	telemetry *telemetry.Log
	pipelines *pipeline.Runner

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	profileID string
	startTime time.Time

	addr         string
	httpServer   *http.Server
	httpListener net.Listener
}

// New builds a server. The manager, registry, and telemetry log are
// required; the pipeline runner may be nil in read-only deployments.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil || cfg.Registry == nil || cfg.Telemetry == nil {
		return nil, fmt.Errorf("manager, registry, and telemetry are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Server{
		manager:   cfg.Manager,
		registry:  cfg.Registry,
		telemetry: cfg.Telemetry,
		pipelines: cfg.Pipelines,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		profileID: uuid.NewString(),
		startTime: cfg.Clock(),
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}

	mux := http.NewServeMux()
	s.routes(mux, cfg.PromRegistry)
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux, promReg *prometheus.Registry) {
	mux.HandleFunc("POST /api/v1/assistant/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/assistant/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/assistant/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/assistant/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/v1/assistant/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/v1/assistant/sessions/{id}/tools", s.handleExecuteTool)
	mux.HandleFunc("GET /api/v1/assistant/sessions/{id}/actions", s.handleListPendingActions)
	mux.HandleFunc("POST /api/v1/assistant/sessions/{id}/actions/{aid}", s.handleResolvePendingAction)
	mux.HandleFunc("GET /api/v1/assistant/sessions/{id}/telemetry", s.handleListTelemetry)
	mux.HandleFunc("POST /api/v1/assistant/sessions/{id}/tasks/{tid}/cancel", s.handleCancelTaskStream)
	mux.HandleFunc("POST /api/v1/assistant/pipelines", s.handleRunPipeline)
	mux.HandleFunc("GET /api/v1/assistant/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/v1/assistant/health", s.handleHealth)
	mux.Handle("GET /ws", s.newStreamBridge())
	if promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
}

// Handler returns the full route set. Exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	}
	return nil
}

// Addr returns the bound listen address. Empty before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown stops accepting connections, cancels in-flight streams through
// the manager, and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// healthStatus aggregates component health for the health endpoint.
func (s *Server) healthStatus() *models.HealthStatus {
	components := map[string]models.HealthState{
		"sessions":  models.HealthHealthy,
		"telemetry": models.HealthHealthy,
		"registry":  models.HealthHealthy,
	}
	if s.pipelines == nil {
		components["pipelines"] = models.HealthDegraded
	} else {
		components["pipelines"] = models.HealthHealthy
	}

	status := models.HealthHealthy
	message := "all components operational"
	for _, state := range components {
		if state == models.HealthDegraded && status == models.HealthHealthy {
			status = models.HealthDegraded
			message = "running with reduced functionality"
		}
		if state == models.HealthUnhealthy {
			status = models.HealthUnhealthy
			message = "one or more components failed"
		}
	}

	return &models.HealthStatus{
		Status:     status,
		Message:    message,
		Timestamp:  s.now().UTC(),
		Components: components,
	}
}

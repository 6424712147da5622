// Package server provides the gateway HTTP service.
package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skhakirov/claude-code-cli-api/internal/breaker"
	"github.com/skhakirov/claude-code-cli-api/internal/config"
	"github.com/skhakirov/claude-code-cli-api/internal/orchestrator"
	"github.com/skhakirov/claude-code-cli-api/internal/ratelimit"
	"github.com/skhakirov/claude-code-cli-api/internal/server/sse"
	"github.com/skhakirov/claude-code-cli-api/internal/session"
	"github.com/skhakirov/claude-code-cli-api/internal/tasks"
)

// Service is the gateway HTTP service. Handlers stay thin: decode, call the
// orchestrator, encode. All resilience decisions live below this layer.
type Service struct {
	version string
	cfg     config.Config

	orch     *orchestrator.Orchestrator
	sessions *session.Store
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	tracker  *tasks.Tracker
	monitor  *sse.Broadcaster

	router    *chi.Mux
	startTime time.Time
	ready     atomic.Bool
}

// Deps are the collaborators the service exposes over HTTP.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Store
	Breaker      *breaker.Breaker
	Limiter      *ratelimit.Limiter
	Tracker      *tasks.Tracker
}

// New creates the service and wires its routes.
func New(version string, cfg config.Config, deps Deps) *Service {
	svc := &Service{
		version:   version,
		cfg:       cfg,
		orch:      deps.Orchestrator,
		sessions:  deps.Sessions,
		breaker:   deps.Breaker,
		limiter:   deps.Limiter,
		tracker:   deps.Tracker,
		monitor:   sse.NewBroadcaster(),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	svc.setupRoutes()
	return svc
}

// Router returns the HTTP handler for the service.
func (s *Service) Router() http.Handler { return s.router }

// SetReady flips the readiness gate reported by /api/v1/health/ready.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

// Close disconnects monitor clients.
func (s *Service) Close() { s.monitor.Close() }

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(s.requestLogger)

	// Liveness and readiness bypass auth so probes need no credentials.
	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/health/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limitBody)

		r.Post("/api/v1/query", s.handleQuery)
		r.Post("/api/v1/query/stream", s.handleQueryStream)

		r.Get("/api/v1/sessions", s.handleListSessions)
		r.Get("/api/v1/sessions/{id}", s.handleGetSession)
		r.Delete("/api/v1/sessions/{id}", s.handleDeleteSession)

		r.Get("/api/v1/events", s.handleMonitorEvents)
	})
}

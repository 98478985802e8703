// Package api exposes the decision pipeline, case queue, rule configuration
// and review operations over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Deps are the collaborators served by the API. Stream, MetricsHandler,
// HTTPMetrics and Bus are optional.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Cases      *casestore.Store
	Rules      *rules.Store
	Review     *review.Coordinator
	Aggregator *metrics.Aggregator
	Bus        domain.EventBus

	// Health checks by component name
	Checks map[string]Pinger

	Stream         http.Handler
	MetricsHandler http.Handler
	HTTPMetrics    *metrics.HTTPMetrics

	// Async accepts events with 202 and leaves processing to a worker
	Async   bool
	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, d Deps) *Server {
	handler := &Handler{
		pipeline: d.Pipeline,
		cases:    d.Cases,
		rules:    d.Rules,
		review:   d.Review,
		metrics:  d.Aggregator,
		bus:      d.Bus,
		checks:   d.Checks,
		async:    d.Async,
		version:  d.Version,
		now:      time.Now,
	}
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	if d.HTTPMetrics != nil {
		router.Use(MetricsMiddleware(d.HTTPMetrics))
	}
	router.Use(middleware.RealIP)
	router.Use(ReviewerMiddleware)

	// Operational endpoints are not rate limited
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if d.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}
	if d.Stream != nil {
		router.Method(http.MethodGet, "/stream", d.Stream)
	}

	router.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware)
		}
		r.Use(middleware.Compress(5))

		// Ingestion
		r.Post("/events", handler.Submit)

		// Case queue
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)
		r.Post("/cases/{id}/override", handler.Review(review.OpOverride))
		r.Post("/cases/{id}/approve", handler.Review(review.OpApprove))
		r.Post("/cases/{id}/release", handler.Review(review.OpRelease))

		// Metrics and learning feedback
		r.Get("/summary", handler.Summary)
		r.Get("/learning", handler.Learning)

		// Prevention rules
		r.Get("/rules", handler.GetRules)
		r.Patch("/rules/{name}", handler.SetRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

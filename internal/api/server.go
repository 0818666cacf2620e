// Package api exposes the dispatcher over HTTP: request submission and
// routing previews, workflow inspection and control, decision resolution,
// the worker registry, metrics and a Server-Sent Events stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/service"
)

// defaultRequestTimeout bounds non-streaming handlers.
const defaultRequestTimeout = 60 * time.Second

// Server provides HTTP REST API endpoints for the dispatcher.
type Server struct {
	router     chi.Router
	dispatcher *service.Dispatcher
	system     *diagnostics.SystemMetricsCollector
	monitor    *diagnostics.ResourceMonitor
	origins    []string
	logger     *logging.Logger
	timeout    time.Duration
	started    time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSystemMetrics reports host metrics on /api/v1/system.
func WithSystemMetrics(c *diagnostics.SystemMetricsCollector) ServerOption {
	return func(s *Server) {
		s.system = c
	}
}

// WithMonitor reports process resources on /api/v1/system.
func WithMonitor(m *diagnostics.ResourceMonitor) ServerOption {
	return func(s *Server) {
		s.monitor = m
	}
}

// WithAllowedOrigins restricts CORS origins. All origins are allowed by default.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithRequestTimeout bounds non-streaming handlers. Zero keeps the default.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a new API server.
func NewServer(d *service.Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		origins:    []string{"*"},
		timeout:    defaultRequestTimeout,
		started:    time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("api")

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Streams outlive the request timeout.
		r.Get("/events", s.handleSSE)
		r.Get("/workflows/{workflowID}/stream", s.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/route", s.handleRoute)

			r.Get("/workflows", s.handleListWorkflows)
			r.Post("/workflows", s.handleSubmitWorkflow)
			r.Get("/workflows/active", s.handleActiveWorkflows)
			r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
			r.Get("/workflows/{workflowID}/events", s.handleWorkflowEvents)
			r.Get("/workflows/{workflowID}/handoffs", s.handleWorkflowHandoffs)
			r.Post("/workflows/{workflowID}/run", s.handleRunWorkflow)
			r.Post("/workflows/{workflowID}/cancel", s.handleCancelWorkflow)
			r.Post("/workflows/{workflowID}/pause", s.handlePauseWorkflow)
			r.Post("/workflows/{workflowID}/resume", s.handleResumeWorkflow)

			r.Post("/decisions/{decisionID}", s.handleResolveDecision)

			r.Get("/workers", s.handleListWorkers)
			r.Get("/workers/{workerID}", s.handleGetWorker)

			r.Get("/metrics", s.handleMetrics)
			r.Get("/system", s.handleSystem)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"workers": s.dispatcher.Registry().Len(),
		"running": len(s.dispatcher.Active()),
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

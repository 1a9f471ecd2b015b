package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/api/handlers"
	"github.com/dispatch-sh/dispatch/pkg/api/middleware"
	"github.com/dispatch-sh/dispatch/pkg/auth"
	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

// RouterDeps carries the collaborators the router wires together.
type RouterDeps struct {
	Manager *session.Manager
	Store   *store.GORMStore
	Auth    *auth.Authenticator

	// Gateway serves the WebSocket endpoint. May be nil in tests that
	// only exercise the REST surface.
	Gateway http.Handler
}

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout on REST routes (not on the WebSocket endpoint)
//
// Routes:
//   - GET  /health                             - Liveness probe
//   - GET  /health/ready                       - Readiness probe
//   - GET  /api/v1/kinds                       - Registered adapter kinds
//   - GET  /api/v1/sessions                    - List sessions
//   - POST /api/v1/sessions                    - Create session
//   - GET  /api/v1/sessions/{runId}            - Get session
//   - DELETE /api/v1/sessions/{runId}          - Close session
//   - GET  /api/v1/sessions/{runId}/events     - Event log page
//   - POST /api/v1/sessions/{runId}/input      - Send input
//   - POST /api/v1/sessions/{runId}/capability - Invoke capability
//   - GET  /ws                                 - WebSocket gateway
func NewRouter(config Config, deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Manager)
	sessionHandler := handlers.NewSessionHandler(deps.Manager)

	// REST routes run under a request timeout. The WebSocket endpoint is
	// registered outside this group because attached connections are
	// long-lived.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.RequestTimeout))

		// Health routes - unauthenticated
		r.Route("/health", func(r chi.Router) {
			r.Get("/", healthHandler.Liveness)
			r.Get("/ready", healthHandler.Readiness)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.BearerKey(deps.Auth))

			r.Get("/kinds", sessionHandler.Kinds)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", sessionHandler.List)
				r.Post("/", sessionHandler.Create)

				r.Route("/{runId}", func(r chi.Router) {
					r.Get("/", sessionHandler.Get)
					r.Delete("/", sessionHandler.Close)
					r.Get("/events", sessionHandler.Events)
					r.Post("/input", sessionHandler.Input)
					r.Post("/capability", sessionHandler.Capability)
				})
			})
		})
	})

	// WebSocket gateway does its own in-band authentication.
	if deps.Gateway != nil {
		r.Handle("/ws", deps.Gateway)
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the
// internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}

// Package api provides the REST server over the vault, lock, sync,
// and GC subsystems.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/api/handlers"
	"github.com/teivault/teivault/pkg/gc"
	"github.com/teivault/teivault/pkg/metrics"
	"github.com/teivault/teivault/pkg/progress"
	"github.com/teivault/teivault/pkg/sync"
	"github.com/teivault/teivault/pkg/vault"
)

// Deps carries the subsystems the router serves. Sync may be nil when
// no remote replica is configured; metrics fields may be nil when
// collection is disabled.
type Deps struct {
	Vault *vault.Vault
	Sync  *sync.Engine
	GC    *gc.Collector
	Bus   *progress.Bus

	SchemaCacheDir string
	TmpDir         string

	APIMetrics   *metrics.APIMetrics
	SyncMetrics  *metrics.SyncMetrics
	StoreMetrics *metrics.StoreMetrics
}

// NewRouter creates the chi router with the middleware stack and all
// routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware order matters.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(requestMetrics(deps.APIMetrics))
	r.Use(middleware.Recoverer)

	health := handlers.NewHealthHandler(deps.Vault)
	files := handlers.NewFilesHandler(deps.Vault)
	lockHandler := handlers.NewLocksHandler(deps.Vault.Locks())
	syncHandler := handlers.NewSyncHandler(deps.Sync, deps.SyncMetrics)
	gcHandler := handlers.NewGCHandler(deps.GC, deps.SchemaCacheDir, deps.TmpDir, deps.StoreMetrics)
	progressHandler := handlers.NewProgressHandler(deps.Bus)

	// Short-lived routes get a request timeout; streaming and sync
	// routes manage their own deadlines.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/health", func(r chi.Router) {
			r.Get("/", health.Liveness)
			r.Get("/ready", health.Readiness)
		})
		r.Get("/stats", health.Stats)

		r.Route("/files", func(r chi.Router) {
			r.Get("/", files.List)
			r.Post("/", files.Create)

			r.Route("/{stableID}", func(r chi.Router) {
				r.Get("/", files.Get)
				r.Patch("/", files.Update)
				r.Delete("/", files.Delete)
				r.Get("/content", files.Content)
				r.Put("/content", files.SaveContent)
				r.Post("/undelete", files.Undelete)

				r.Route("/lock", func(r chi.Router) {
					r.Post("/", lockHandler.Acquire)
					r.Delete("/", lockHandler.Release)
					r.Get("/", lockHandler.Check)
				})
			})
		})

		r.Get("/locks", lockHandler.Active)
		r.Post("/gc", gcHandler.Trigger)
	})

	r.Post("/sync", syncHandler.Trigger)
	r.Get("/progress/{token}", progressHandler.Stream)

	// Root redirect to health for convenience.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// requestMetrics records per-route counters and latencies. A nil
// collector makes this a pass-through.
func requestMetrics(m *metrics.APIMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			done := m.RequestStarted()
			defer done()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

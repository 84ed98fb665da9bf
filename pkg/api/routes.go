package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	// Public rendering of published sites.
	r.Get("/sites/{projectID}", s.handleSite)

	if s.cfg.Metrics.Enabled && s.svc.Metrics != nil {
		r.Handle(s.cfg.Metrics.Path, s.svc.Metrics.Handler())
	}

	runsLimit := s.rateLimit(s.cfg.Server.RateLimit.Runs.RequestsPerMinute)
	publishLimit := s.rateLimit(s.cfg.Server.RateLimit.Publish.RequestsPerMinute)

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		// Batch endpoints for cron and schedulers.
		r.Group(func(r chi.Router) {
			r.Use(s.requireTickToken)

			r.Post("/runs/tick", s.handleTick)
			r.Post("/runs/sweep", s.handleSweep)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Use(s.identify)

			r.Post("/", s.handleCreateProject)
			r.Get("/", s.handleListProjects)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Use(s.requireProjectAccess)

				r.Get("/", s.handleGetProject)

				r.Get("/runs", s.handleListRuns)
				r.Get("/runs/latest", s.handleLatestRun)
				r.Get("/runs/{runID}", s.handleGetRun)
				r.With(runsLimit).Post("/runs", s.handleCreateRun)
				r.With(runsLimit).Post("/runs/{runID}/execute", s.handleExecuteRun)

				r.With(publishLimit).Post("/publish", s.handlePublish)
				r.Get("/preview", s.handlePreview)
				r.Get("/published", s.handlePublished)
				r.Get("/versions", s.handleListVersions)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", userHeader, tickTokenHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}

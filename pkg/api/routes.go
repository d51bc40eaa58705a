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
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1/eval", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)
		r.Get("/cache/stats", s.handleCacheStats)

		// Tenant-scoped endpoints. The caller identity is resolved by
		// the fronting auth layer and handed over in a header.
		r.Group(func(r chi.Router) {
			r.Use(s.requireTenant)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.RequestsPerMinute,
				))
			}

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleCreateRun)
				r.Get("/", s.handleListRuns)
				r.Get("/{runID}", s.handleGetRun)
				r.Put("/{runID}/status", s.handleTransitionStatus)
			})

			r.Route("/artifacts", func(r chi.Router) {
				r.Put("/enriched-dataset/{runID}", s.handleSaveEnrichedDataset)
				r.Get("/enriched-dataset/{runID}", s.handleGetEnrichedDataset)

				r.Get("/results/{runID}", s.handleListResults)
				r.Put("/results/{runID}/{fileName}", s.handleSaveResult)
				r.Get("/results/{runID}/{fileName}", s.handleGetResult)

				r.Put("/datasets/{datasetID}", s.handleRegisterDataset)
				r.Get("/datasets/{datasetID}", s.handleGetDataset)

				r.Put("/metricsconfiguration/{configID}", s.handleRegisterConfiguration)
				r.Get("/metricsconfiguration/{configID}", s.handleGetConfiguration)
			})
		})
	})

	return r
}

// corsMiddleware returns the CORS middleware based on configuration.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

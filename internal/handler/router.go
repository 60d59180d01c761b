package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/ecobin-pipeline/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/api/bins/{binID}", func(r chi.Router) {
			r.Get("/insights", h.GetInsight)
			r.Get("/anomalies", h.GetAnomalies)
			r.Get("/metrics", h.GetMetrics)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/api/rewards", func(r chi.Router) {
				r.Get("/summary", h.GetRewardSummary)
				r.Get("/history", h.GetRewardHistory)
				r.Post("/redeem", h.Redeem)
			})
		})

		if h.adminAuth != nil {
			r.Group(func(r chi.Router) {
				r.Use(h.adminAuth.Middleware)
				r.Post("/api/admin/jobs/{job}/run", h.RunJob)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all risk model routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/riskmodel", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.HandleListRuns)
			r.Post("/", h.HandleStartRun)
			r.Get("/{runID}", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetRun(w, r, chi.URLParam(r, "runID"))
			})
		})

		r.Route("/dates/{date}", func(r chi.Router) {
			r.Get("/factor-returns", h.withDate(h.HandleGetFactorReturns))
			r.Get("/covariance", h.withDate(h.HandleGetCovariance))
			r.Get("/specific-risk", h.withDate(h.HandleGetSpecificRisk))
			r.Get("/diagnostics", h.withDate(h.HandleGetDiagnostics))
			r.Get("/exposures/{security}", h.withDate(h.HandleGetExposures))
			r.Post("/decompose", h.withDate(h.HandleDecompose))
		})
	})
}

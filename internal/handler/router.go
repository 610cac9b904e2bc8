package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/imagejobs/internal/middleware"
	"github.com/mmeshcher/imagejobs/internal/ratelimit"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)

	poll := custommiddleware.RateLimit(h.limiter, h.quotas, custommiddleware.FixedClass(ratelimit.ClassStatusPoll))
	process := custommiddleware.RateLimit(h.limiter, h.quotas, custommiddleware.ProcessClass)
	checkout := custommiddleware.RateLimit(h.limiter, h.quotas, custommiddleware.FixedClass(ratelimit.ClassCheckout))
	account := custommiddleware.RateLimit(h.limiter, h.quotas, custommiddleware.FixedClass(ratelimit.ClassAccount))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.identity.Middleware)
		r.Use(custommiddleware.Origin(h.guard, h.logger))

		r.Route("/jobs", func(r chi.Router) {
			r.With(poll).Get("/", h.ListJobs)
			r.With(poll).Get("/{jobID}", h.GetJob)
			r.With(poll).Get("/{jobType}/{externalID}", h.GetJobByExternalID)
			r.With(account).Post("/cleanup", h.Cleanup)
			r.With(process).Post("/{jobType}", h.SubmitJob)
		})

		r.With(poll).Get("/credits", h.GetCredits)
		r.With(account).Post("/uploads", h.CreateUpload)

		r.With(custommiddleware.RequireUser, checkout).Post("/billing/checkout", h.Checkout)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

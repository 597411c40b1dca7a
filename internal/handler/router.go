package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/membership-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса членства.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/members/{memberID}/credits", func(r chi.Router) {
				r.Post("/welcome-bonus", h.GrantWelcomeBonus)
				r.Post("/allocate", h.AllocateMonthly)
				r.Post("/consume", h.Consume)
				r.Post("/adjust", h.Adjust)
				r.Get("/balance", h.GetBalance)
				r.Get("/ledger", h.GetLedger)
			})

			r.Route("/orgs/{orgID}", func(r chi.Router) {
				r.Get("/seats", h.GetSeatSummary)
				r.Post("/seats/quantity", h.ChangeSeatQuantity)
				r.Post("/seats/assign", h.AssignSeat)
				r.Post("/seats/remove", h.RemoveSeat)
				r.Post("/members/{memberID}/remove", h.RemoveMember)

				r.Get("/subscription", h.GetSubscription)
				r.Post("/subscription/activate", h.Activate)
				r.Post("/subscription/cancel", h.RequestCancel)
				r.Post("/subscription/reactivate", h.Reactivate)
				r.Post("/subscription/finalize", h.FinalizeCancellation)
			})

			r.Post("/billing/events", h.BillingEvent)

			r.Post("/directory/members", h.PutMember)
			r.Post("/directory/organisations", h.PutOrganisation)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

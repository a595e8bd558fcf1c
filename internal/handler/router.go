package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/water-ledger/internal/middleware"
	"github.com/mmeshcher/water-ledger/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса учёта.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.With(custommiddleware.DeviceKey(h.deviceKey)).Post("/card/swipe", h.Swipe)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/me", h.Me)
			r.Get("/prices/active", h.GetActivePrice)

			r.Post("/charges", h.CreateCharge)
			r.Get("/charges", h.ListCharges)
			r.Get("/charges/{id}", h.GetCharge)

			r.Post("/payments", h.CreatePayment)
			r.Get("/payments", h.ListPayments)
			r.Get("/payments/{id}", h.GetPayment)

			r.Get("/users/{id}/debts", h.OwnerDebts)
			r.Get("/users/{id}/payments", h.OwnerPayments)
			r.Get("/users/{id}/drivers", h.Drivers)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleAdmin))

				r.Post("/prices", h.CreatePrice)
				r.Get("/prices", h.ListPrices)
				r.Get("/prices/{id}", h.GetPrice)
				r.Patch("/prices/{id}", h.UpdatePrice)
				r.Delete("/prices/{id}", h.DeactivatePrice)

				r.Patch("/charges/{id}", h.UpdateCharge)
				r.Delete("/charges/{id}", h.DeleteCharge)
				r.Post("/charges/{id}/restore", h.RestoreCharge)

				r.Patch("/payments/{id}", h.UpdatePayment)
				r.Post("/payments/{id}/void", h.VoidPayment)
				r.Post("/payments/{id}/activate", h.ActivatePayment)

				r.Post("/users", h.CreateUser)
				r.Get("/users", h.ListUsers)
				r.Get("/users/{id}", h.GetUser)
				r.Patch("/users/{id}", h.UpdateUser)
				r.Post("/users/{id}/block", h.BlockUser)
				r.Post("/users/{id}/unblock", h.UnblockUser)
				r.Post("/users/{id}/deactivate", h.DeactivateUser)
				r.Post("/users/{id}/reactivate", h.ReactivateUser)

				r.Get("/reconciliation", h.Reconcile)
			})
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

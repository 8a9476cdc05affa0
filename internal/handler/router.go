package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/pharmaledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.Checkout)
				r.Get("/", h.ListOrders)
				r.Get("/number/{number}", h.GetOrderByNumber)

				r.Route("/{orderID}", func(r chi.Router) {
					r.Get("/", h.GetOrder)
					r.Post("/cancel", h.CancelOrder)
					r.Post("/payment-sessions", h.OpenSession)
					r.Post("/payment-sessions/retry", h.RetrySession)

					r.Group(func(r chi.Router) {
						r.Use(custommiddleware.RequireAdmin)
						r.Post("/transition", h.TransitionOrder)
						r.Post("/mark-paid", h.MarkOrderPaid)
						r.Get("/stale-callbacks", h.StaleCallbacks)
					})
				})
			})

			r.Route("/payment-sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/dismiss", h.DismissSession)
			})

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.SubmitRequest)
				r.Get("/", h.ListRequests)
				r.Get("/{requestID}", h.GetRequest)

				r.Group(func(r chi.Router) {
					r.Use(custommiddleware.RequireAdmin)
					r.Post("/{requestID}/decision", h.DecideRequest)
					r.Post("/{requestID}/notes", h.AddRequestNote)
				})
			})

			r.Get("/credit/statement", h.MyStatement)

			r.Route("/credit/{customerID}", func(r chi.Router) {
				r.Get("/statement", h.Statement)

				r.Group(func(r chi.Router) {
					r.Use(custommiddleware.RequireAdmin)
					r.Put("/limit", h.SetCreditLimit)
					r.Put("/terms", h.SetPaymentTerms)
					r.Post("/settlements", h.Settle)
				})
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

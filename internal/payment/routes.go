package payment

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middlewares are the per-route chains applied by Mount.
type Middlewares struct {
	// Public wraps the client-facing endpoints. The processor webhook is
	// excluded so throttling never drops a signed delivery.
	Public []func(http.Handler) http.Handler
	// Write wraps the endpoints that create processor records, typically
	// with the Idempotency-Key middleware.
	Write []func(http.Handler) http.Handler
}

// Mount registers the payment and order routes on r.
func (h *Handler) Mount(r chi.Router, mw Middlewares) {
	r.Route("/payments", func(p chi.Router) {
		p.Post("/webhook", h.Webhook)
		p.Group(func(pub chi.Router) {
			pub.Use(mw.Public...)
			pub.With(mw.Write...).Post("/create-order", h.CreateOrder)
			pub.Post("/verify-payment", h.VerifyPayment)
			pub.With(mw.Write...).Post("/refund", h.Refund)
			pub.Get("/", h.ListPayments)
			pub.Get("/{payment_id}", h.GetPayment)
		})
	})
	r.With(mw.Public...).Get("/orders/{order_id}", h.GetOrder)
	if h.Mock != nil {
		r.Post("/dev/mock/orders/{order_id}/checkout", h.MockCheckout)
	}
}

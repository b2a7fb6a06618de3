/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for POS and admin frontends

ROUTE GROUPS:
  /api/tenants/{tenantID}/*   Tenant-scoped cards, customers, rules, payments
  /api/webhooks/payments      Payment provider events
  /api/scenarios/*            Demo data loaders
  /healthz                    Liveness and store reachability

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
// An empty allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/payments", h.PaymentWebhook)

		// Demo scenario routes
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			// Card routes
			r.Route("/cards", func(r chi.Router) {
				r.Post("/", h.IssueCards)
				r.Get("/", h.ListCards)
				r.Route("/{cardID}", func(r chi.Router) {
					r.Get("/", h.GetCard)
					r.Post("/assign", h.AssignCard)
					r.Post("/block", h.BlockCard)
					r.Post("/unblock", h.UnblockCard)
					r.Get("/transactions", h.GetTransactions)
					r.Get("/verify", h.VerifyCard)

					// Balance operations
					r.Post("/earn", h.Earn)
					r.Post("/redeem", h.Redeem)
					r.Post("/adjust", h.Adjust)
					r.Post("/checkout", h.Checkout)
				})
			})

			// Customer routes
			r.Post("/customers", h.CreateCustomer)
			r.Get("/customers/{customerID}", h.GetCustomer)

			// Rules and quotes
			r.Get("/rules", h.GetRules)
			r.Put("/rules", h.PutRules)
			r.Post("/quote", h.Quote)

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.InitiatePayment)
				r.Get("/{paymentID}", h.GetPayment)
				r.Post("/{paymentID}/confirm", h.ConfirmPayment)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}

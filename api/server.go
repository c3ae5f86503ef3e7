/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. Logger:       Request logging
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. CORS:         Cross-origin requests for the web front-end
  5. Authenticate: Caller identity (JWT or trusted header), /api only
  6. Idempotency:  Purchase replay on Idempotency-Key
  7. RequireAdmin: /api/admin only

ROUTE GROUPS:
  /healthz             Liveness, unauthenticated
  /api/products/*      Catalog and purchase
  /api/me/*            Caller's account
  /api/sales/*         Sale lookup
  /api/quotes/*        External prices
  /api/admin/*         Operator routes

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterConfig struct {
	AllowedOrigins []string
	Auth           Authenticator
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Auth == nil {
		cfg.Auth = HeaderAuth{}
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = NewMemoryIdempotency()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderIdempotencyKey, HeaderUserID, HeaderUserRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))

		r.Get("/categories", h.ListCategories)

		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/mine", h.ListMyProducts)
			r.Get("/{id}", h.GetProduct)
			r.Delete("/{id}", h.WithdrawProduct)
			r.With(Idempotency(cfg.Idempotency, cfg.IdempotencyTTL, h.Logger)).
				Post("/{id}/purchase", h.PurchaseProduct)
		})

		// Caller's account
		r.Route("/me", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.GetEntries)
			r.Get("/sales", h.GetMySales)
			r.Post("/deposits", h.Deposit)
			r.Post("/payouts", h.Payout)
		})

		r.Get("/sales/{id}", h.GetSale)
		r.Get("/quotes/{base}/{quote}", h.GetQuote)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/stats", h.GetStats)
			r.Post("/verify", h.VerifyLedger)
			r.Get("/sales/undelivered", h.ListUndelivered)
			r.Post("/sales/{id}/redeliver", h.Redeliver)
			r.Post("/accounts/{id}/deposits", h.AdminDeposit)
		})
	})

	return r
}

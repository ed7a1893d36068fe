/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator dashboards

ROUTE GROUPS:
  /api/accounts/*     Account registration, balances, history
  /api/invoices/*     Invoice processing and settlement
  /api/attendance     Attendance awards
  /api/withdrawals/*  Withdrawal lifecycle
  /api/referrals      Referral registration
  /api/admin/*        Rates, slabs, batch jobs, manual adjustments

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Deploy behind an authenticating gateway.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Put("/{id}/credit", h.UpdateCreditSettings)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/process", h.ProcessInvoice)
			r.Post("/{externalId}/settle", h.SettleInvoice)
		})

		// Attendance route
		r.Post("/attendance", h.AwardAttendance)

		// Withdrawal routes
		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.CreateWithdrawal)
			r.Get("/", h.ListWithdrawals)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/approve", h.ApproveWithdrawal)
			r.Post("/{id}/reject", h.RejectWithdrawal)
			r.Post("/{id}/pay", h.PayWithdrawal)
		})

		// Referral routes
		r.Post("/referrals", h.CreateReferral)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/rates", h.SaveRate)
			r.Post("/slabs", h.SaveSlabDefinition)
			r.Post("/slabs/evaluate", h.EvaluateSlabs)
			r.Post("/credit/sweep", h.SweepCredit)
			r.Post("/adjustments", h.CreateAdjustment)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

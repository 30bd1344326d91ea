/**
 * @description
 * This file sets up the HTTP router for the escrow service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * authentication middleware to the user-facing and internal route groups.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// EscrowRoutes creates and returns the router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, wh *WebhookHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api", func(r chi.Router) {
		// Processor webhooks authenticate with signatures, not bearer tokens.
		r.Post("/webhook", wh.StripeWebhookHandler)
		r.Post("/webhook/paystack", wh.PaystackWebhookHandler)

		// User-facing endpoints require a platform JWT.
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(jwtSecret))

			r.Post("/create-payment-intent", h.CreatePaymentIntentHandler)
			r.Post("/release-escrow", h.ReleaseEscrowHandler)
			r.Post("/cancel-escrow", h.CancelEscrowHandler)
			r.Post("/confirm-receipt", h.ConfirmReceiptHandler)
			r.Get("/payment/{id}", h.GetPaymentStatusHandler)

			r.Post("/users/bank-details", h.BankDetailsHandler)
			r.Post("/escrows/withdraw", h.WithdrawHandler)
		})

		// Internal endpoints for the scheduler and admin tooling.
		r.Group(func(r chi.Router) {
			r.Use(InternalKeyMiddleware(internalAPIKey))

			r.Post("/internal/escrows/auto-release", h.AutoReleaseHandler)
			r.Post("/internal/escrows/resolve", h.ResolveHoldHandler)
		})
	})

	return r
}

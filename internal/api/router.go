/**
 * @description
 * This file sets up the HTTP router for the billing service. It defines the API
 * endpoints, associates them with their handlers, and applies the shared middleware:
 * logging, panic recovery, timeouts, CORS and, for Mini App calls, JWT authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: Uniform CORS headers for the Mini App and quiz pages.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns the router for the billing service. When jwtSecret
// is empty the Mini App endpoints are served without authentication.
func BillingRoutes(h *BillingHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type", "x-refund-secret"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", h.CatalogHandler)

		// Called by gateways, the workflow engine and public quiz pages.
		r.Post("/webhooks/lava", h.LavaWebhookHandler)
		r.Post("/webhooks/prodamus", h.ProdamusWebhookHandler)
		r.Post("/refunds/carousel", h.RefundCarouselHandler)
		r.Post("/carousel/generate", h.CarouselGenerateHandler)
		r.Post("/quizzes/lead-notify", h.QuizLeadHandler)

		// Mini App endpoints.
		r.Group(func(r chi.Router) {
			if jwtSecret != "" {
				r.Use(SupabaseAuthMiddleware(jwtSecret))
			}
			r.Post("/invoices", h.CreateInvoiceHandler)
			r.Post("/invoices/prodamus", h.CreateProdamusInvoiceHandler)
			r.Post("/subscriptions/invoice", h.CreateSubscriptionInvoiceHandler)
			r.Post("/subscriptions/cancel", h.CancelSubscriptionHandler)
		})
	})

	return r
}

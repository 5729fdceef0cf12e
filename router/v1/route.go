// Package v1 registers the authenticated merchant API routes.
package v1

import (
	"github.com/go-chi/chi/v5"

	"github.com/sefapay/sefapay/handler"
	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/infra/middle"
)

// Handlers bundles the endpoint handlers the v1 surface mounts.
type Handlers struct {
	Payment *handler.PaymentHandler
	Webhook *handler.WebhookHandler
	Config  *handler.ConfigHandler
}

// Routes registers all authenticated API routes.
func Routes(r chi.Router, h Handlers, cacheStore cache.Store) {
	// Payment routes
	r.Route("/payments", func(r chi.Router) {
		r.With(middle.IdempotencyMiddleware(cacheStore)).Post("/", h.Payment.Initialize)
		// Legacy path alias.
		r.With(middle.IdempotencyMiddleware(cacheStore)).Post("/initialize", h.Payment.Initialize)
		r.Get("/", h.Payment.List)
		r.Get("/{transactionID}", h.Payment.Get)
		r.Post("/{transactionID}/verify", h.Payment.Verify)
		r.Post("/{transactionID}/refund", h.Payment.Refund)
		r.Post("/{transactionID}/confirm", h.Payment.Confirm)
	})

	// Provider credential management
	r.Route("/config/providers", func(r chi.Router) {
		r.Get("/", h.Config.ListProviders)
		r.Put("/", h.Config.SetProviderConfig)
		r.Get("/{provider}/fields", h.Config.RequiredFields)
		r.Put("/{provider}/active", h.Config.SetProviderActive)
		r.Delete("/{provider}", h.Config.DeleteProviderConfig)
	})

	// Operational routes: reconciliation, webhook pipeline, audit trail
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reconcile", h.Config.Reconcile)
		r.Get("/audit", h.Config.QueryAudit)

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.Webhook.List)
			r.Get("/stats", h.Webhook.Stats)
			r.Get("/dead-letter", h.Webhook.DeadLetter)
			r.Post("/retry", h.Webhook.RetryDue)
			r.Post("/{eventID}/replay", h.Webhook.Replay)
		})
	})
}

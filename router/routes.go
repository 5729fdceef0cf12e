// Package router assembles the full HTTP surface: middleware stack, public
// webhook and auth endpoints, and the authenticated v1 API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sefapay/sefapay/handler"
	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/infra/middle"
	"github.com/sefapay/sefapay/infra/opensearch"
	"github.com/sefapay/sefapay/infra/response"
	v1 "github.com/sefapay/sefapay/router/v1"

	// Import for side-effect registration
	_ "github.com/sefapay/sefapay/provider/cpay"
	_ "github.com/sefapay/sefapay/provider/mpesa"
	_ "github.com/sefapay/sefapay/provider/standardbankpay"
	_ "github.com/sefapay/sefapay/provider/stripe"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Payment       *handler.PaymentHandler
	Webhook       *handler.WebhookHandler
	Auth          *handler.AuthHandler
	Config        *handler.ConfigHandler
	Health        *handler.HealthHandler
	Authenticator middle.Authenticator
	Cache         cache.Store
	OSLogger      *opensearch.Logger
}

// New builds the chi router with the full middleware stack.
func New(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Basic Middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middle.PanicRecoveryMiddleware())

	// Security Middleware
	rateLimiter := middle.NewRateLimiter()
	r.Use(middle.SecurityHeadersMiddleware())
	r.Use(middle.RateLimitMiddleware(rateLimiter))
	r.Use(middle.RequestValidationMiddleware())

	// OpenSearch request logging
	if deps.OSLogger != nil {
		r.Use(middle.RequestLoggingMiddleware(deps.OSLogger))
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Idempotency-Key", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint (no auth required)
	r.Get("/health", deps.Health.CheckHealth)

	// Merchant onboarding (no auth required)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", deps.Auth.Signup)
		r.Post("/login", deps.Auth.Login)
	})

	// Webhook routes for provider push notifications (no auth required;
	// signatures are checked per provider)
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/{provider}", deps.Webhook.Receive)
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middle.APIKeyMiddleware(deps.Authenticator))
		v1.Routes(r, v1.Handlers{
			Payment: deps.Payment,
			Webhook: deps.Webhook,
			Config:  deps.Config,
		}, deps.Cache)
	})

	// Not Found
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.WriteErrorMessage(w, http.StatusNotFound, "Not Found")
	})

	return r
}

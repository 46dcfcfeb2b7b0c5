package engine

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	entitlementcheck "github.com/bizdesk/entitlement-engine/internal/http/handlers/entitlement/check"
	"github.com/bizdesk/entitlement-engine/internal/http/handlers/health"
	"github.com/bizdesk/entitlement-engine/internal/http/handlers/payment/paymentwebhook"
	subscriptioncancel "github.com/bizdesk/entitlement-engine/internal/http/handlers/subscription/cancel"
	subscriptionread "github.com/bizdesk/entitlement-engine/internal/http/handlers/subscription/read"
	"github.com/bizdesk/entitlement-engine/internal/http/middlewarectx"
	"github.com/bizdesk/entitlement-engine/internal/lib/jwt"
	entitlementservice "github.com/bizdesk/entitlement-engine/internal/services/entitlement"
	subscriptionservice "github.com/bizdesk/entitlement-engine/internal/services/subscription"
	webhookservice "github.com/bizdesk/entitlement-engine/internal/services/webhook"
)

// RegisterRoutes wires all engine routes.
func RegisterRoutes(r chi.Router, logger *slog.Logger, jwtMaker jwt.Maker,
	webhookService *webhookservice.Service,
	entitlementService *entitlementservice.Service,
	subscriptionService *subscriptionservice.Service,
	webhookSecret string) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Gateway events authenticate by HMAC signature, not JWT.
		r.Post("/payments/webhook", paymentwebhook.New(logger, webhookService, webhookSecret).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(jwtMaker, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Get("/entitlements/{moduleKey}", entitlementcheck.New(logger, entitlementService).ServeHTTP)
			r.Get("/subscriptions/{moduleKey}", subscriptionread.New(logger, subscriptionService).ServeHTTP)
			r.Post("/subscriptions/{moduleKey}/cancel", subscriptioncancel.New(logger, subscriptionService).ServeHTTP)
		})
	})

	r.Get("/health", health.New(logger).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/docs/*", httpSwagger.WrapHandler)
}

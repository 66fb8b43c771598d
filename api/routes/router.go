package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiobooking/payments-backend/api/controllers"
	webhookcontrollers "github.com/studiobooking/payments-backend/api/controllers/webhooks"
	"github.com/studiobooking/payments-backend/api/middleware"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/logger"
	pkgredis "github.com/studiobooking/payments-backend/pkg/redis"
)

// RedisStore is the slice of the redis client the HTTP layer needs.
type RedisStore interface {
	pkgredis.IdempotencyStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	Ping(ctx context.Context) error
}

type StripeKeys interface {
	PublishableKey() string
	SigningSecret() string
}

// Deps carries everything the router mounts. Nil services produce 500s on
// their routes rather than a panic at startup.
type Deps struct {
	DB    controllers.Pinger
	Redis RedisStore

	Checkout    controllers.CheckoutService
	Payments    controllers.PaymentCompleter
	Cart        controllers.VoucherApplier
	Memberships controllers.MembershipService

	Webhooks     webhookcontrollers.StripeWebhookService
	WebhookGuard webhookcontrollers.StripeWebhookGuard
	Stripe       StripeKeys
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	pingers := map[string]controllers.Pinger{}
	if deps.DB != nil {
		pingers["db"] = deps.DB
	}
	if deps.Redis != nil {
		pingers["redis"] = deps.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, pingers))
	})

	r.Post("/api/v1/webhooks/stripe", webhookcontrollers.StripeWebhook(deps.Webhooks, deps.Stripe, deps.WebhookGuard, logg))

	paymentsLimit := middleware.RateLimitPolicy{
		Name:   "payments",
		Window: cfg.App.RateLimitWindow,
		Limit:  cfg.App.RateLimitRequests,
	}
	limiter := middleware.RateLimit(paymentsLimit, deps.Redis, logg)

	r.Route("/api/v1", func(r chi.Router) {
		// guests may check out gift vouchers and land on the completion page
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuth(cfg.JWT, logg))
			r.Use(limiter)
			r.Post("/checkout", controllers.Checkout(deps.Checkout, deps.Stripe, logg))
			r.Get("/checkout/total", controllers.CheckTotal(deps.Checkout, logg))
			r.Get("/payments/complete", controllers.PaymentComplete(deps.Payments, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(deps.Redis, logg))
			r.Post("/cart/vouchers", controllers.CartApplyVoucher(deps.Cart, logg))
			// flat paths keep the full route pattern visible to Idempotency
			r.Post("/memberships/subscribe", controllers.MembershipSubscribe(deps.Memberships, logg))
			r.Post("/memberships/{userMembershipId}/cancel", controllers.MembershipCancel(deps.Memberships, logg))
			r.Get("/memberships/portal", controllers.MembershipPortal(cfg, deps.Memberships, logg))
			r.Post("/memberships/{membershipId}/sync", controllers.MembershipSyncProduct(deps.Memberships, logg))
		})
	})

	return r
}

// NewMetricsRouter serves the prometheus registry on its own listener.
func NewMetricsRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

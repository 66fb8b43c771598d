package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/studiobooking/payments-backend/api"
	"github.com/studiobooking/payments-backend/api/routes"
	"github.com/studiobooking/payments-backend/internal/bootstrap"
	stripewebhook "github.com/studiobooking/payments-backend/internal/webhooks/stripe"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/instance"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/metrics"
	"github.com/studiobooking/payments-backend/pkg/migrate"
	"github.com/studiobooking/payments-backend/pkg/redis"
	"github.com/studiobooking/payments-backend/pkg/stripe"
)

const webhookGuardScope = "stripe-webhook"

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	services, err := bootstrap.NewServices(bootstrap.ServiceParams{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Stripe: stripeClient,
	})
	if err != nil {
		logg.Error(ctx, "failed to build services", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Payments:    services.Payments,
		Memberships: services.Memberships,
		Provider:    services.Provider,
		DB:          dbClient,
		Outbox:      services.Outbox,
		Metrics:     metrics.NewWebhookMetrics(registry),
		Logger:      logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create webhook service", err)
		os.Exit(1)
	}
	guard, err := stripewebhook.NewEventGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, webhookGuardScope)
	if err != nil {
		logg.Error(ctx, "failed to create webhook event guard", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(cfg, logg, routes.Deps{
		DB:           dbClient,
		Redis:        redisClient,
		Checkout:     services.Checkout,
		Payments:     services.Payments,
		Cart:         services.Cart,
		Memberships:  services.Memberships,
		Webhooks:     webhookService,
		WebhookGuard: guard,
		Stripe:       stripeClient,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"instance":   instance.GetID(),
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting api server")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Serve(groupCtx, api.NewServer(":"+port, handler), logg)
	})
	group.Go(func() error {
		return api.Serve(groupCtx, api.NewServer(":"+cfg.App.MetricsPort, routes.NewMetricsRouter(registry)), logg)
	})

	if err := group.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down")
}

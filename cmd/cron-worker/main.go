package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/studiobooking/payments-backend/api"
	"github.com/studiobooking/payments-backend/api/routes"
	"github.com/studiobooking/payments-backend/internal/bootstrap"
	"github.com/studiobooking/payments-backend/internal/cron"
	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/instance"
	"github.com/studiobooking/payments-backend/pkg/logger"
	"github.com/studiobooking/payments-backend/pkg/metrics"
	"github.com/studiobooking/payments-backend/pkg/migrate"
	"github.com/studiobooking/payments-backend/pkg/redis"
	"github.com/studiobooking/payments-backend/pkg/stripe"
)

const lockKeyFormat = "studio:cron-worker:lock:%s"

func main() {
	once := flag.Bool("once", false, "run the jobs a single time and exit")
	only := flag.String("jobs", "", "comma separated job names to run instead of all of them")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	services, err := bootstrap.NewServices(bootstrap.ServiceParams{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Stripe: stripeClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, services)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}
	if names := splitJobNames(*only); len(names) > 0 {
		registry, err = registry.Only(names...)
		if err != nil {
			logg.Error(context.Background(), "failed to select cron jobs", err)
			os.Exit(1)
		}
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), instance.GetID(), cron.LockTTL(cfg.Cron.Interval))
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})

	if *once {
		logg.Info(ctx, "running cron jobs once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron run failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	group.Go(func() error {
		return api.Serve(groupCtx, api.NewServer(":"+cfg.App.MetricsPort, routes.NewMetricsRouter(prometheus.DefaultGatherer)), logg)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, services *bootstrap.Services) (*cron.Registry, error) {
	reconcile, err := cron.NewMembershipReconcileJob(cron.MembershipReconcileJobParams{
		Logger:      logg,
		Memberships: services.Memberships,
	})
	if err != nil {
		return nil, err
	}
	voucherExpiry, err := cron.NewSubscriptionVoucherExpiryJob(cron.SubscriptionVoucherExpiryJobParams{
		Logger:      logg,
		Memberships: services.Memberships,
	})
	if err != nil {
		return nil, err
	}
	unusedInvoices, err := cron.NewUnusedInvoiceJob(cron.UnusedInvoiceJobParams{
		Logger:   logg,
		Invoices: services.Invoices,
		MaxAge:   cfg.Invoices.UnusedMaxAge,
	})
	if err != nil {
		return nil, err
	}
	outboxRetention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  services.OutboxRepo,
		Retention:   cfg.Outbox.Retention,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(reconcile, voucherExpiry, unusedInvoices, outboxRetention)
}

func splitJobNames(raw string) []string {
	var names []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docuplane/billing/pkg/analytics"
	"github.com/docuplane/billing/pkg/api"
	"github.com/docuplane/billing/pkg/billing"
	"github.com/docuplane/billing/pkg/clientip"
	"github.com/docuplane/billing/pkg/config"
	"github.com/docuplane/billing/pkg/dunning"
	"github.com/docuplane/billing/pkg/environment"
	"github.com/docuplane/billing/pkg/gateway"
	"github.com/docuplane/billing/pkg/httpserver"
	"github.com/docuplane/billing/pkg/jobqueue"
	"github.com/docuplane/billing/pkg/lifecycle"
	"github.com/docuplane/billing/pkg/logger"
	"github.com/docuplane/billing/pkg/pg"
	"github.com/docuplane/billing/pkg/ratelimit"
	"github.com/docuplane/billing/pkg/redis"
	"github.com/docuplane/billing/pkg/requestid"
	billingsync "github.com/docuplane/billing/pkg/sync"
	"github.com/docuplane/billing/pkg/usage"
)

type appConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`
	PlansPath   string `env:"BILLING_PLANS_PATH" envDefault:"config/plans.yaml"`

	AnalyticsSchedule string `env:"ANALYTICS_CRON_SCHEDULE"`
	WorkerConcurrency int    `env:"JOB_WORKER_CONCURRENCY" envDefault:"4"`

	RateLimitCapacity       int           `env:"RATE_LIMIT_CAPACITY" envDefault:"60"`
	RateLimitRefillRate     int           `env:"RATE_LIMIT_REFILL_RATE" envDefault:"1"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`

	DunningEmailEnabled bool `env:"DUNNING_EMAIL_ENABLED" envDefault:"false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		appCfg    appConfig
		pgCfg     pg.Config
		redisCfg  redis.Config
		httpCfg   httpserver.Config
		stripeCfg gateway.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&stripeCfg)

	log := logger.New(
		logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor(), environment.LoggerExtractor()))
	logger.SetAsDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		log.ErrorContext(ctx, "failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()

	catalog, err := billing.LoadCatalog(ctx, billing.NewYAMLSource(appCfg.PlansPath))
	if err != nil {
		log.ErrorContext(ctx, "failed to load pricing catalog",
			slog.String("path", appCfg.PlansPath), slog.Any("error", err))
		os.Exit(1)
	}

	processor, err := gateway.NewStripeGateway(stripeCfg)
	if err != nil {
		log.ErrorContext(ctx, "failed to initialize payment gateway", slog.Any("error", err))
		os.Exit(1)
	}

	store := billing.NewPostgresStore(pool)

	jobStorage := jobqueue.NewPostgresStorage(pool)
	enqueuer, err := jobqueue.NewEnqueuer(jobStorage)
	if err != nil {
		log.ErrorContext(ctx, "failed to create job enqueuer", slog.Any("error", err))
		os.Exit(1)
	}
	worker, err := jobqueue.NewWorker(jobStorage,
		jobqueue.WithConcurrency(appCfg.WorkerConcurrency),
		jobqueue.WithWorkerLogger(log))
	if err != nil {
		log.ErrorContext(ctx, "failed to create job worker", slog.Any("error", err))
		os.Exit(1)
	}

	schedulerOpts := []dunning.SchedulerOption{dunning.WithLogger(log)}
	if appCfg.DunningEmailEnabled {
		var notifierCfg dunning.NotifierConfig
		config.MustLoad(&notifierCfg)
		notifier, err := dunning.NewPostmarkNotifier(notifierCfg)
		if err != nil {
			log.ErrorContext(ctx, "failed to create dunning notifier", slog.Any("error", err))
			os.Exit(1)
		}
		schedulerOpts = append(schedulerOpts, dunning.WithNotifier(notifier))
	}
	scheduler := dunning.NewScheduler(store, processor, enqueuer, schedulerOpts...)
	if err := worker.RegisterHandler(scheduler.Handler()); err != nil {
		log.ErrorContext(ctx, "failed to register retry handler", slog.Any("error", err))
		os.Exit(1)
	}

	ledger := usage.NewLedger(store, catalog, usage.WithLogger(log))

	webhookProcessor, err := billingsync.NewProcessor(stripeCfg.WebhookSecret, store, catalog,
		billingsync.WithRetryScheduler(scheduler),
		billingsync.WithUsageResetter(ledger),
		billingsync.WithLogger(log))
	if err != nil {
		log.ErrorContext(ctx, "failed to create webhook processor", slog.Any("error", err))
		os.Exit(1)
	}

	subscriptions := lifecycle.NewService(store, processor, catalog, lifecycle.WithLogger(log))

	aggregator := analytics.NewAggregator(store, catalog, analytics.WithLogger(log))
	runnerOpts := []analytics.RunnerOption{analytics.WithRunnerLogger(log)}
	if appCfg.AnalyticsSchedule != "" {
		runnerOpts = append(runnerOpts, analytics.WithSchedule(appCfg.AnalyticsSchedule))
	}
	runner := analytics.NewRunner(aggregator, runnerOpts...)

	limitStore := ratelimit.NewRedisStore(redisClient)
	bucket, err := ratelimit.NewBucket(limitStore, ratelimit.Config{
		Capacity:       appCfg.RateLimitCapacity,
		RefillRate:     appCfg.RateLimitRefillRate,
		RefillInterval: appCfg.RateLimitRefillInterval,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to create rate limiter", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := ratelimit.Middleware(bucket, organizationOrIP)

	handler := api.NewHandler(store, subscriptions, ledger, webhookProcessor, catalog,
		api.WithLogger(log),
		api.WithRateLimiter(limiter))

	router := handler.Router()
	router.Get("/health", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redis.Healthcheck(redisClient)))

	if err := worker.Start(ctx); err != nil {
		log.ErrorContext(ctx, "failed to start job worker", slog.Any("error", err))
		os.Exit(1)
	}
	defer worker.Stop()

	if err := runner.Start(); err != nil {
		log.ErrorContext(ctx, "failed to start analytics runner", slog.Any("error", err))
		os.Exit(1)
	}
	defer runner.Stop()

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))
	root := environment.Middleware(environment.Environment(appCfg.Environment))(router)
	if err := srv.Run(ctx, root); err != nil {
		log.ErrorContext(ctx, "http server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// organizationOrIP buckets authenticated traffic per organization and
// everything else per client address.
func organizationOrIP(r *http.Request) string {
	if org := r.Header.Get(api.OrganizationHeader); org != "" {
		return "org:" + org
	}
	return "ip:" + clientip.GetIP(r)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/config"
	"github.com/noah-isme/backend-paygate/internal/db"
	"github.com/noah-isme/backend-paygate/internal/events"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/health"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/lock"
	"github.com/noah-isme/backend-paygate/internal/obs"
	"github.com/noah-isme/backend-paygate/internal/queue"
	"github.com/noah-isme/backend-paygate/internal/reconcile"
	"github.com/noah-isme/backend-paygate/internal/repo"
	"github.com/noah-isme/backend-paygate/internal/resilience"
	"github.com/noah-isme/backend-paygate/internal/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paygate")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", false)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "paygate-api",
			ServiceVersion: health.Version,
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		pool = openPool(ctx, cfg, logger)
		defer pool.Close()
	} else {
		logger.Warn().Msg("DATABASE_URL not set; ledger state is kept in memory only")
	}

	redisClient := openRedis(ctx, cfg, metricsEnabled, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	var (
		journal    ledger.Journal
		auditStore audit.Store = audit.NewMemoryStore()
		eventStore events.Store
		dlqStore   queue.Store = queue.RedisStore{R: redisClient, Prefix: cfg.QueuePrefix}
	)
	if pool != nil {
		journal = repo.Journal{DB: pool}
		auditStore = repo.AuditStore{DB: pool}
		eventStore = repo.EventStore{DB: pool}
		dlqStore = queue.NewStore(pool)
	}

	led := ledger.New(journal, logger)
	if pool != nil {
		snap, err := repo.Journal{DB: pool}.LoadSnapshot(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("load ledger snapshot")
		}
		led.Restore(snap)
		logger.Info().
			Int("orders", len(snap.Orders)).
			Int("payments", len(snap.Payments)).
			Int("refunds", len(snap.Refunds)).
			Msg("ledger_restored")
	}

	gw, mock := newGateway(cfg, logger)

	notifiers := []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}}
	if cfg.RabbitMQURL != "" {
		publisher, err := events.DialAMQP(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			logger.Error().Err(err).Msg("connect rabbitmq; domain events stay local")
		} else {
			defer func() {
				if err := publisher.Close(); err != nil {
					logger.Error().Err(err).Msg("close rabbitmq")
				}
			}()
			notifiers = append(notifiers, publisher)
		}
	}
	bus := &events.Bus{Store: eventStore, Notifiers: notifiers}

	auditService := audit.Service{
		Store:        auditStore,
		Enabled:      cfg.AuditEnabled,
		SamplingRate: cfg.AuditSamplingRate,
		Logger:       logger.With().Str("component", "audit").Logger(),
	}

	enqueuer := queue.Enqueuer{
		R:           redisClient,
		Prefix:      cfg.QueuePrefix,
		DedupTTL:    cfg.IdempotencyTTL,
		MaxAttempts: cfg.WebhookMaxAttempts,
	}

	engine := &reconcile.Engine{
		Ledger:             led,
		Gateway:            gw,
		Verifier:           signature.Verifier{KeySecret: cfg.RazorpayKeySecret, WebhookSecret: cfg.RazorpayWebhookSecret},
		Queue:              enqueuer,
		Anomalies:          auditService,
		Events:             bus,
		Locker:             lock.Locker{R: redisClient, Prefix: cfg.QueuePrefix + ":lock"},
		LockTTL:            cfg.LockTTL,
		ConfirmWebhooks:    cfg.ConfirmWebhooks,
		WebhookTaskKind:    reconcile.DefaultWebhookTaskKind,
		WebhookMaxAttempts: cfg.WebhookMaxAttempts,
		Logger:             logger.With().Str("component", "reconcile").Logger(),
	}

	workerLogger := logger.With().Str("component", "webhook_worker").Logger()
	worker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueuePrefix,
		Kind:              reconcile.DefaultWebhookTaskKind,
		Concurrency:       cfg.WebhookConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		HeartbeatInterval: cfg.QueueVisibilityTimeout / 3,
		Handler:           engine.HandleTask,
		RetryBase:         cfg.QueueRetryBase,
		RetryJitter:       0.2,
		Store:             dlqStore,
		Logger:            &workerLogger,
	}
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()

	router := newRouter(routerDeps{
		cfg:            cfg,
		logger:         logger,
		metricsEnabled: metricsEnabled,
		tracingEnabled: tracingEnabled,
		redis:          redisClient,
		pool:           pool,
		engine:         engine,
		ledger:         led,
		mock:           mock,
		audit:          auditService,
		enqueuer:       enqueuer,
		dlqStore:       dlqStore,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway", cfg.GatewayMode).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	}

	health.SetReady(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// In-flight webhook tasks finish or return to the queue via the visibility timeout.
	stopWorker()
	select {
	case err := <-workerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("webhook worker stopped")
		}
	case <-shutdownCtx.Done():
		logger.Warn().Msg("webhook worker did not stop before shutdown deadline")
	}
	logger.Info().Msg("server stopped")
}

func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "paygate-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func openRedis(ctx context.Context, cfg *config.Config, metricsEnabled bool, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func newGateway(cfg *config.Config, logger zerolog.Logger) (gateway.Client, *gateway.Mock) {
	if cfg.MockGateway() {
		logger.Warn().Msg("using mock payment gateway")
		mock := gateway.NewMock(cfg.RazorpayKeySecret)
		return mock, mock
	}
	gwLogger := logger.With().Str("component", "gateway").Logger()
	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("razorpay").
		WithLogger(gwLogger)
	client := gateway.NewRazorpay(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, resilience.HTTPClient{
		Client:      &http.Client{},
		Breaker:     breaker,
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: cfg.GatewayMaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.GatewayTimeout,
		Logger:      &gwLogger,
	})
	if cfg.RazorpayBaseURL != "" {
		client.BaseURL = cfg.RazorpayBaseURL
	}
	return client, nil
}

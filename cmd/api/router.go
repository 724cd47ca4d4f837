package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paygate/internal/audit"
	"github.com/noah-isme/backend-paygate/internal/auth"
	"github.com/noah-isme/backend-paygate/internal/common"
	"github.com/noah-isme/backend-paygate/internal/config"
	"github.com/noah-isme/backend-paygate/internal/gateway"
	"github.com/noah-isme/backend-paygate/internal/health"
	"github.com/noah-isme/backend-paygate/internal/ledger"
	"github.com/noah-isme/backend-paygate/internal/obs"
	"github.com/noah-isme/backend-paygate/internal/payment"
	"github.com/noah-isme/backend-paygate/internal/queue"
	"github.com/noah-isme/backend-paygate/internal/ratelimit"
	"github.com/noah-isme/backend-paygate/internal/reconcile"
	"github.com/noah-isme/backend-paygate/internal/security"
)

type routerDeps struct {
	cfg            *config.Config
	logger         zerolog.Logger
	metricsEnabled bool
	tracingEnabled bool
	redis          *redis.Client
	pool           *pgxpool.Pool
	engine         *reconcile.Engine
	ledger         *ledger.Ledger
	mock           *gateway.Mock
	audit          audit.Service
	enqueuer       queue.Enqueuer
	dlqStore       queue.Store
}

func newRouter(d routerDeps) http.Handler {
	cfg, logger := d.cfg, d.logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if d.metricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "paygate"), obs.ParseBucketsCSV(envOrDefault("OBS_HTTP_BUCKETS_MS", "")), nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	headers := security.HeaderPolicy{IncludeSubdomains: true}
	if cfg.AppEnv == "production" {
		headers.HSTS = 365 * 24 * time.Hour
	}
	r.Use(headers.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))
	r.Use(security.BodyLimit(cfg.BodyLimitBytes))

	if d.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Probes:  readinessProbes(d.pool, d.redis),
		Gateway: cfg.GatewayMode,
	}
	r.Get("/", healthHandler.Root)
	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	var public []func(http.Handler) http.Handler
	if rl, err := newRateLimiter(cfg, d.redis, logger); err != nil {
		logger.Error().Err(err).Msg("rate limiter disabled")
	} else {
		public = append(public, rl.Middleware)
	}
	idem := common.Idem{R: d.redis, TTL: cfg.IdempotencyTTL, Prefix: cfg.QueuePrefix + ":idem"}

	paymentHandler := &payment.Handler{
		Engine:   d.engine,
		Ledger:   d.ledger,
		Validate: payment.NewValidator(),
		KeyID:    cfg.RazorpayKeyID,
		Mock:     d.mock,
		Logger:   logger.With().Str("component", "payment_http").Logger(),
	}
	paymentHandler.Mount(r, payment.Middlewares{
		Public: public,
		Write:  []func(http.Handler) http.Handler{idem.Middleware},
	})

	mountAdmin(r, d)
	return r
}

func mountAdmin(r chi.Router, d routerDeps) {
	cfg, logger := d.cfg, d.logger
	var tokens *auth.Tokens
	if cfg.AdminJWTSecret != "" {
		var err error
		tokens, err = auth.NewTokens(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTAudience, 30*time.Second)
		if err != nil {
			logger.Error().Err(err).Msg("admin tokens disabled")
		}
	} else {
		logger.Warn().Msg("ADMIN_JWT_SECRET not set; /admin answers 503")
	}
	authMiddleware := auth.Middleware{Tokens: tokens}
	recorder := audit.HTTPRecorder{
		Service: d.audit,
		OnError: func(err error) { logger.Warn().Err(err).Msg("audit_record_failed") },
	}
	auditHandler := audit.Handler{Service: d.audit}
	queueHandler := &queue.AdminHandler{
		Store:             d.dlqStore,
		Queue:             d.enqueuer,
		PageSize:          50,
		Logger:            logger.With().Str("component", "queue_admin").Logger(),
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		DefaultKind:       reconcile.DefaultWebhookTaskKind,
	}

	r.Route("/admin", func(a chi.Router) {
		a.Use(authMiddleware.RequireOperator)
		a.Get("/audit", auditHandler.List)
		a.Route("/queue", func(q chi.Router) {
			q.Get("/stats", queueHandler.Stats)
			q.Get("/dlq", queueHandler.ListDLQ)
			q.With(recorder.Middleware(audit.HTTPConfig{Action: "queue.dlq.replay"})).
				Post("/dlq/replay", queueHandler.ReplayDLQ)
		})
		a.Get("/ledger/stats", func(w http.ResponseWriter, req *http.Request) {
			common.JSON(w, http.StatusOK, d.ledger.Stats())
		})
	})
}

func newRateLimiter(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (ratelimit.Handler, error) {
	if strings.TrimSpace(cfg.RateLimit) == "" {
		return ratelimit.Handler{}, errors.New("RATE_LIMIT is empty")
	}
	store, err := ratelimit.NewRedisStore(rdb, cfg.QueuePrefix+":ratelimit")
	if err != nil {
		return ratelimit.Handler{}, err
	}
	lim, err := ratelimit.New(cfg.RateLimit, store)
	if err != nil {
		return ratelimit.Handler{}, err
	}
	return ratelimit.Handler{
		Limiter: lim,
		Key:     ratelimit.ByClientIP("payments"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_store_error") },
	}, nil
}

func readinessProbes(pool *pgxpool.Pool, rdb *redis.Client) []health.Probe {
	probes := []health.Probe{{
		Name:    "redis",
		Timeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Check: func(ctx context.Context) error {
			if rdb == nil {
				return errors.New("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		},
	}}
	db := health.Probe{
		Name:     "db",
		Timeout:  envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		Disabled: pool == nil,
	}
	if pool != nil {
		db.Check = pool.Ping
	}
	return append(probes, db)
}

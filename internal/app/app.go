// Package app wires the pipeline's clients, services and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/pos-fulfillment/internal/auth"
	"github.com/noah-isme/pos-fulfillment/internal/cache"
	"github.com/noah-isme/pos-fulfillment/internal/checkout"
	"github.com/noah-isme/pos-fulfillment/internal/common"
	"github.com/noah-isme/pos-fulfillment/internal/config"
	"github.com/noah-isme/pos-fulfillment/internal/credentials"
	"github.com/noah-isme/pos-fulfillment/internal/erp"
	"github.com/noah-isme/pos-fulfillment/internal/fulfillment"
	"github.com/noah-isme/pos-fulfillment/internal/health"
	"github.com/noah-isme/pos-fulfillment/internal/incident"
	"github.com/noah-isme/pos-fulfillment/internal/lock"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
	"github.com/noah-isme/pos-fulfillment/internal/payment"
	"github.com/noah-isme/pos-fulfillment/internal/pricing"
	"github.com/noah-isme/pos-fulfillment/internal/ratelimit"
	"github.com/noah-isme/pos-fulfillment/internal/resilience"
	"github.com/noah-isme/pos-fulfillment/internal/security"
)

// Options carries the process-level resources App builds on.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Redis  *redis.Client
	// DB backs the incident log; nil keeps incidents in logs and metrics only.
	DB *pgxpool.Pool
	// Transport is the outbound round tripper; defaults to an otelhttp-wrapped
	// http.DefaultTransport.
	Transport      http.RoundTripper
	HTTPMetrics    *obs.HTTPMetrics
	MetricsEnabled bool
	TracingEnabled bool
}

// App holds the wired services.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	ERP          *erp.Client
	Stripe       payment.Stripe
	Orchestrator *fulfillment.Orchestrator
	Reconciler   *payment.Reconciler
	Checkout     *checkout.Service
	Incidents    incident.Reporter

	checkoutLimiter ratelimit.Limiter
	adminLimiter    ratelimit.Limiter
}

// New wires every component from opts.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("app: redis client is required")
	}
	logger := opts.Logger
	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	erpBreaker := resilience.NewBreaker(resilience.Settings{
		Target:       "erp",
		MinRequests:  cfg.CircuitMinRequests,
		FailureRatio: cfg.CircuitFailureRatio,
		OpenFor:      cfg.CircuitOpenFor,
	}).WithLogger(logger)
	erpClient := erp.New(erp.Options{
		URL:      cfg.ERPURL,
		Database: cfg.ERPDatabase,
		Username: cfg.ERPUsername,
		APIKey:   cfg.ERPAPIKey,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: transport},
			Breaker:     erpBreaker,
			Target:      "erp",
			MaxAttempts: 1,
			Timeout:     cfg.ERPTimeout,
		},
		Logger: logger.With().Str("component", "erp").Logger(),
	})

	creds := credentials.Chain{
		Providers: []credentials.Provider{
			credentials.ERPProvider{ERP: erpClient},
			credentials.Static{SecretKey: cfg.StripeSecretKey, WebhookSecret: cfg.StripeWebhookSecret},
		},
		Logger: logger,
	}
	stripeBreaker := resilience.NewBreaker(resilience.Settings{
		Target:       "stripe",
		MinRequests:  cfg.CircuitMinRequests,
		FailureRatio: cfg.CircuitFailureRatio,
		OpenFor:      cfg.CircuitOpenFor,
	}).WithLogger(logger)
	stripe := payment.Stripe{
		BaseURL:     cfg.StripeAPIBase,
		Credentials: creds,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: transport},
			Breaker:     stripeBreaker,
			Target:      "stripe",
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: cfg.StripeMaxAttempts,
			Jitter:      0.2,
			Timeout:     cfg.StripeTimeout,
		},
		Tolerance: cfg.WebhookTolerance,
	}

	catalog := pricing.CachedLookup{
		Next:   erpClient,
		Cache:  cache.New(opts.Redis, cfg.TaxCacheTTL, "pricing:"),
		Logger: logger,
	}

	var store incident.Store
	if opts.DB != nil {
		store = incident.NewStore(opts.DB)
	}
	incidents := incident.Reporter{Store: store, Logger: logger.With().Str("component", "incident").Logger()}

	orchestrator := &fulfillment.Orchestrator{
		ERP:          erpClient,
		Catalog:      catalog,
		Locker:       lock.Locker{R: opts.Redis, TTL: cfg.FulfillmentLockTTL, Wait: cfg.FulfillmentLockTTL},
		Incidents:    incidents,
		PaymentBrand: cfg.PaymentBrand,
		POSConfigID:  cfg.ERPPOSConfigID,
		Logger:       logger.With().Str("component", "fulfillment").Logger(),
	}
	reconciler := &payment.Reconciler{
		Verifier:  stripe,
		Fulfiller: orchestrator,
		Incidents: incidents,
		Markers:   opts.Redis,
		MarkerTTL: cfg.WebhookProcessedTTL,
		Logger:    logger.With().Str("component", "webhook").Logger(),
	}
	checkoutSvc := &checkout.Service{
		Sessions:           erpClient,
		Catalog:            catalog,
		Processor:          stripe,
		Validate:           validator.New(),
		Currency:           cfg.Currency,
		POSConfigID:        cfg.ERPPOSConfigID,
		RequireOpenSession: cfg.RequireOpenSession,
		Logger:             logger.With().Str("component", "checkout").Logger(),
	}

	limiterStore, err := ratelimit.NewRedisStore(opts.Redis, "ratelimit:checkout:")
	if err != nil {
		return nil, fmt.Errorf("app: limiter store: %w", err)
	}
	checkoutLimiter, err := ratelimit.NewFixed(limiterStore, cfg.CheckoutRateLimit)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:             cfg,
		logger:          logger,
		opts:            opts,
		ERP:             erpClient,
		Stripe:          stripe,
		Orchestrator:    orchestrator,
		Reconciler:      reconciler,
		Checkout:        checkoutSvc,
		Incidents:       incidents,
		checkoutLimiter: checkoutLimiter,
		adminLimiter:    ratelimit.SlidingWindow{Client: opts.Redis, Prefix: "ratelimit:admin:", Window: time.Minute, Max: 120},
	}, nil
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	cfg := a.cfg
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if a.opts.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if a.opts.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: a.opts.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: a.logger, Quiet: []string{"/health/live", "/health/ready", "/metrics"}}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production", NoStore: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", common.ReplayHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if a.opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{Checker: health.Deps{ERP: a.ERP, Redis: a.opts.Redis}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	onLimitErr := func(err error) { a.logger.Warn().Err(err).Msg("rate limiter unavailable") }
	checkoutHandler := &checkout.Handler{Svc: a.Checkout}
	webhookHandler := payment.WebhookHandler{Reconciler: a.Reconciler, MaxBody: cfg.BodyLimitBytes}
	idem := common.Idem{R: a.opts.Redis, TTL: cfg.IdempotencyTTL}
	authMiddleware := auth.Middleware{Verifier: auth.NewVerifier(cfg.AdminJWTSecret, cfg.AdminJWTIssuer)}
	incidentAdmin := &incident.AdminHandler{Store: a.Incidents.Store, Logger: a.logger}
	paymentAdmin := &payment.AdminHandler{Processor: a.Stripe, Reconciler: a.Reconciler, Logger: a.logger}

	r.Route("/api/v1", func(v chi.Router) {
		v.With(
			security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware,
			ratelimit.Handler{Limiter: a.checkoutLimiter, Key: ratelimit.ByClientIP(""), OnError: onLimitErr}.Middleware,
			idem.Middleware,
		).Post("/checkout/intent", checkoutHandler.CreateIntent)

		v.Post("/webhooks/payment", webhookHandler.Handle)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireRole)
			admin.Use(ratelimit.Handler{Limiter: a.adminLimiter, Key: ratelimit.ByClientIP(""), OnError: onLimitErr}.Middleware)
			admin.Get("/incidents", incidentAdmin.List)
			admin.Post("/incidents/{id}/resolve", incidentAdmin.Resolve)
			admin.Post("/payments/{intentID}/refulfill", paymentAdmin.Refulfill)
		})
	})
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// OpenRedis connects and instruments the Redis client.
func OpenRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// OpenDatabase migrates the incident schema and opens a traced pool.
func OpenDatabase(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if err := incident.Migrate(url); err != nil {
		return nil, fmt.Errorf("migrate incidents: %w", err)
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pos-fulfillment"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

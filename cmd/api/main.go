package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/app"
	"github.com/noah-isme/pos-fulfillment/internal/config"
	"github.com/noah-isme/pos-fulfillment/internal/health"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
	"github.com/noah-isme/pos-fulfillment/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Str("version", cfg.Obs.Version).Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		resilience.MustRegisterMetrics(nil)
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBucketsMs), nil)
	}

	tracingEnabled := cfg.Obs.TracingEnabled
	if tracingEnabled {
		flush, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "pos-fulfillment",
			ServiceVersion: cfg.Obs.Version,
			Exporter:       cfg.Obs.TracingExporter,
			Endpoint:       cfg.Obs.OTLPEndpoint,
			SamplingRatio:  cfg.Obs.SamplingRatio,
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			// degrade to untraced rather than refusing to take orders
			logger.Error().Err(err).Msg("tracing disabled")
			tracingEnabled = false
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := flush(ctx); err != nil {
					logger.Error().Err(err).Msg("flush spans")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	redisClient, err := app.OpenRedis(startCtx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var pool *pgxpool.Pool
	if cfg.IncidentsEnabled() {
		if pool, err = app.OpenDatabase(startCtx, cfg.DatabaseURL); err != nil {
			return err
		}
		defer pool.Close()
	} else {
		logger.Warn().Msg("DATABASE_URL not set; incidents are logged only")
	}

	application, err := app.New(app.Options{
		Config:         cfg,
		Logger:         logger,
		Redis:          redisClient,
		DB:             pool,
		HTTPMetrics:    httpMetrics,
		MetricsEnabled: cfg.Obs.MetricsEnabled,
		TracingEnabled: tracingEnabled,
	})
	if err != nil {
		return err
	}

	root := chi.NewRouter()
	if cfg.Obs.PprofEnabled {
		root.Mount("/debug/pprof", basicAuth(pprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}
	root.Mount("/", application.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// webhook handling waits on the ERP; keep well above ERP_TIMEOUT
		WriteTimeout: cfg.ERPTimeout*3 + 10*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// readiness fails first so the load balancer stops routing checkouts here
	health.SetReady(false)
	logger.Info().Dur("drain", cfg.Shutdown.Drain).Msg("draining")
	time.Sleep(cfg.Shutdown.Drain)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"goroutine", "heap", "mutex", "block"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

func basicAuth(next http.Handler, user, pass string) http.Handler {
	if user == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

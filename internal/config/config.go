package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64

	ERPURL         string
	ERPDatabase    string
	ERPUsername    string
	ERPAPIKey      string
	ERPPOSConfigID int64
	ERPTimeout     time.Duration

	StripeAPIBase       string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration
	StripeMaxAttempts   int

	Currency           string
	PaymentBrand       string
	RequireOpenSession bool

	WebhookTolerance    time.Duration
	WebhookProcessedTTL time.Duration
	FulfillmentLockTTL  time.Duration
	TaxCacheTTL         time.Duration
	IdempotencyTTL      time.Duration
	CheckoutRateLimit   string

	AdminJWTSecret string
	AdminJWTIssuer string

	CircuitFailureRatio float64
	CircuitMinRequests  int
	CircuitOpenFor      time.Duration

	Obs      Obs
	Shutdown Shutdown
}

// Obs holds the logging, metrics, tracing and profiling switches.
type Obs struct {
	LogFormat string
	LogLevel  string

	MetricsEnabled   bool
	MetricsNamespace string
	// MetricsBucketsMs is a comma-separated latency bucket list.
	MetricsBucketsMs string

	TracingEnabled  bool
	TracingExporter string
	OTLPEndpoint    string
	SamplingRatio   float64
	Version         string

	PprofEnabled bool
	PprofUser    string
	PprofPass    string
}

// Shutdown controls the drain sequence on SIGTERM.
type Shutdown struct {
	// Drain is how long /health/ready reports 503 before the listener closes.
	Drain   time.Duration
	Timeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     parseInt64(k.String("BODY_LIMIT_BYTES"), 1<<20),

		ERPURL:         strings.TrimRight(strings.TrimSpace(k.String("ERP_URL")), "/"),
		ERPDatabase:    strings.TrimSpace(k.String("ERP_DATABASE")),
		ERPUsername:    strings.TrimSpace(k.String("ERP_USERNAME")),
		ERPAPIKey:      k.String("ERP_API_KEY"),
		ERPPOSConfigID: parseInt64(k.String("ERP_POS_CONFIG_ID"), 0),
		ERPTimeout:     parseDuration(k.String("ERP_TIMEOUT"), "15s"),

		StripeAPIBase:       strings.TrimRight(valueOrDefault(k.String("STRIPE_API_BASE"), "https://api.stripe.com"), "/"),
		StripeSecretKey:     k.String("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: k.String("STRIPE_WEBHOOK_SECRET"),
		StripeTimeout:       parseDuration(k.String("STRIPE_TIMEOUT"), "10s"),
		StripeMaxAttempts:   int(parseInt64(k.String("STRIPE_MAX_ATTEMPTS"), 3)),

		Currency:           strings.ToLower(valueOrDefault(k.String("CURRENCY_CODE"), "usd")),
		PaymentBrand:       valueOrDefault(k.String("PAYMENT_BRAND"), "Stripe"),
		RequireOpenSession: parseBoolDefault(k.String("CHECKOUT_REQUIRE_OPEN_SESSION"), true),

		WebhookTolerance:    parseDuration(k.String("WEBHOOK_TOLERANCE"), "5m"),
		WebhookProcessedTTL: parseDuration(k.String("WEBHOOK_PROCESSED_TTL"), "72h"),
		FulfillmentLockTTL:  parseDuration(k.String("FULFILLMENT_LOCK_TTL"), "60s"),
		TaxCacheTTL:         parseDuration(k.String("TAX_CACHE_TTL"), "60s"),
		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CheckoutRateLimit:   valueOrDefault(k.String("CHECKOUT_RATE_LIMIT"), "30-M"),

		AdminJWTSecret: k.String("ADMIN_JWT_SECRET"),
		AdminJWTIssuer: strings.TrimSpace(k.String("ADMIN_JWT_ISSUER")),

		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitMinRequests:  int(parseInt64(k.String("CIRCUIT_MIN_REQUESTS"), 10)),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		Obs: Obs{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "posfulfillment"),
			MetricsBucketsMs: strings.TrimSpace(k.String("OBS_METRICS_BUCKETS_MS")),
			TracingEnabled:   parseBoolDefault(k.String("OBS_ENABLE_TRACING"), true),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
			Version:          valueOrDefault(k.String("APP_VERSION"), "dev"),
			PprofEnabled:     parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		},
		Shutdown: Shutdown{
			Drain:   parseDuration(k.String("SHUTDOWN_DRAIN"), "2s"),
			Timeout: parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		},
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.ERPURL == "" {
		return nil, errors.New("ERP_URL is required")
	}
	if cfg.ERPDatabase == "" {
		return nil, errors.New("ERP_DATABASE is required")
	}
	if cfg.ERPUsername == "" {
		return nil, errors.New("ERP_USERNAME is required")
	}
	if cfg.ERPAPIKey == "" {
		return nil, errors.New("ERP_API_KEY is required")
	}
	if cfg.StripeMaxAttempts < 1 {
		cfg.StripeMaxAttempts = 1
	}
	if cfg.Obs.PprofEnabled && cfg.Obs.PprofUser == "" && cfg.AppEnv == "production" {
		return nil, errors.New("SECURE_PPROF_BASIC_AUTH_USER is required to enable pprof in production")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IncidentsEnabled reports whether a database is configured for the incident log.
func (c *Config) IncidentsEnabled() bool {
	return c.DatabaseURL != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Command opsctl is the operator tool for the fulfillment pipeline: it issues
// admin tokens, re-runs fulfillment for a payment and lists open incidents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/app"
	"github.com/noah-isme/pos-fulfillment/internal/auth"
	"github.com/noah-isme/pos-fulfillment/internal/config"
	"github.com/noah-isme/pos-fulfillment/internal/incident"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
	"github.com/noah-isme/pos-fulfillment/internal/payment"
)

const usage = `usage: opsctl <command> [flags]

commands:
  token       issue an operator bearer token
  refulfill   re-run fulfillment for a succeeded payment intent
  incidents   list unresolved incidents`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger := obs.NewLogger(envOrDefault("OBS_LOG_FORMAT", "console"), envOrDefault("OBS_LOG_LEVEL", "info")).
		With().Str("component", "opsctl").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "refulfill":
		err = runRefulfill(ctx, logger, os.Args[2:])
	case "incidents":
		err = runIncidents(ctx, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "operator identity recorded on resolved incidents")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("token: -sub is required")
	}
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("token: ADMIN_JWT_SECRET is not set")
	}
	token, err := auth.Issue(secret, os.Getenv("ADMIN_JWT_ISSUER"), *subject, auth.RoleAdmin, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runRefulfill(ctx context.Context, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("refulfill", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("refulfill: exactly one payment intent id is required")
	}
	intentID := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.MustRegisterDomainMetrics("posfulfillment", nil)
	redisClient, err := app.OpenRedis(ctx, cfg.RedisURL, false, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	var pool *pgxpool.Pool
	if cfg.IncidentsEnabled() {
		if pool, err = app.OpenDatabase(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		defer pool.Close()
	}
	application, err := app.New(app.Options{Config: cfg, Logger: logger, Redis: redisClient, DB: pool})
	if err != nil {
		return err
	}

	intent, err := application.Stripe.RetrieveIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", intentID, err)
	}
	if intent.Status != "succeeded" {
		return fmt.Errorf("intent %s is %q, not succeeded", intentID, intent.Status)
	}
	out := application.Reconciler.ReconcileIntent(ctx, intent, "manual:opsctl")
	if err := printJSON(out); err != nil {
		return err
	}
	if out.State != payment.StateAcked {
		return fmt.Errorf("intent %s ended %s (%s)", intentID, out.State, out.Reason)
	}
	return nil
}

func runIncidents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("incidents", flag.ContinueOnError)
	kind := fs.String("kind", "", "filter by incident kind")
	ref := fs.String("ref", "", "filter by payment reference")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("incidents: DATABASE_URL is not set")
	}
	pool, err := app.OpenDatabase(ctx, dbURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	items, err := incident.NewStore(pool).List(ctx, incident.Filter{Kind: incident.Kind(*kind), PaymentRef: *ref}, *limit, 0)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

// Package credentials resolves payment processor keys at call time so they can
// rotate in the ERP without a redeploy.
package credentials

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/erp"
)

// ErrMissingSecret is returned when a required key is not configured anywhere.
var ErrMissingSecret = errors.New("credentials: secret not configured")

// Stripe holds the processor keys.
type Stripe struct {
	SecretKey      string
	WebhookSecret  string
	PublishableKey string
}

// Provider yields processor credentials. Implementations must not cache.
type Provider interface {
	Stripe(ctx context.Context) (Stripe, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Stripe, error)

// Stripe implements Provider.
func (f ProviderFunc) Stripe(ctx context.Context) (Stripe, error) { return f(ctx) }

// Static returns fixed credentials, typically from the environment.
type Static Stripe

// Stripe implements Provider.
func (s Static) Stripe(context.Context) (Stripe, error) { return Stripe(s), nil }

// ProviderConfigReader is the ERP capability used by ERPProvider.
type ProviderConfigReader interface {
	StripeProviderConfig(ctx context.Context) (erp.StripeConfig, error)
}

// ERPProvider reads the keys from the ERP's payment provider record.
type ERPProvider struct {
	ERP ProviderConfigReader
}

// Stripe implements Provider. A missing provider record yields empty values so
// that a Chain can fall through.
func (p ERPProvider) Stripe(ctx context.Context) (Stripe, error) {
	cfg, err := p.ERP.StripeProviderConfig(ctx)
	if err != nil {
		if errors.Is(err, erp.ErrNotFound) {
			return Stripe{}, nil
		}
		return Stripe{}, err
	}
	return Stripe{SecretKey: cfg.SecretKey, WebhookSecret: cfg.WebhookSecret, PublishableKey: cfg.PublishableKey}, nil
}

// Chain merges providers field by field; the first non-empty value wins.
type Chain struct {
	Providers []Provider
	Logger    zerolog.Logger
}

// Stripe implements Provider. On an upstream failure the merged fields are
// still returned alongside the error, so callers that need one field can use
// it when a later provider supplied it.
func (c Chain) Stripe(ctx context.Context) (Stripe, error) {
	var out Stripe
	var firstErr error
	for _, p := range c.Providers {
		creds, err := p.Stripe(ctx)
		if err != nil {
			c.Logger.Warn().Err(err).Msg("credential provider failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = merge(out, creds)
	}
	if firstErr != nil && (out.SecretKey == "" || out.WebhookSecret == "") {
		return out, firstErr
	}
	return out, nil
}

func merge(dst, src Stripe) Stripe {
	if dst.SecretKey == "" {
		dst.SecretKey = src.SecretKey
	}
	if dst.WebhookSecret == "" {
		dst.WebhookSecret = src.WebhookSecret
	}
	if dst.PublishableKey == "" {
		dst.PublishableKey = src.PublishableKey
	}
	return dst
}

// SecretKey returns the API secret or ErrMissingSecret. Provider errors only
// matter when no provider supplied the key.
func SecretKey(ctx context.Context, p Provider) (string, error) {
	creds, err := p.Stripe(ctx)
	return pick(creds.SecretKey, err)
}

// WebhookSecret returns the signing secret or ErrMissingSecret.
func WebhookSecret(ctx context.Context, p Provider) (string, error) {
	creds, err := p.Stripe(ctx)
	return pick(creds.WebhookSecret, err)
}

func pick(value string, err error) (string, error) {
	switch {
	case value != "":
		return value, nil
	case err != nil:
		return "", err
	default:
		return "", ErrMissingSecret
	}
}

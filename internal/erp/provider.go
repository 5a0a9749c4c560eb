package erp

import (
	"context"
	"fmt"
)

// StripeConfig holds processor credentials kept on the ERP's payment provider.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	PublishableKey string
}

// StripeProviderConfig reads the enabled Stripe payment provider.
func (c *Client) StripeProviderConfig(ctx context.Context) (StripeConfig, error) {
	records, err := c.searchRead(ctx, "payment.provider",
		[]any{[]any{"code", "=", "stripe"}, []any{"state", "!=", "disabled"}},
		[]string{"stripe_secret_key", "stripe_webhook_secret", "stripe_publishable_key", "state"}, 1, "id asc")
	if err != nil {
		return StripeConfig{}, err
	}
	if len(records) == 0 {
		return StripeConfig{}, fmt.Errorf("%w: payment.provider stripe", ErrNotFound)
	}
	rec := records[0]
	return StripeConfig{
		SecretKey:      rec.Str("stripe_secret_key"),
		WebhookSecret:  rec.Str("stripe_webhook_secret"),
		PublishableKey: rec.Str("stripe_publishable_key"),
	}, nil
}

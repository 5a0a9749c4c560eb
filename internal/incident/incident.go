// Package incident records fulfillment outcomes that need an operator:
// payloads that can never be processed, orders left for manual recovery and
// degraded finalizations.
package incident

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/obs"
)

// Kind classifies an incident.
type Kind string

const (
	// MetadataInvalid: the authorization carried no usable cart.
	MetadataInvalid Kind = "metadata_invalid"
	// ConfigMissing: a required secret or setting is absent.
	ConfigMissing Kind = "config_missing"
	// FulfillmentFailed: an order was created but could not be driven to completion.
	FulfillmentFailed Kind = "fulfillment_failed"
	// FinalizeDegraded: invoicing failed and the order was forced to done.
	FinalizeDegraded Kind = "finalize_degraded"
	// AmountMismatch: the recomputed total differs from the charged amount.
	AmountMismatch Kind = "amount_mismatch"
)

// Incident is one recorded condition.
type Incident struct {
	ID         uuid.UUID       `json:"id"`
	Kind       Kind            `json:"kind"`
	PaymentRef string          `json:"paymentRef,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	OrderID    int64           `json:"orderId,omitempty"`
	Detail     string          `json:"detail"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
}

const persistTimeout = 5 * time.Second

// Reporter logs, counts and, when a store is configured, persists incidents.
// Persistence failures are logged and never propagated.
type Reporter struct {
	Store  Store
	Logger zerolog.Logger
}

// Report records inc.
func (r Reporter) Report(ctx context.Context, inc Incident) {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	logger := obs.LoggerFrom(ctx, r.Logger)
	evt := logger.Error()
	if inc.Kind == FinalizeDegraded || inc.Kind == AmountMismatch {
		evt = logger.Warn()
	}
	evt.Str("incident_id", inc.ID.String()).
		Str("kind", string(inc.Kind)).
		Str("payment_ref", inc.PaymentRef).
		Str("event_id", inc.EventID).
		Int64("order_id", inc.OrderID).
		Bool("needs_operator", inc.Kind != FinalizeDegraded).
		Msg(inc.Detail)
	obs.IncCounter(obs.IncidentTotal, string(inc.Kind))

	if r.Store == nil {
		return
	}
	// incidents are often raised after the request that caused them was cancelled
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.Store.Insert(storeCtx, inc); err != nil {
		logger.Error().Err(err).Str("incident_id", inc.ID.String()).Msg("incident persist failed")
	}
}

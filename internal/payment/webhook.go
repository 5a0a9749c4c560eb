package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-fulfillment/internal/cartcodec"
	"github.com/noah-isme/pos-fulfillment/internal/common"
	"github.com/noah-isme/pos-fulfillment/internal/credentials"
	"github.com/noah-isme/pos-fulfillment/internal/currency"
	"github.com/noah-isme/pos-fulfillment/internal/fulfillment"
	"github.com/noah-isme/pos-fulfillment/internal/incident"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
)

// State is a step of webhook processing.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateVerified   State = "VERIFIED"
	StateDecoded    State = "DECODED"
	StateDispatched State = "DISPATCHED"
	StateAcked      State = "ACKED"
	StateRejected   State = "REJECTED"
)

// EventVerifier authenticates inbound events.
type EventVerifier interface {
	VerifyEvent(ctx context.Context, payload []byte, signatureHeader string) (Event, error)
}

// Fulfiller turns a confirmed payment into an order.
type Fulfiller interface {
	Fulfill(ctx context.Context, req fulfillment.Request) (fulfillment.Result, error)
}

// Outcome is the terminal result of one delivery.
type Outcome struct {
	State      State               `json:"state"`
	HTTPStatus int                 `json:"-"`
	EventID    string              `json:"eventId,omitempty"`
	EventType  string              `json:"eventType,omitempty"`
	PaymentRef string              `json:"paymentRef,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Order      *fulfillment.Result `json:"order,omitempty"`
}

// Reconciler verifies processor events and drives fulfillment.
type Reconciler struct {
	Verifier  EventVerifier
	Fulfiller Fulfiller
	Incidents incident.Reporter
	// Markers remembers acknowledged event ids; optional.
	Markers   redis.Cmdable
	MarkerTTL time.Duration
	Logger    zerolog.Logger
}

// HandleEvent runs one delivery through RECEIVED → VERIFIED → DECODED →
// DISPATCHED → ACKED, or to REJECTED.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) Outcome {
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.HandleEvent")
	defer span.End()
	logger := obs.LoggerFrom(ctx, r.Logger)

	evt, err := r.Verifier.VerifyEvent(ctx, payload, signatureHeader)
	if err != nil {
		out := r.verifyFailure(ctx, logger, err)
		span.SetAttributes(attribute.String("webhook.state", string(out.State)), attribute.String("webhook.reason", out.Reason))
		r.count("unknown", out)
		return out
	}
	span.SetAttributes(attribute.String("webhook.event_id", evt.ID), attribute.String("webhook.event_type", evt.Type))
	logger = logger.With().Str("event_id", evt.ID).Str("event_type", evt.Type).Logger()

	out := r.handleVerified(ctx, logger, evt)
	span.SetAttributes(attribute.String("webhook.state", string(out.State)), attribute.String("payment.ref", out.PaymentRef))
	r.count(evt.Type, out)
	return out
}

func (r *Reconciler) handleVerified(ctx context.Context, logger zerolog.Logger, evt Event) Outcome {
	base := Outcome{State: StateVerified, EventID: evt.ID, EventType: evt.Type}

	if evt.Type != EventPaymentSucceeded {
		logger.Info().Msg("webhook event ignored")
		return ack(base, "ignored")
	}
	if r.seen(ctx, logger, evt.ID) {
		logger.Info().Msg("webhook event already processed")
		return ack(base, "already_processed")
	}

	intent, err := evt.Intent()
	if err != nil {
		r.Incidents.Report(ctx, incident.Incident{Kind: incident.MetadataInvalid, EventID: evt.ID, Detail: err.Error(), Payload: evt.Data.Object})
		return reject(base, http.StatusOK, "malformed_intent")
	}
	out := r.ReconcileIntent(ctx, intent, evt.ID)
	if out.State == StateAcked {
		r.mark(ctx, logger, evt.ID)
	}
	return out
}

// ReconcileIntent decodes a succeeded authorization and dispatches it for
// fulfillment. It is shared by the webhook and manual recovery.
func (r *Reconciler) ReconcileIntent(ctx context.Context, intent Intent, eventID string) Outcome {
	logger := obs.LoggerFrom(ctx, r.Logger).With().Str("payment_ref", intent.ID).Str("event_id", eventID).Logger()
	out := Outcome{State: StateVerified, EventID: eventID, EventType: EventPaymentSucceeded, PaymentRef: intent.ID}

	meta := MetadataFrom(intent.Metadata)
	if strings.TrimSpace(meta.Cart) == "" {
		return r.rejectMetadata(ctx, logger, out, intent, "cart metadata missing")
	}
	lines, err := cartcodec.DecodeString(meta.Cart)
	if err != nil {
		return r.rejectMetadata(ctx, logger, out, intent, err.Error())
	}
	out.State = StateDecoded

	req := fulfillment.Request{
		PaymentRef: intent.ID,
		EventID:    eventID,
		Lines:      lines,
		Customer: fulfillment.Customer{
			Name:  meta.CustomerName,
			Email: firstNonEmpty(meta.CustomerEmail, intent.ReceiptEmail),
			Phone: meta.CustomerPhone,
		},
		Notes:     meta.Notes,
		OrderType: meta.OrderType,
		Amount:    currency.FromMinorUnit(intent.ChargedMinor(), intent.Currency),
		Currency:  intent.Currency,
	}
	out.State = StateDispatched
	res, err := r.Fulfiller.Fulfill(ctx, req)
	if err != nil {
		if errors.Is(err, fulfillment.ErrInvalidRequest) {
			return r.rejectMetadata(ctx, logger, out, intent, err.Error())
		}
		status := http.StatusInternalServerError
		reason := "fulfillment_failed"
		if errors.Is(err, fulfillment.ErrNoActiveSession) {
			status = http.StatusServiceUnavailable
			reason = "store_closed"
		}
		logger.Error().Err(err).Str("reason", reason).Msg("fulfillment failed; awaiting redelivery")
		out.HTTPStatus = status
		out.Reason = reason
		return out
	}
	logger.Info().Int64("order_id", res.OrderID).Str("pos_reference", res.POSReference).
		Bool("degraded", res.Degraded).Bool("duplicate", res.Duplicate).Msg("payment fulfilled")
	out.Order = &res
	return ack(out, "")
}

func (r *Reconciler) verifyFailure(ctx context.Context, logger zerolog.Logger, err error) Outcome {
	out := Outcome{State: StateRejected}
	switch {
	case errors.Is(err, credentials.ErrMissingSecret):
		r.Incidents.Report(ctx, incident.Incident{Kind: incident.ConfigMissing, Detail: "webhook signing secret is not configured"})
		out.HTTPStatus = http.StatusOK
		out.Reason = "config_missing"
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformedEvent):
		logger.Warn().Err(err).Msg("webhook rejected")
		out.HTTPStatus = http.StatusBadRequest
		out.Reason = "invalid_signature"
		if errors.Is(err, ErrMalformedEvent) {
			out.Reason = "malformed_event"
		}
	default:
		// credentials could not be fetched; let the processor retry
		logger.Error().Err(err).Msg("webhook verification unavailable")
		out.State = StateReceived
		out.HTTPStatus = http.StatusServiceUnavailable
		out.Reason = "verifier_unavailable"
	}
	return out
}

func (r *Reconciler) rejectMetadata(ctx context.Context, logger zerolog.Logger, out Outcome, intent Intent, detail string) Outcome {
	logger.Error().Bool("fatal", true).Str("detail", detail).Msg("payment metadata unusable; manual intervention required")
	r.Incidents.Report(ctx, incident.Incident{
		Kind:       incident.MetadataInvalid,
		PaymentRef: intent.ID,
		EventID:    out.EventID,
		Detail:     detail,
		Payload:    toJSON(intent.Metadata),
	})
	return reject(out, http.StatusOK, "metadata_invalid")
}

func (r *Reconciler) markerKey(eventID string) string {
	return "webhook:processed:" + eventID
}

func (r *Reconciler) seen(ctx context.Context, logger zerolog.Logger, eventID string) bool {
	if r.Markers == nil || eventID == "" {
		return false
	}
	n, err := r.Markers.Exists(ctx, r.markerKey(eventID)).Result()
	if err != nil {
		logger.Warn().Err(err).Msg("processed marker lookup failed")
		return false
	}
	return n > 0
}

func (r *Reconciler) mark(ctx context.Context, logger zerolog.Logger, eventID string) {
	if r.Markers == nil || eventID == "" {
		return
	}
	ttl := r.MarkerTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if err := r.Markers.Set(ctx, r.markerKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		logger.Warn().Err(err).Msg("processed marker write failed")
	}
}

func (r *Reconciler) count(eventType string, out Outcome) {
	result := strings.ToLower(string(out.State))
	if out.Reason != "" {
		result = result + ":" + out.Reason
	}
	obs.IncCounter(obs.PaymentWebhookTotal, eventType, result)
}

func ack(out Outcome, reason string) Outcome {
	out.State = StateAcked
	out.HTTPStatus = http.StatusOK
	out.Reason = reason
	return out
}

func reject(out Outcome, status int, reason string) Outcome {
	out.State = StateRejected
	out.HTTPStatus = status
	out.Reason = reason
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// WebhookHandler exposes the Reconciler over HTTP.
type WebhookHandler struct {
	Reconciler *Reconciler
	MaxBody    int64
	// Timeout bounds processing once the body is read; zero means two minutes.
	Timeout time.Duration
}

// Handle reads the raw body, hands it to the Reconciler and maps the outcome
// to the status the processor expects.
func (h WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil || h.Reconciler.Verifier == nil || h.Reconciler.Fulfiller == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		common.JSONError(w, http.StatusRequestEntityTooLarge, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	// the processor may hang up on its own timeout; processing still runs to the end
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	out := h.Reconciler.HandleEvent(ctx, body, r.Header.Get(SignatureHeader))
	switch {
	case out.HTTPStatus >= 500:
		common.JSONError(w, out.HTTPStatus, strings.ToUpper(out.Reason), fmt.Sprintf("event %s not processed", out.EventID), nil)
	case out.HTTPStatus >= 400:
		common.JSONError(w, out.HTTPStatus, strings.ToUpper(out.Reason), "webhook rejected", nil)
	default:
		common.JSON(w, http.StatusOK, map[string]any{"received": true, "state": out.State, "reason": out.Reason})
	}
}

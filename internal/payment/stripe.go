package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-fulfillment/internal/credentials"
	"github.com/noah-isme/pos-fulfillment/internal/resilience"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// APIError is an error response from the processor.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment: processor %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("payment: processor %d: %s", e.StatusCode, e.Message)
}

// Stripe implements Processor against the Stripe REST API. Keys are fetched
// from Credentials on every call.
type Stripe struct {
	BaseURL     string
	Credentials credentials.Provider
	HTTP        resilience.HTTPClient
	Tolerance   time.Duration
	Now         func() time.Time
}

// CreateIntent opens an authorization. The request carries an idempotency key
// so the transport may retry it.
func (s Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.CreateIntent")
	defer span.End()
	if req.Amount <= 0 {
		return Intent{}, errors.New("payment: amount must be positive")
	}
	key, err := credentials.SecretKey(ctx, s.Credentials)
	if err != nil {
		return Intent{}, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.CustomerRef != "" {
		form.Set("customer", req.CustomerRef)
	}
	if req.ReceiptEmail != "" {
		form.Set("receipt_email", req.ReceiptEmail)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}

	idem := req.IdempotencyKey
	if idem == "" {
		idem = uuid.NewString()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/v1/payment_intents"), strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", idem)

	var intent Intent
	if err := s.do(ctx, httpReq, key, &intent); err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	span.SetAttributes(attribute.String("payment.intent.id", intent.ID), attribute.Int64("payment.amount", intent.Amount))
	return intent, nil
}

// RetrieveIntent fetches an authorization by id.
func (s Stripe) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	ctx, span := otel.Tracer("payment.Stripe").Start(ctx, "Stripe.RetrieveIntent")
	defer span.End()
	id = strings.TrimSpace(id)
	if id == "" {
		return Intent{}, errors.New("payment: intent id is required")
	}
	key, err := credentials.SecretKey(ctx, s.Credentials)
	if err != nil {
		return Intent{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/v1/payment_intents/"+url.PathEscape(id)), nil)
	if err != nil {
		return Intent{}, err
	}
	var intent Intent
	if err := s.do(ctx, httpReq, key, &intent); err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	return intent, nil
}

// VerifyEvent checks the signature header against the raw payload and decodes
// the event. Missing secrets surface as credentials.ErrMissingSecret.
func (s Stripe) VerifyEvent(ctx context.Context, payload []byte, header string) (Event, error) {
	secret, err := credentials.WebhookSecret(ctx, s.Credentials)
	if err != nil {
		return Event{}, err
	}
	if err := VerifySignature(payload, header, secret, s.Tolerance, s.now()); err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return Event{}, ErrMalformedEvent
	}
	return evt, nil
}

// VerifySignature validates a "t=<unix>,v1=<hex>" header. Any v1 entry may
// match, which allows secret rotation on the processor side.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return credentials.ErrMissingSecret
	}
	var (
		ts         int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if ts == 0 || len(signatures) == 0 {
		return fmt.Errorf("%w: header incomplete", ErrInvalidSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	expected := []byte(Sign(payload, secret, ts))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign returns the hex signature for payload at ts.
func Sign(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a header for payload, used by tests and tools.
func SignatureHeaderValue(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), Sign(payload, secret, ts.Unix()))
}

func (s Stripe) do(ctx context.Context, req *http.Request, key string, out any) error {
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("payment: processor request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment: read processor response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(bytes.NewReader(body)).Decode(&envelope)
		apiErr := envelope.Error
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("payment: decode processor response: %w", err)
	}
	return nil
}

func (s Stripe) endpoint(path string) string {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	return base + path
}

func (s Stripe) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

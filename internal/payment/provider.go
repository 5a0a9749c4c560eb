package payment

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidSignature is returned when an event fails signature checks.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrMalformedEvent is returned for signed payloads that are not events.
	ErrMalformedEvent = errors.New("payment: malformed event payload")
)

// EventPaymentSucceeded is the only event type that triggers fulfillment.
const EventPaymentSucceeded = "payment_intent.succeeded"

// IntentRequest is an authorization to open with the processor.
type IntentRequest struct {
	Amount         int64
	Currency       string
	CustomerRef    string
	ReceiptEmail   string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of an authorization.
type Intent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	ClientSecret   string            `json:"client_secret,omitempty"`
	Customer       string            `json:"customer,omitempty"`
	ReceiptEmail   string            `json:"receipt_email,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	Created        int64             `json:"created"`
}

// ChargedMinor returns the captured amount in minor units.
func (i Intent) ChargedMinor() int64 {
	if i.AmountReceived > 0 {
		return i.AmountReceived
	}
	return i.Amount
}

// Event is a verified processor notification.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Intent decodes the event's object as an authorization.
func (e Event) Intent() (Intent, error) {
	var intent Intent
	if len(e.Data.Object) == 0 {
		return Intent{}, ErrMalformedEvent
	}
	if err := json.Unmarshal(e.Data.Object, &intent); err != nil {
		return Intent{}, errors.Join(ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return Intent{}, ErrMalformedEvent
	}
	return intent, nil
}

// Processor abstracts the operations required from the payment processor.
type Processor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	VerifyEvent(ctx context.Context, payload []byte, signatureHeader string) (Event, error)
}

package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-fulfillment/internal/cartcodec"
	"github.com/noah-isme/pos-fulfillment/internal/common"
	"github.com/noah-isme/pos-fulfillment/internal/credentials"
	"github.com/noah-isme/pos-fulfillment/internal/currency"
	"github.com/noah-isme/pos-fulfillment/internal/erp"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
	"github.com/noah-isme/pos-fulfillment/internal/payment"
	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

// ErrStoreClosed is returned when no POS session is open.
var ErrStoreClosed = errors.New("checkout: store is closed")

// SessionChecker reports whether the store can take orders.
type SessionChecker interface {
	OpenSession(ctx context.Context, configID int64) (erp.Session, error)
}

// IntentCreator creates charge authorizations at the processor.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error)
}

type Customer struct {
	Name  string `json:"name" validate:"max=120"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"max=40"`
}

type Input struct {
	Items       []cartcodec.Item `json:"items" validate:"required,min=1,dive"`
	Customer    Customer         `json:"customer"`
	OrderType   string           `json:"orderType" validate:"omitempty,oneof=dine_in takeaway delivery"`
	Notes       string           `json:"notes" validate:"max=2000"`
	CustomerRef string           `json:"customerRef" validate:"max=255"`
}

type Output struct {
	PaymentIntentID string                  `json:"paymentIntentId"`
	ClientSecret    string                  `json:"clientSecret"`
	Amount          int64                   `json:"amount"`
	Currency        string                  `json:"currency"`
	AmountTotal     decimal.Decimal         `json:"amountTotal"`
	AmountTax       decimal.Decimal         `json:"amountTax"`
	Lines           []pricing.BreakdownLine `json:"lines"`
}

// Service prices a cart and opens a charge authorization for it.
type Service struct {
	Sessions  SessionChecker
	Catalog   pricing.ProductTaxLookup
	Processor IntentCreator
	Validate  *validator.Validate
	Currency  string
	// POSConfigID narrows the open-session check; 0 accepts any register.
	POSConfigID        int64
	RequireOpenSession bool
	Logger             zerolog.Logger
}

// Create validates the cart, recomputes its total from the catalog and asks the
// processor for an authorization carrying the encoded cart. idemKey is passed
// through so a client retry never opens a second authorization.
func (s *Service) Create(ctx context.Context, in Input, idemKey string) (out Output, err error) {
	if s == nil || s.Catalog == nil || s.Processor == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "Service.Create")
	defer span.End()
	cur := strings.ToLower(s.Currency)
	if cur == "" {
		cur = "usd"
	}
	defer func() {
		obs.IncCounter(obs.PaymentIntentTotal, cur, resultLabel(err))
		if err != nil {
			span.RecordError(err)
		}
	}()

	if err := s.validate(in); err != nil {
		return Output{}, err
	}
	if err := s.checkOpen(ctx); err != nil {
		return Output{}, err
	}

	_, encoded, err := cartcodec.Encode(in.Items)
	if err != nil {
		var tooLarge *cartcodec.PayloadTooLargeError
		if errors.As(err, &tooLarge) {
			return Output{}, common.NewAppError("CART_TOO_LARGE", "cart is too large to authorize; split the order", http.StatusUnprocessableEntity, err).
				WithDetails(map[string]any{"size": tooLarge.Size, "limit": cartcodec.MaxBytes})
		}
		return Output{}, err
	}
	// price what the webhook will decode, not the raw request
	lines, err := cartcodec.DecodeString(string(encoded))
	if err != nil {
		return Output{}, common.NewAppError("INVALID_CART", "cart could not be encoded", http.StatusUnprocessableEntity, err)
	}
	breakdown, err := pricing.Compute(ctx, lines, s.Catalog)
	if err != nil {
		var upstream *pricing.UpstreamLookupError
		if errors.As(err, &upstream) {
			return Output{}, common.NewAppError("CATALOG_UNAVAILABLE", "unable to price cart", http.StatusBadGateway, err)
		}
		return Output{}, common.NewAppError("INVALID_CART", err.Error(), http.StatusUnprocessableEntity, err)
	}
	minor := currency.ToMinorUnit(breakdown.AmountTotal, cur)
	if minor <= 0 {
		return Output{}, common.NewAppError("INVALID_CART", "cart total must be positive", http.StatusUnprocessableEntity, nil)
	}
	span.SetAttributes(attribute.Int64("checkout.amount_minor", minor), attribute.String("checkout.currency", cur))

	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	intent, err := s.Processor.CreateIntent(ctx, payment.IntentRequest{
		Amount:       minor,
		Currency:     cur,
		CustomerRef:  in.CustomerRef,
		ReceiptEmail: strings.TrimSpace(in.Customer.Email),
		Description:  fmt.Sprintf("Order of %d item(s)", len(in.Items)),
		Metadata: payment.Metadata{
			Cart:          string(encoded),
			CustomerName:  in.Customer.Name,
			CustomerEmail: in.Customer.Email,
			CustomerPhone: in.Customer.Phone,
			OrderType:     in.OrderType,
			Notes:         in.Notes,
		}.Values(),
		IdempotencyKey: "checkout:" + idemKey,
	})
	if err != nil {
		return Output{}, processorError(err)
	}
	logger := obs.LoggerFrom(ctx, s.Logger)
	logger.Info().Str("payment_ref", intent.ID).Int64("amount", minor).
		Str("currency", cur).Int("encoded_bytes", len(encoded)).Msg("payment authorization created")

	return Output{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          minor,
		Currency:        cur,
		AmountTotal:     breakdown.AmountTotal,
		AmountTax:       breakdown.AmountTax,
		Lines:           breakdown.Lines,
	}, nil
}

func (s *Service) validate(in Input) error {
	v := s.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			return common.NewAppError("VALIDATION_FAILED", "invalid checkout request", http.StatusUnprocessableEntity, err).WithDetails(fields)
		}
		return common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	}
	return nil
}

func (s *Service) checkOpen(ctx context.Context) error {
	if !s.RequireOpenSession || s.Sessions == nil {
		return nil
	}
	if _, err := s.Sessions.OpenSession(ctx, s.POSConfigID); err != nil {
		if errors.Is(err, erp.ErrNotFound) {
			return common.NewAppError("STORE_CLOSED", "the store is not taking orders right now", http.StatusConflict, ErrStoreClosed)
		}
		return common.NewAppError("ERP_UNAVAILABLE", "unable to check store status", http.StatusBadGateway, err)
	}
	return nil
}

func processorError(err error) error {
	if errors.Is(err, credentials.ErrMissingSecret) {
		return common.NewAppError("PAYMENT_NOT_CONFIGURED", "payments are not configured", http.StatusServiceUnavailable, err)
	}
	var apiErr *payment.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return common.NewAppError("PAYMENT_REJECTED", apiErr.Message, http.StatusUnprocessableEntity, err).
			WithDetails(map[string]any{"code": apiErr.Code, "type": apiErr.Type})
	}
	return common.NewAppError("PAYMENT_UNAVAILABLE", "payment processor unavailable", http.StatusBadGateway, err)
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if appErr, ok := common.AsAppError(err); ok {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}

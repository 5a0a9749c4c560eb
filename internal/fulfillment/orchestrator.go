// Package fulfillment turns a confirmed payment into a finalized ERP order.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pos-fulfillment/internal/erp"
	"github.com/noah-isme/pos-fulfillment/internal/incident"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

var (
	// ErrNoActiveSession means no point-of-sale session is open (store closed).
	ErrNoActiveSession = errors.New("fulfillment: no open point-of-sale session")
	// ErrNoPaymentMethod means the session's configuration has no usable method.
	ErrNoPaymentMethod = errors.New("fulfillment: no payment method configured")
	// ErrOrderCreation wraps failures from order creation onwards.
	ErrOrderCreation = errors.New("fulfillment: order creation failed")
	// ErrInvalidRequest is returned for requests that can never be fulfilled.
	ErrInvalidRequest = errors.New("fulfillment: invalid request")
)

// DefaultTimeout bounds one Fulfill call once it has been detached from the caller.
const DefaultTimeout = 2 * time.Minute

// ERP is the subset of the ERP client the orchestrator drives.
type ERP interface {
	OpenSession(ctx context.Context, configID int64) (erp.Session, error)
	PaymentMethods(ctx context.Context, configID int64) ([]erp.PaymentMethod, error)
	FindPartnerByEmail(ctx context.Context, email string) (erp.Partner, error)
	CreatePartner(ctx context.Context, p erp.Partner) (erp.Partner, error)
	FindOrderByPaymentRef(ctx context.Context, ref string) (erp.Order, error)
	CreateOrder(ctx context.Context, in erp.OrderInput) (int64, error)
	AddPayment(ctx context.Context, in erp.PaymentInput) (int64, error)
	MarkPaid(ctx context.Context, orderID int64) error
	Invoice(ctx context.Context, orderID int64) error
	ForceDone(ctx context.Context, orderID int64) error
	ReadOrder(ctx context.Context, orderID int64) (erp.Order, error)
}

// Locker serializes work per payment reference.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// Customer holds the contact fields captured at checkout.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Request is one confirmed payment to fulfill.
type Request struct {
	PaymentRef string
	EventID    string
	Lines      []pricing.CartLine
	Customer   Customer
	Notes      string
	OrderType  string
	// Amount is the charged amount in major units; zero means unknown.
	Amount   decimal.Decimal
	Currency string
}

// Result describes the fulfilled order.
type Result struct {
	OrderID      int64          `json:"orderId"`
	Name         string         `json:"name"`
	POSReference string         `json:"posReference"`
	State        erp.OrderState `json:"state"`
	Degraded     bool           `json:"degraded"`
	Duplicate    bool           `json:"duplicate"`
	Resumed      bool           `json:"resumed"`
}

// Orchestrator runs the fulfillment steps against the ERP. Steps are never
// retried within one call; redelivery of the payment event is the retry.
type Orchestrator struct {
	ERP          ERP
	Catalog      pricing.ProductTaxLookup
	Locker       Locker
	Incidents    incident.Reporter
	PaymentBrand string
	POSConfigID  int64
	// Timeout bounds a whole Fulfill call; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Fulfill creates, settles and finalizes the order for req, or resumes the
// order already stamped with req.PaymentRef.
func (o *Orchestrator) Fulfill(ctx context.Context, req Request) (Result, error) {
	if o == nil || o.ERP == nil || o.Catalog == nil {
		return Result{}, errors.New("fulfillment: orchestrator not configured")
	}
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	if req.PaymentRef == "" {
		return Result{}, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return Result{}, fmt.Errorf("%w: no cart lines", ErrInvalidRequest)
	}

	// a half-created order must not be abandoned because the caller went away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout())
	defer cancel()

	ctx, span := otel.Tracer("fulfillment.Orchestrator").Start(ctx, "Orchestrator.Fulfill")
	defer span.End()
	span.SetAttributes(attribute.String("payment.ref", req.PaymentRef), attribute.Int("cart.lines", len(req.Lines)))

	var res Result
	run := func(ctx context.Context) error {
		var err error
		res, err = o.fulfill(ctx, req)
		return err
	}
	var err error
	if o.Locker != nil {
		err = o.Locker.WithLock(ctx, req.PaymentRef, run)
	} else {
		err = run(ctx)
	}

	outcome := resultLabel(res, err)
	obs.IncCounter(obs.FulfillmentTotal, outcome)
	span.SetAttributes(attribute.String("fulfillment.result", outcome), attribute.Int64("order.id", res.OrderID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) fulfill(ctx context.Context, req Request) (Result, error) {
	logger := o.logger(ctx).With().Str("payment_ref", req.PaymentRef).Logger()

	var existing erp.Order
	err := o.step(ctx, "dedupe", func(ctx context.Context) error {
		var err error
		existing, err = o.ERP.FindOrderByPaymentRef(ctx, req.PaymentRef)
		return err
	})
	switch {
	case err == nil:
		return o.resume(ctx, logger, req, existing)
	case !errors.Is(err, erp.ErrNotFound):
		return Result{}, fmt.Errorf("fulfillment: lookup order by payment ref: %w", err)
	}

	session, err := o.openSession(ctx)
	if err != nil {
		return Result{}, err
	}
	method, err := o.resolveMethod(ctx, logger, session.ConfigID)
	if err != nil {
		return Result{}, err
	}
	partner, err := o.resolvePartner(ctx, req.Customer)
	if err != nil {
		return Result{}, err
	}

	var breakdown pricing.Breakdown
	if err := o.step(ctx, "compute", func(ctx context.Context) error {
		var err error
		breakdown, err = pricing.Compute(ctx, req.Lines, o.Catalog)
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("fulfillment: compute breakdown: %w", err)
	}
	o.checkAmount(ctx, req, breakdown)

	var orderID int64
	if err := o.step(ctx, "create_order", func(ctx context.Context) error {
		var err error
		orderID, err = o.ERP.CreateOrder(ctx, erp.OrderInput{
			SessionID:  session.ID,
			PartnerID:  partner.ID,
			PaymentRef: req.PaymentRef,
			Note:       orderNote(req),
			Breakdown:  breakdown,
		})
		return err
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrOrderCreation, err)
	}
	logger = logger.With().Int64("order_id", orderID).Logger()
	logger.Info().Int64("session_id", session.ID).Int64("partner_id", partner.ID).Str("amount_total", breakdown.AmountTotal.StringFixed(2)).Msg("draft order created")

	if err := o.settle(ctx, req, orderID, method.ID, chargedAmount(req, breakdown)); err != nil {
		return Result{}, o.abandon(ctx, req, orderID, "attach settlement", err)
	}
	if err := o.step(ctx, "mark_paid", func(ctx context.Context) error { return o.ERP.MarkPaid(ctx, orderID) }); err != nil {
		return Result{}, o.abandon(ctx, req, orderID, "mark paid", err)
	}
	degraded, err := o.finalize(ctx, logger, req, orderID)
	if err != nil {
		return Result{}, o.abandon(ctx, req, orderID, "finalize", err)
	}
	return o.readBack(ctx, orderID, Result{Degraded: degraded})
}

// resume drives an order created by an earlier delivery to completion.
func (o *Orchestrator) resume(ctx context.Context, logger zerolog.Logger, req Request, order erp.Order) (Result, error) {
	logger = logger.With().Int64("order_id", order.ID).Str("state", string(order.State)).Logger()
	if order.State.Finalized() {
		logger.Info().Msg("order already fulfilled for payment")
		return Result{
			OrderID:      order.ID,
			Name:         order.Name,
			POSReference: order.POSReference,
			State:        order.State,
			Duplicate:    true,
		}, nil
	}
	if order.State == erp.OrderCancel {
		return Result{}, fmt.Errorf("%w: order %d for payment %s is cancelled", ErrOrderCreation, order.ID, req.PaymentRef)
	}
	logger.Warn().Msg("resuming partially fulfilled order")

	if len(order.PaymentIDs) == 0 {
		configID := o.POSConfigID
		if session, err := o.openSession(ctx); err == nil {
			configID = session.ConfigID
		} else if configID == 0 {
			return Result{}, err
		}
		method, err := o.resolveMethod(ctx, logger, configID)
		if err != nil {
			return Result{}, err
		}
		amount := req.Amount
		if !amount.IsPositive() {
			breakdown, err := pricing.Compute(ctx, req.Lines, o.Catalog)
			if err != nil {
				return Result{}, fmt.Errorf("fulfillment: compute breakdown: %w", err)
			}
			amount = breakdown.AmountTotal
		}
		if err := o.settle(ctx, req, order.ID, method.ID, amount); err != nil {
			return Result{}, o.abandon(ctx, req, order.ID, "attach settlement", err)
		}
	}
	if order.State == erp.OrderDraft {
		if err := o.step(ctx, "mark_paid", func(ctx context.Context) error { return o.ERP.MarkPaid(ctx, order.ID) }); err != nil {
			return Result{}, o.abandon(ctx, req, order.ID, "mark paid", err)
		}
	}
	degraded, err := o.finalize(ctx, logger, req, order.ID)
	if err != nil {
		return Result{}, o.abandon(ctx, req, order.ID, "finalize", err)
	}
	return o.readBack(ctx, order.ID, Result{Degraded: degraded, Resumed: true})
}

func (o *Orchestrator) openSession(ctx context.Context) (erp.Session, error) {
	var session erp.Session
	err := o.step(ctx, "open_session", func(ctx context.Context) error {
		var err error
		session, err = o.ERP.OpenSession(ctx, o.POSConfigID)
		return err
	})
	if errors.Is(err, erp.ErrNotFound) {
		return erp.Session{}, ErrNoActiveSession
	}
	if err != nil {
		return erp.Session{}, fmt.Errorf("fulfillment: open session: %w", err)
	}
	return session, nil
}

func (o *Orchestrator) resolveMethod(ctx context.Context, logger zerolog.Logger, configID int64) (erp.PaymentMethod, error) {
	var methods []erp.PaymentMethod
	err := o.step(ctx, "payment_method", func(ctx context.Context) error {
		var err error
		methods, err = o.ERP.PaymentMethods(ctx, configID)
		return err
	})
	if errors.Is(err, erp.ErrNotFound) {
		return erp.PaymentMethod{}, ErrNoPaymentMethod
	}
	if err != nil {
		return erp.PaymentMethod{}, fmt.Errorf("fulfillment: payment methods: %w", err)
	}
	method, strategy, err := pickMethod(methods, o.PaymentBrand)
	if err != nil {
		return erp.PaymentMethod{}, err
	}
	evt := logger.Debug()
	if strategy != "brand" {
		evt = logger.Warn()
	}
	evt.Int64("payment_method_id", method.ID).Str("payment_method", method.Name).Str("strategy", strategy).Msg("payment method resolved")
	return method, nil
}

// resolvePartner looks the customer up before creating one so that repeated
// attempts land on the same record.
func (o *Orchestrator) resolvePartner(ctx context.Context, c Customer) (erp.Partner, error) {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return erp.Partner{}, nil
	}
	var partner erp.Partner
	err := o.step(ctx, "partner", func(ctx context.Context) error {
		var err error
		partner, err = o.ERP.FindPartnerByEmail(ctx, email)
		if errors.Is(err, erp.ErrNotFound) {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				name = email
			}
			partner, err = o.ERP.CreatePartner(ctx, erp.Partner{Name: name, Email: email, Phone: strings.TrimSpace(c.Phone)})
		}
		return err
	})
	if err != nil {
		return erp.Partner{}, fmt.Errorf("fulfillment: resolve partner: %w", err)
	}
	return partner, nil
}

func (o *Orchestrator) settle(ctx context.Context, req Request, orderID, methodID int64, amount decimal.Decimal) error {
	return o.step(ctx, "settlement", func(ctx context.Context) error {
		_, err := o.ERP.AddPayment(ctx, erp.PaymentInput{
			OrderID:       orderID,
			MethodID:      methodID,
			Amount:        amount,
			TransactionID: req.PaymentRef,
		})
		return err
	})
}

// finalize walks finalizeChain and reports whether the degraded path was used.
func (o *Orchestrator) finalize(ctx context.Context, logger zerolog.Logger, req Request, orderID int64) (bool, error) {
	var errs []error
	for _, s := range finalizeChain {
		err := o.step(ctx, s.name, func(ctx context.Context) error { return s.run(ctx, o.ERP, orderID) })
		if err == nil {
			if s.degraded {
				o.Incidents.Report(ctx, incident.Incident{
					Kind:       incident.FinalizeDegraded,
					PaymentRef: req.PaymentRef,
					EventID:    req.EventID,
					OrderID:    orderID,
					Detail:     fmt.Sprintf("order finalized via %s: %v", s.name, errors.Join(errs...)),
				})
			}
			return s.degraded, nil
		}
		logger.Warn().Err(err).Str("strategy", s.name).Msg("finalize step failed")
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return false, errors.Join(errs...)
}

func (o *Orchestrator) readBack(ctx context.Context, orderID int64, res Result) (Result, error) {
	var order erp.Order
	err := o.step(ctx, "read_back", func(ctx context.Context) error {
		var err error
		order, err = o.ERP.ReadOrder(ctx, orderID)
		return err
	})
	res.OrderID = orderID
	if err != nil {
		// the order exists and is settled; a failed read only loses presentation fields
		logger := o.logger(ctx)
		logger.Warn().Err(err).Int64("order_id", orderID).Msg("order read back failed")
		return res, nil
	}
	res.Name = order.Name
	res.POSReference = order.POSReference
	res.State = order.State
	return res, nil
}

// abandon records an order left in a partial state and returns the error that
// makes the processor redeliver.
func (o *Orchestrator) abandon(ctx context.Context, req Request, orderID int64, stage string, err error) error {
	o.Incidents.Report(ctx, incident.Incident{
		Kind:       incident.FulfillmentFailed,
		PaymentRef: req.PaymentRef,
		EventID:    req.EventID,
		OrderID:    orderID,
		Detail:     fmt.Sprintf("%s failed: %v", stage, err),
	})
	return fmt.Errorf("%w: order %d %s: %w", ErrOrderCreation, orderID, stage, err)
}

// checkAmount flags carts whose recomputed total drifted from what was charged
// by more than one cent per line.
func (o *Orchestrator) checkAmount(ctx context.Context, req Request, b pricing.Breakdown) {
	if !req.Amount.IsPositive() {
		return
	}
	tolerance := decimal.New(int64(len(b.Lines)), -2)
	diff := b.AmountTotal.Sub(req.Amount).Abs()
	if diff.LessThanOrEqual(tolerance) {
		return
	}
	o.Incidents.Report(ctx, incident.Incident{
		Kind:       incident.AmountMismatch,
		PaymentRef: req.PaymentRef,
		EventID:    req.EventID,
		Detail: fmt.Sprintf("recomputed total %s differs from charged %s %s",
			b.AmountTotal.StringFixed(2), req.Amount.StringFixed(2), strings.ToUpper(req.Currency)),
	})
}

func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("fulfillment.Orchestrator").Start(ctx, "fulfillment."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	obs.ObserveStep(name, start, err)
	if err != nil && !errors.Is(err, erp.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o *Orchestrator) logger(ctx context.Context) zerolog.Logger {
	return obs.LoggerFrom(ctx, o.Logger)
}

func chargedAmount(req Request, b pricing.Breakdown) decimal.Decimal {
	if req.Amount.IsPositive() {
		return req.Amount
	}
	return b.AmountTotal
}

func orderNote(req Request) string {
	var parts []string
	if t := strings.TrimSpace(req.OrderType); t != "" {
		parts = append(parts, "Order type: "+t)
	}
	if p := strings.TrimSpace(req.Customer.Phone); p != "" {
		parts = append(parts, "Phone: "+p)
	}
	if n := strings.TrimSpace(req.Notes); n != "" {
		parts = append(parts, n)
	}
	return strings.Join(parts, "\n")
}

func resultLabel(res Result, err error) string {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		return "store_closed"
	case errors.Is(err, ErrNoPaymentMethod):
		return "no_payment_method"
	case errors.Is(err, ErrOrderCreation):
		return "order_error"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case err != nil:
		return "error"
	case res.Duplicate:
		return "duplicate"
	case res.Degraded:
		return "degraded"
	case res.Resumed:
		return "resumed"
	default:
		return "success"
	}
}

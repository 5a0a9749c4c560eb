package fulfillment

import (
	"context"
	"strings"

	"github.com/noah-isme/pos-fulfillment/internal/erp"
)

type methodStrategy struct {
	name string
	pick func(methods []erp.PaymentMethod, brand string) (erp.PaymentMethod, bool)
}

// methodChain is evaluated in order; the first strategy that yields a method wins.
var methodChain = []methodStrategy{
	{name: "brand", pick: func(methods []erp.PaymentMethod, brand string) (erp.PaymentMethod, bool) {
		brand = strings.ToLower(strings.TrimSpace(brand))
		if brand == "" {
			return erp.PaymentMethod{}, false
		}
		for _, m := range methods {
			if !m.IsOnline && strings.Contains(strings.ToLower(m.Name), brand) {
				return m, true
			}
		}
		return erp.PaymentMethod{}, false
	}},
	{name: "non_cash", pick: func(methods []erp.PaymentMethod, _ string) (erp.PaymentMethod, bool) {
		for _, m := range methods {
			if !m.IsCash && !m.IsOnline {
				return m, true
			}
		}
		return erp.PaymentMethod{}, false
	}},
	{name: "any", pick: func(methods []erp.PaymentMethod, _ string) (erp.PaymentMethod, bool) {
		if len(methods) == 0 {
			return erp.PaymentMethod{}, false
		}
		return methods[0], true
	}},
}

// pickMethod returns the resolved method and the strategy that produced it.
func pickMethod(methods []erp.PaymentMethod, brand string) (erp.PaymentMethod, string, error) {
	for _, s := range methodChain {
		if m, ok := s.pick(methods, brand); ok {
			return m, s.name, nil
		}
	}
	return erp.PaymentMethod{}, "", ErrNoPaymentMethod
}

type finalizeStrategy struct {
	name     string
	degraded bool
	run      func(ctx context.Context, e ERP, orderID int64) error
}

// finalizeChain drives a paid order to a terminal state. Forcing done is the
// degraded path for orders the ERP refuses to invoice.
var finalizeChain = []finalizeStrategy{
	{name: "invoice", run: func(ctx context.Context, e ERP, orderID int64) error {
		return e.Invoice(ctx, orderID)
	}},
	{name: "force_done", degraded: true, run: func(ctx context.Context, e ERP, orderID int64) error {
		return e.ForceDone(ctx, orderID)
	}},
}

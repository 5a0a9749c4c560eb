package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-fulfillment/internal/pricing"
	"github.com/noah-isme/pos-fulfillment/internal/resilience"
)

type rpcCall struct {
	UID    int64
	Model  string
	Method string
	Args   []any
	Kwargs map[string]any
}

type fakeERP struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []rpcCall
	handlers map[string]func(rpcCall) (any, *RemoteError)
}

func newFakeERP(t *testing.T) (*fakeERP, *Client) {
	f := &fakeERP{t: t, handlers: map[string]func(rpcCall) (any, *RemoteError){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	client := New(Options{
		URL:      srv.URL,
		Database: "shop",
		Username: "bot",
		APIKey:   "secret",
		HTTP:     resilience.HTTPClient{Client: srv.Client(), Target: "erp-test"},
		Logger:   zerolog.Nop(),
	})
	return f, client
}

func (f *fakeERP) on(key string, fn func(rpcCall) (any, *RemoteError)) {
	f.handlers[key] = fn
}

func (f *fakeERP) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64 `json:"id"`
		Params struct {
			Service string `json:"service"`
			Method  string `json:"method"`
			Args    []any  `json:"args"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var call rpcCall
	switch req.Params.Service {
	case "common":
		call = rpcCall{Method: req.Params.Method}
	default:
		args := req.Params.Args
		uid, _ := args[1].(float64)
		call = rpcCall{UID: int64(uid), Model: args[3].(string), Method: args[4].(string)}
		call.Args, _ = args[5].([]any)
		call.Kwargs, _ = args[6].(map[string]any)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	key := call.Method
	if call.Model != "" {
		key = call.Model + "." + call.Method
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case f.handlers[key] == nil && key == "authenticate":
		resp["result"] = 7
	case key == "version":
		resp["result"] = map[string]any{"server_version": "17.0"}
	case f.handlers[key] != nil:
		result, rerr := f.handlers[key](call)
		if rerr != nil {
			resp["error"] = map[string]any{
				"code":    200,
				"message": "Odoo Server Error",
				"data":    map[string]any{"name": rerr.Name, "message": rerr.Message},
			}
		} else {
			resp["result"] = result
		}
	default:
		resp["error"] = map[string]any{"code": 404, "message": "unhandled " + key}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeERP) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Model+"."+c.Method == key {
			n++
		}
	}
	return n
}

func TestRecordDecodingVariants(t *testing.T) {
	var rec Record
	raw := `{"id":3,"name":"Main","config_id":[4,"Shop POS"],"payment_method_ids":[1,2],"note":false,"price":"12.5","amount":10.0,"flag":true}`
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	require.EqualValues(t, 3, rec.ID())
	require.Equal(t, "Main", rec.Str("name"))

	ref, ok := rec["config_id"].Ref()
	require.True(t, ok)
	require.Equal(t, RelationRef{ID: 4, Label: "Shop POS"}, ref)
	require.Equal(t, Relation, rec["config_id"].Kind())

	require.Equal(t, IDList, rec["payment_method_ids"].Kind())
	require.Equal(t, []int64{1, 2}, rec["payment_method_ids"].IDs())

	require.Equal(t, Missing, rec["note"].Kind())
	require.Equal(t, Missing, rec["absent"].Kind())
	_, ok = rec["note"].Text()
	require.False(t, ok)

	d, ok := rec["price"].Decimal()
	require.True(t, ok)
	require.True(t, d.Equal(decimal.RequireFromString("12.5")))
	d, ok = rec["amount"].Decimal()
	require.True(t, ok)
	require.True(t, d.Equal(decimal.NewFromInt(10)))
	require.True(t, rec["flag"].Bool())
	require.False(t, rec["note"].Bool())
}

func TestProductResolvesTaxes(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("product.product.read", func(rpcCall) (any, *RemoteError) {
		return []any{map[string]any{"id": 5, "name": "Burger", "list_price": 9.5, "taxes_id": []int{11, 12}}}, nil
	})
	f.on("account.tax.read", func(rpcCall) (any, *RemoteError) {
		return []any{
			map[string]any{"id": 11, "amount": 10, "amount_type": "percent", "price_include": true, "sequence": 1},
			map[string]any{"id": 12, "amount": 5, "amount_type": "percent", "price_include": false, "sequence": 2},
		}, nil
	})

	p, err := client.Product(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, p.HasPrice)
	require.True(t, p.Price.Equal(decimal.RequireFromString("9.5")))
	require.Equal(t, []pricing.TaxRule{
		{ID: 11, Rate: decimal.NewFromInt(10), Inclusive: true, Sequence: 1},
		{ID: 12, Rate: decimal.NewFromInt(5), Sequence: 2},
	}, normalizeRates(p.Taxes))
}

func normalizeRates(rules []pricing.TaxRule) []pricing.TaxRule {
	out := make([]pricing.TaxRule, len(rules))
	for i, r := range rules {
		r.Rate = decimal.NewFromInt(r.Rate.IntPart())
		out[i] = r
	}
	return out
}

func TestProductRejectsFixedTax(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("product.product.read", func(rpcCall) (any, *RemoteError) {
		return []any{map[string]any{"id": 5, "list_price": false, "taxes_id": []int{11}}}, nil
	})
	f.on("account.tax.read", func(rpcCall) (any, *RemoteError) {
		return []any{map[string]any{"id": 11, "amount": 1, "amount_type": "fixed"}}, nil
	})
	_, err := client.Product(context.Background(), 5)
	require.ErrorIs(t, err, ErrUnsupportedTax)
}

func TestRemoteErrorSurfaces(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("pos.order.action_pos_order_invoice", func(rpcCall) (any, *RemoteError) {
		return nil, &RemoteError{Name: "odoo.exceptions.UserError", Message: "No fiscal position"}
	})
	err := client.Invoice(context.Background(), 42)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, "pos.order", remote.Model)
	require.Equal(t, "action_pos_order_invoice", remote.Method)
	require.Equal(t, "No fiscal position", remote.Message)
}

func TestOpenSessionAndPaymentMethods(t *testing.T) {
	f, client := newFakeERP(t)
	var domainLen int
	f.on("pos.session.search_read", func(call rpcCall) (any, *RemoteError) {
		domainLen = len(call.Args[0].([]any))
		return []any{map[string]any{"id": 9, "name": "POS/001", "config_id": []any{3, "Shop"}, "state": "opened"}}, nil
	})
	f.on("pos.config.read", func(rpcCall) (any, *RemoteError) {
		return []any{map[string]any{"id": 3, "payment_method_ids": []int{1, 2}}}, nil
	})
	f.on("pos.payment.method.read", func(rpcCall) (any, *RemoteError) {
		return []any{
			map[string]any{"id": 1, "name": "Cash", "is_cash_count": true, "is_online_payment": false},
			map[string]any{"id": 2, "name": "Stripe", "is_cash_count": false, "is_online_payment": false},
		}, nil
	})

	session, err := client.OpenSession(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, Session{ID: 9, Name: "POS/001", ConfigID: 3}, session)
	require.Equal(t, 2, domainLen, "config filter should be applied")

	methods, err := client.PaymentMethods(context.Background(), session.ConfigID)
	require.NoError(t, err)
	require.Equal(t, []PaymentMethod{{ID: 1, Name: "Cash", IsCash: true}, {ID: 2, Name: "Stripe"}}, methods)
}

func TestOpenSessionNotFound(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("pos.session.search_read", func(rpcCall) (any, *RemoteError) { return []any{}, nil })
	_, err := client.OpenSession(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteReauthenticatesAfterAccessDenied(t *testing.T) {
	f, client := newFakeERP(t)
	var logins int
	f.on("authenticate", func(rpcCall) (any, *RemoteError) {
		logins++
		return 6 + logins, nil
	})
	f.on("pos.session.search_read", func(call rpcCall) (any, *RemoteError) {
		if call.UID == 7 {
			return nil, &RemoteError{Name: "odoo.exceptions.AccessDenied", Message: "Access Denied"}
		}
		return []any{map[string]any{"id": 5, "name": "POS/5", "config_id": []any{3, "Shop"}, "state": "opened"}}, nil
	})

	for i := 0; i < 3; i++ {
		session, err := client.OpenSession(context.Background(), 0)
		require.NoError(t, err)
		require.EqualValues(t, 5, session.ID)
	}
	require.Equal(t, 2, logins, "one refresh after the stale uid is rejected")
	require.Equal(t, 4, f.count("pos.session.search_read"))
}

func TestExecuteGivesUpWhenFreshLoginIsDenied(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("pos.session.search_read", func(rpcCall) (any, *RemoteError) {
		return nil, &RemoteError{Name: "odoo.exceptions.AccessDenied", Message: "Access Denied"}
	})

	_, err := client.OpenSession(context.Background(), 0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "odoo.exceptions.AccessDenied", remote.Name)
	require.Equal(t, 2, f.count("pos.session.search_read"))
}

func TestCreateOrderLinksComboChildren(t *testing.T) {
	f, client := newFakeERP(t)
	var captured map[string]any
	f.on("pos.order.create", func(call rpcCall) (any, *RemoteError) {
		captured = call.Args[0].(map[string]any)
		return 55, nil
	})

	id, err := client.CreateOrder(context.Background(), OrderInput{
		SessionID:  9,
		PartnerID:  4,
		PaymentRef: "pi_123",
		Breakdown: pricing.Breakdown{
			Lines: []pricing.BreakdownLine{
				{ProductID: 100, Qty: 1, PriceUnit: decimal.NewFromInt(850)},
				{ProductID: 201, Qty: 1, PriceUnit: decimal.NewFromInt(200), ComboParentID: 100, ComboLineID: 7, ComboItemID: 71},
			},
			AmountTotal: decimal.NewFromInt(1050),
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 55, id)
	require.Equal(t, "pi_123", captured[PaymentRefField])

	lines := captured["lines"].([]any)
	require.Len(t, lines, 2)
	parent := lines[0].([]any)[2].(map[string]any)
	child := lines[1].([]any)[2].(map[string]any)
	require.Equal(t, parent["uuid"], child["combo_parent_uuid"])
	require.EqualValues(t, 71, child["combo_item_id"])
	require.Equal(t, 1, f.count("pos.order.create"))
}

func TestCreateAcceptsListResult(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("res.partner.create", func(rpcCall) (any, *RemoteError) { return []int{31}, nil })
	p, err := client.CreatePartner(context.Background(), Partner{Name: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)
	require.EqualValues(t, 31, p.ID)
}

func TestStripeProviderConfig(t *testing.T) {
	f, client := newFakeERP(t)
	f.on("payment.provider.search_read", func(rpcCall) (any, *RemoteError) {
		return []any{map[string]any{"id": 1, "stripe_secret_key": "sk_test", "stripe_webhook_secret": "whsec", "stripe_publishable_key": false}}, nil
	})
	cfg, err := client.StripeProviderConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec"}, cfg)
}

func TestPing(t *testing.T) {
	_, client := newFakeERP(t)
	require.NoError(t, client.Ping(context.Background()))
}

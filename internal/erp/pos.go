package erp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

// PaymentRefField is the order field carrying the processor's payment reference.
const PaymentRefField = "x_payment_ref"

// OrderState mirrors the ERP order states this service cares about.
type OrderState string

const (
	OrderDraft    OrderState = "draft"
	OrderPaid     OrderState = "paid"
	OrderDone     OrderState = "done"
	OrderInvoiced OrderState = "invoiced"
	OrderCancel   OrderState = "cancel"
)

// Finalized reports whether the order needs no further transitions.
func (s OrderState) Finalized() bool {
	return s == OrderDone || s == OrderInvoiced
}

// Session is an open point-of-sale session.
type Session struct {
	ID       int64
	Name     string
	ConfigID int64
}

// PaymentMethod is a payment method configured on a point of sale.
type PaymentMethod struct {
	ID       int64
	Name     string
	IsCash   bool
	IsOnline bool
}

// Partner is a customer record.
type Partner struct {
	ID    int64
	Name  string
	Email string
	Phone string
}

// Order is the read-back view of an ERP order.
type Order struct {
	ID           int64
	Name         string
	POSReference string
	State        OrderState
	PartnerID    int64
	SessionID    int64
	PaymentIDs   []int64
}

// OrderInput describes an order to create in draft.
type OrderInput struct {
	SessionID  int64
	PartnerID  int64
	PaymentRef string
	Note       string
	Breakdown  pricing.Breakdown
}

// PaymentInput describes a settlement to attach to an order.
type PaymentInput struct {
	OrderID       int64
	MethodID      int64
	Amount        decimal.Decimal
	TransactionID string
}

var orderFields = []string{"name", "pos_reference", "state", "partner_id", "session_id", "payment_ids"}

// OpenSession returns the open session, restricted to configID when non-zero.
// When several sessions are open the most recent one wins.
func (c *Client) OpenSession(ctx context.Context, configID int64) (Session, error) {
	domain := []any{[]any{"state", "=", "opened"}}
	if configID > 0 {
		domain = append(domain, []any{"config_id", "=", configID})
	}
	records, err := c.searchRead(ctx, "pos.session", domain, []string{"name", "config_id", "state"}, 1, "id desc")
	if err != nil {
		return Session{}, err
	}
	if len(records) == 0 {
		return Session{}, fmt.Errorf("%w: open pos.session", ErrNotFound)
	}
	rec := records[0]
	cfg, _ := rec["config_id"].Int()
	return Session{ID: rec.ID(), Name: rec.Str("name"), ConfigID: cfg}, nil
}

// PaymentMethods lists the methods configured on a point of sale.
func (c *Client) PaymentMethods(ctx context.Context, configID int64) ([]PaymentMethod, error) {
	configs, err := c.read(ctx, "pos.config", []int64{configID}, []string{"payment_method_ids"})
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: pos.config %d", ErrNotFound, configID)
	}
	ids := configs[0]["payment_method_ids"].IDs()
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := c.read(ctx, "pos.payment.method", ids, []string{"name", "is_cash_count", "is_online_payment"})
	if err != nil {
		return nil, err
	}
	methods := make([]PaymentMethod, 0, len(records))
	for _, rec := range records {
		methods = append(methods, PaymentMethod{
			ID:       rec.ID(),
			Name:     rec.Str("name"),
			IsCash:   rec["is_cash_count"].Bool(),
			IsOnline: rec["is_online_payment"].Bool(),
		})
	}
	return methods, nil
}

// FindPartnerByEmail looks a partner up by case-insensitive email.
func (c *Client) FindPartnerByEmail(ctx context.Context, email string) (Partner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Partner{}, fmt.Errorf("%w: empty email", ErrNotFound)
	}
	records, err := c.searchRead(ctx, "res.partner", []any{[]any{"email", "=ilike", email}}, []string{"name", "email", "phone"}, 1, "id asc")
	if err != nil {
		return Partner{}, err
	}
	if len(records) == 0 {
		return Partner{}, fmt.Errorf("%w: res.partner %s", ErrNotFound, email)
	}
	rec := records[0]
	return Partner{ID: rec.ID(), Name: rec.Str("name"), Email: rec.Str("email"), Phone: rec.Str("phone")}, nil
}

// CreatePartner creates a customer record.
func (c *Client) CreatePartner(ctx context.Context, p Partner) (Partner, error) {
	vals := map[string]any{"name": p.Name, "email": p.Email, "customer_rank": 1}
	if p.Phone != "" {
		vals["phone"] = p.Phone
	}
	id, err := c.create(ctx, "res.partner", vals)
	if err != nil {
		return Partner{}, err
	}
	p.ID = id
	return p, nil
}

// FindOrderByPaymentRef returns the order stamped with ref.
func (c *Client) FindOrderByPaymentRef(ctx context.Context, ref string) (Order, error) {
	records, err := c.searchRead(ctx, "pos.order", []any{[]any{PaymentRefField, "=", ref}}, orderFields, 1, "id asc")
	if err != nil {
		return Order{}, err
	}
	if len(records) == 0 {
		return Order{}, fmt.Errorf("%w: pos.order %s=%s", ErrNotFound, PaymentRefField, ref)
	}
	return orderFromRecord(records[0]), nil
}

// CreateOrder creates a draft order from a computed breakdown.
func (c *Client) CreateOrder(ctx context.Context, in OrderInput) (int64, error) {
	vals := map[string]any{
		"session_id":    in.SessionID,
		"lines":         orderLines(in.Breakdown.Lines),
		"amount_tax":    in.Breakdown.AmountTax.InexactFloat64(),
		"amount_total":  in.Breakdown.AmountTotal.InexactFloat64(),
		"amount_paid":   0,
		"amount_return": 0,
		PaymentRefField: in.PaymentRef,
	}
	if in.PartnerID > 0 {
		vals["partner_id"] = in.PartnerID
	}
	if in.Note != "" {
		vals["general_note"] = in.Note
	}
	return c.create(ctx, "pos.order", vals)
}

// orderLines builds x2many create commands. Combo children point at the
// preceding parent line through its uuid.
func orderLines(lines []pricing.BreakdownLine) [][]any {
	out := make([][]any, 0, len(lines))
	parents := map[int64]string{}
	for _, l := range lines {
		lineUUID := uuid.NewString()
		vals := map[string]any{
			"uuid":                lineUUID,
			"product_id":          l.ProductID,
			"qty":                 l.Qty,
			"price_unit":          l.PriceUnit.InexactFloat64(),
			"price_subtotal":      l.PriceSubtotal.InexactFloat64(),
			"price_subtotal_incl": l.PriceSubtotalIncl.InexactFloat64(),
			"tax_ids":             [][]any{{6, 0, nonNilIDs(l.TaxIDs)}},
		}
		if l.CustomerNote != "" {
			vals["customer_note"] = l.CustomerNote
		}
		if l.ComboItemID != 0 {
			vals["combo_item_id"] = l.ComboItemID
			if parent, ok := parents[l.ComboParentID]; ok {
				vals["combo_parent_uuid"] = parent
			}
		} else {
			parents[l.ProductID] = lineUUID
		}
		out = append(out, []any{0, 0, vals})
	}
	return out
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// AddPayment attaches a settlement to an order.
func (c *Client) AddPayment(ctx context.Context, in PaymentInput) (int64, error) {
	return c.create(ctx, "pos.payment", map[string]any{
		"pos_order_id":      in.OrderID,
		"payment_method_id": in.MethodID,
		"amount":            in.Amount.InexactFloat64(),
		"transaction_id":    in.TransactionID,
		"payment_ref":       in.TransactionID,
	})
}

// MarkPaid advances an order to paid.
func (c *Client) MarkPaid(ctx context.Context, orderID int64) error {
	return c.execute(ctx, "pos.order", "action_pos_order_paid", []any{[]int64{orderID}}, nil, nil)
}

// Invoice generates the order's invoice.
func (c *Client) Invoice(ctx context.Context, orderID int64) error {
	return c.execute(ctx, "pos.order", "action_pos_order_invoice", []any{[]int64{orderID}}, nil, nil)
}

// ForceDone writes the done state directly.
func (c *Client) ForceDone(ctx context.Context, orderID int64) error {
	return c.execute(ctx, "pos.order", "write", []any{[]int64{orderID}, map[string]any{"state": string(OrderDone)}}, nil, nil)
}

// ReadOrder reads an order back.
func (c *Client) ReadOrder(ctx context.Context, orderID int64) (Order, error) {
	records, err := c.read(ctx, "pos.order", []int64{orderID}, orderFields)
	if err != nil {
		return Order{}, err
	}
	if len(records) == 0 {
		return Order{}, fmt.Errorf("%w: pos.order %d", ErrNotFound, orderID)
	}
	return orderFromRecord(records[0]), nil
}

func orderFromRecord(rec Record) Order {
	partner, _ := rec["partner_id"].Int()
	session, _ := rec["session_id"].Int()
	return Order{
		ID:           rec.ID(),
		Name:         rec.Str("name"),
		POSReference: rec.Str("pos_reference"),
		State:        OrderState(rec.Str("state")),
		PartnerID:    partner,
		SessionID:    session,
		PaymentIDs:   rec["payment_ids"].IDs(),
	}
}

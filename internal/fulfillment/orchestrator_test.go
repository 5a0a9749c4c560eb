package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-fulfillment/internal/erp"
	"github.com/noah-isme/pos-fulfillment/internal/incident"
	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

type stubERP struct {
	mu         sync.Mutex
	sessionErr error
	methods    []erp.PaymentMethod
	partners   map[string]erp.Partner
	orders     map[int64]*erp.Order
	refs       map[string]int64
	payments   []erp.PaymentInput
	inputs     []erp.OrderInput
	invoiceErr error
	paidErr    error
	readErr    error
	calls      map[string]int
	nextID     int64

	// afterCreate runs once an order exists, before settlement.
	afterCreate func()
}

func newStubERP() *stubERP {
	return &stubERP{
		methods: []erp.PaymentMethod{
			{ID: 1, Name: "Cash", IsCash: true},
			{ID: 2, Name: "Card Terminal"},
			{ID: 3, Name: "Stripe"},
		},
		partners: map[string]erp.Partner{},
		orders:   map[int64]*erp.Order{},
		refs:     map[string]int64{},
		calls:    map[string]int{},
		nextID:   100,
	}
}

func (s *stubERP) hit(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *stubERP) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubERP) OpenSession(context.Context, int64) (erp.Session, error) {
	s.hit("OpenSession")
	if s.sessionErr != nil {
		return erp.Session{}, s.sessionErr
	}
	return erp.Session{ID: 9, Name: "POS/9", ConfigID: 3}, nil
}

func (s *stubERP) PaymentMethods(context.Context, int64) ([]erp.PaymentMethod, error) {
	s.hit("PaymentMethods")
	return s.methods, nil
}

func (s *stubERP) FindPartnerByEmail(_ context.Context, email string) (erp.Partner, error) {
	s.hit("FindPartnerByEmail")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[strings.ToLower(email)]
	if !ok {
		return erp.Partner{}, fmt.Errorf("%w: partner", erp.ErrNotFound)
	}
	return p, nil
}

func (s *stubERP) CreatePartner(_ context.Context, p erp.Partner) (erp.Partner, error) {
	s.hit("CreatePartner")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.partners[strings.ToLower(p.Email)] = p
	return p, nil
}

func (s *stubERP) FindOrderByPaymentRef(_ context.Context, ref string) (erp.Order, error) {
	s.hit("FindOrderByPaymentRef")
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refs[ref]
	if !ok {
		return erp.Order{}, fmt.Errorf("%w: order", erp.ErrNotFound)
	}
	return *s.orders[id], nil
}

func (s *stubERP) CreateOrder(_ context.Context, in erp.OrderInput) (int64, error) {
	s.hit("CreateOrder")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.orders[id] = &erp.Order{ID: id, Name: fmt.Sprintf("Shop/%04d", id), POSReference: fmt.Sprintf("Order 00009-%03d", id), State: erp.OrderDraft, PartnerID: in.PartnerID, SessionID: in.SessionID}
	s.refs[in.PaymentRef] = id
	s.inputs = append(s.inputs, in)
	if s.afterCreate != nil {
		defer s.afterCreate()
	}
	return id, nil
}

func (s *stubERP) AddPayment(ctx context.Context, in erp.PaymentInput) (int64, error) {
	s.hit("AddPayment")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.payments = append(s.payments, in)
	o := s.orders[in.OrderID]
	o.PaymentIDs = append(o.PaymentIDs, s.nextID)
	return s.nextID, nil
}

func (s *stubERP) setState(id int64, state erp.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].State = state
}

func (s *stubERP) MarkPaid(ctx context.Context, id int64) error {
	s.hit("MarkPaid")
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.paidErr != nil {
		return s.paidErr
	}
	s.setState(id, erp.OrderPaid)
	return nil
}

func (s *stubERP) Invoice(ctx context.Context, id int64) error {
	s.hit("Invoice")
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.invoiceErr != nil {
		return s.invoiceErr
	}
	s.setState(id, erp.OrderInvoiced)
	return nil
}

func (s *stubERP) ForceDone(_ context.Context, id int64) error {
	s.hit("ForceDone")
	s.setState(id, erp.OrderDone)
	return nil
}

func (s *stubERP) ReadOrder(_ context.Context, id int64) (erp.Order, error) {
	s.hit("ReadOrder")
	if s.readErr != nil {
		return erp.Order{}, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return erp.Order{}, erp.ErrNotFound
	}
	return *o, nil
}

type stubCatalog struct{}

func (stubCatalog) Product(_ context.Context, id int64) (pricing.Product, error) {
	return pricing.Product{ID: id, Price: decimal.NewFromInt(100), HasPrice: true, Taxes: []pricing.TaxRule{{ID: 5, Rate: decimal.NewFromInt(10)}}}, nil
}

func (stubCatalog) ComboItem(_ context.Context, id int64) (pricing.ComboItem, error) {
	return pricing.ComboItem{ID: id, ExtraPrice: decimal.NewFromInt(20), HasPrice: true}, nil
}

type memIncidents struct {
	mu    sync.Mutex
	items []incident.Incident
}

func (m *memIncidents) Insert(_ context.Context, inc incident.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, inc)
	return nil
}

func (m *memIncidents) List(context.Context, incident.Filter, int, int) ([]incident.Incident, error) {
	return nil, nil
}

func (m *memIncidents) Count(context.Context, incident.Filter) (int64, error) { return 0, nil }

func (m *memIncidents) Resolve(context.Context, uuid.UUID, string) error { return nil }

func (m *memIncidents) kinds() []incident.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]incident.Kind, 0, len(m.items))
	for _, inc := range m.items {
		out = append(out, inc.Kind)
	}
	return out
}

type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

func newOrchestrator(e *stubERP, incidents *memIncidents) *Orchestrator {
	return &Orchestrator{
		ERP:          e,
		Catalog:      stubCatalog{},
		Locker:       &mutexLocker{},
		Incidents:    incident.Reporter{Store: incidents, Logger: zerolog.Nop()},
		PaymentBrand: "Stripe",
		Logger:       zerolog.Nop(),
	}
}

func sampleRequest() Request {
	return Request{
		PaymentRef: "pi_123",
		EventID:    "evt_1",
		Lines:      []pricing.CartLine{{ProductID: 1, Quantity: 2, UnitPrice: decimal.NewFromInt(110)}},
		Customer:   Customer{Name: "Ann", Email: "Ann@Example.com", Phone: "+62 811"},
		OrderType:  "takeaway",
		Amount:     decimal.NewFromInt(220),
		Currency:   "usd",
	}
}

func TestFulfillHappyPath(t *testing.T) {
	e := newStubERP()
	incidents := &memIncidents{}
	o := newOrchestrator(e, incidents)

	res, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, erp.OrderInvoiced, res.State)
	require.False(t, res.Degraded)
	require.False(t, res.Duplicate)
	require.NotEmpty(t, res.POSReference)

	require.Len(t, e.inputs, 1)
	in := e.inputs[0]
	require.Equal(t, "pi_123", in.PaymentRef)
	require.EqualValues(t, 9, in.SessionID)
	require.True(t, in.Breakdown.AmountTotal.Equal(decimal.NewFromInt(220)))
	require.Contains(t, in.Note, "Order type: takeaway")

	require.Len(t, e.payments, 1)
	require.EqualValues(t, 3, e.payments[0].MethodID, "brand match wins")
	require.True(t, e.payments[0].Amount.Equal(decimal.NewFromInt(220)))
	require.Equal(t, "pi_123", e.payments[0].TransactionID)
	require.Equal(t, 1, e.count("CreatePartner"))
	require.Zero(t, e.count("ForceDone"))
	require.Empty(t, incidents.kinds())
}

func TestFulfillIsIdempotentByPaymentRef(t *testing.T) {
	e := newStubERP()
	o := newOrchestrator(e, &memIncidents{})

	first, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)
	second, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)

	require.Equal(t, 1, e.count("CreateOrder"))
	require.Equal(t, 1, e.count("AddPayment"))
	require.Equal(t, 1, e.count("CreatePartner"))
	require.Equal(t, first.OrderID, second.OrderID)
	require.True(t, second.Duplicate)
}

func TestFulfillConcurrentDeliveriesCreateOneOrder(t *testing.T) {
	e := newStubERP()
	o := newOrchestrator(e, &memIncidents{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Fulfill(context.Background(), sampleRequest())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, e.count("CreateOrder"))
}

func TestFulfillStoreClosed(t *testing.T) {
	e := newStubERP()
	e.sessionErr = fmt.Errorf("%w: session", erp.ErrNotFound)
	o := newOrchestrator(e, &memIncidents{})

	_, err := o.Fulfill(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrNoActiveSession)
	require.Zero(t, e.count("CreateOrder"))
	require.Zero(t, e.count("AddPayment"))
}

func TestFulfillDegradedInvoicing(t *testing.T) {
	e := newStubERP()
	e.invoiceErr = &erp.RemoteError{Model: "pos.order", Method: "action_pos_order_invoice", Message: "No fiscal position"}
	incidents := &memIncidents{}
	o := newOrchestrator(e, incidents)

	res, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, erp.OrderDone, res.State)
	require.Len(t, e.payments, 1)
	require.Equal(t, []incident.Kind{incident.FinalizeDegraded}, incidents.kinds())
}

func TestFulfillFailureAfterCreateIsResumed(t *testing.T) {
	e := newStubERP()
	e.paidErr = errors.New("erp timeout")
	incidents := &memIncidents{}
	o := newOrchestrator(e, incidents)

	_, err := o.Fulfill(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrOrderCreation)
	require.Equal(t, []incident.Kind{incident.FulfillmentFailed}, incidents.kinds())

	e.paidErr = nil
	res, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.True(t, res.Resumed)
	require.Equal(t, erp.OrderInvoiced, res.State)
	require.Equal(t, 1, e.count("CreateOrder"))
	require.Equal(t, 1, e.count("AddPayment"), "settlement already attached")
}

func TestFulfillAmountMismatchStillFulfills(t *testing.T) {
	e := newStubERP()
	incidents := &memIncidents{}
	o := newOrchestrator(e, incidents)
	req := sampleRequest()
	req.Amount = decimal.NewFromInt(150)

	res, err := o.Fulfill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, erp.OrderInvoiced, res.State)
	require.Equal(t, []incident.Kind{incident.AmountMismatch}, incidents.kinds())
	require.True(t, e.payments[0].Amount.Equal(decimal.NewFromInt(150)), "settlement records the charged amount")
}

func TestFulfillRejectsEmptyRequest(t *testing.T) {
	o := newOrchestrator(newStubERP(), &memIncidents{})
	_, err := o.Fulfill(context.Background(), Request{PaymentRef: " "})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = o.Fulfill(context.Background(), Request{PaymentRef: "pi_1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPickMethodFallbackChain(t *testing.T) {
	cases := []struct {
		name     string
		methods  []erp.PaymentMethod
		wantID   int64
		strategy string
	}{
		{"brand", []erp.PaymentMethod{{ID: 1, Name: "Cash", IsCash: true}, {ID: 2, Name: "stripe card"}}, 2, "brand"},
		{"online brand skipped", []erp.PaymentMethod{{ID: 1, Name: "Stripe", IsOnline: true}, {ID: 2, Name: "Bank"}}, 2, "non_cash"},
		{"non cash", []erp.PaymentMethod{{ID: 1, Name: "Cash", IsCash: true}, {ID: 4, Name: "Card"}}, 4, "non_cash"},
		{"any", []erp.PaymentMethod{{ID: 1, Name: "Cash", IsCash: true}}, 1, "any"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, strategy, err := pickMethod(tc.methods, "Stripe")
			require.NoError(t, err)
			require.Equal(t, tc.wantID, m.ID)
			require.Equal(t, tc.strategy, strategy)
		})
	}

	_, _, err := pickMethod(nil, "Stripe")
	require.ErrorIs(t, err, ErrNoPaymentMethod)
}

func TestFulfillNoPaymentMethod(t *testing.T) {
	e := newStubERP()
	e.methods = nil
	o := newOrchestrator(e, &memIncidents{})
	_, err := o.Fulfill(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrNoPaymentMethod)
	require.Zero(t, e.count("CreateOrder"))
}

func TestFulfillSurvivesCallerCancellation(t *testing.T) {
	e := newStubERP()
	incidents := &memIncidents{}
	o := newOrchestrator(e, incidents)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.afterCreate = cancel

	res, err := o.Fulfill(ctx, sampleRequest())
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	require.Equal(t, erp.OrderInvoiced, res.State)
	require.Len(t, e.payments, 1)
	require.Empty(t, incidents.kinds())
}

func TestFulfillReadBackFailureKeepsOrder(t *testing.T) {
	e := newStubERP()
	e.readErr = errors.New("erp timeout")
	o := newOrchestrator(e, &memIncidents{})

	res, err := o.Fulfill(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotZero(t, res.OrderID)
	require.Empty(t, res.Name)
	require.Equal(t, 1, e.count("Invoice"))
}

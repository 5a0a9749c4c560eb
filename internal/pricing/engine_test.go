package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-fulfillment/internal/cache"
)

type stubCatalog struct {
	products   map[int64]Product
	comboItems map[int64]ComboItem
	err        error
	calls      int
}

func (s *stubCatalog) Product(_ context.Context, id int64) (Product, error) {
	s.calls++
	if s.err != nil {
		return Product{}, s.err
	}
	p, ok := s.products[id]
	if !ok {
		return Product{}, errors.New("not found")
	}
	return p, nil
}

func (s *stubCatalog) ComboItem(_ context.Context, id int64) (ComboItem, error) {
	s.calls++
	if s.err != nil {
		return ComboItem{}, s.err
	}
	item, ok := s.comboItems[id]
	if !ok {
		return ComboItem{}, errors.New("not found")
	}
	return item, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s got %s", want, got)
}

func TestComputeExclusiveTaxWithCatalogPrice(t *testing.T) {
	catalog := &stubCatalog{products: map[int64]Product{
		1: {ID: 1, Price: dec("100.00"), HasPrice: true, Taxes: []TaxRule{{ID: 5, Rate: dec("10")}}},
	}}
	out, err := Compute(context.Background(), []CartLine{{ProductID: 1, Quantity: 2, UnitPrice: dec("999")}}, catalog)
	require.NoError(t, err)
	require.Len(t, out.Lines, 1)
	line := out.Lines[0]
	requireDecimal(t, "100.00", line.PriceUnit)
	requireDecimal(t, "200.00", line.PriceSubtotal)
	requireDecimal(t, "20.00", line.Tax)
	requireDecimal(t, "220.00", line.PriceSubtotalIncl)
	require.Equal(t, []int64{5}, line.TaxIDs)
	requireDecimal(t, "20.00", out.AmountTax)
	requireDecimal(t, "220.00", out.AmountTotal)
}

func TestComputeInclusiveTaxKeepsSuppliedPrice(t *testing.T) {
	catalog := &stubCatalog{products: map[int64]Product{
		2: {ID: 2, Taxes: []TaxRule{{ID: 6, Rate: dec("10"), Inclusive: true}}},
	}}
	out, err := Compute(context.Background(), []CartLine{{ProductID: 2, Quantity: 1, UnitPrice: dec("110.00")}}, catalog)
	require.NoError(t, err)
	line := out.Lines[0]
	requireDecimal(t, "110.00", line.PriceUnit)
	requireDecimal(t, "100.00", line.PriceSubtotal)
	requireDecimal(t, "10.00", line.Tax)
	requireDecimal(t, "110.00", line.PriceSubtotalIncl)
}

func TestComputeBacksOutExclusiveTaxFromHint(t *testing.T) {
	catalog := &stubCatalog{products: map[int64]Product{
		3: {ID: 3, Taxes: []TaxRule{{ID: 7, Rate: dec("10")}}},
	}}
	out, err := Compute(context.Background(), []CartLine{{ProductID: 3, Quantity: 1, UnitPrice: dec("11.00")}}, catalog)
	require.NoError(t, err)
	line := out.Lines[0]
	requireDecimal(t, "10.00", line.PriceUnit)
	requireDecimal(t, "1.00", line.Tax)
	requireDecimal(t, "11.00", line.PriceSubtotalIncl)
}

func TestComputeMixedTaxesInclusiveNarrowsExclusiveBase(t *testing.T) {
	catalog := &stubCatalog{products: map[int64]Product{
		4: {ID: 4, Price: dec("110.00"), HasPrice: true, Taxes: []TaxRule{
			{ID: 9, Rate: dec("5"), Sequence: 2},
			{ID: 8, Rate: dec("10"), Inclusive: true, Sequence: 1},
		}},
	}}
	out, err := Compute(context.Background(), []CartLine{{ProductID: 4, Quantity: 1}}, catalog)
	require.NoError(t, err)
	line := out.Lines[0]
	requireDecimal(t, "100.00", line.PriceSubtotal)
	requireDecimal(t, "15.00", line.Tax)
	requireDecimal(t, "115.00", line.PriceSubtotalIncl)
	require.Equal(t, []int64{8, 9}, line.TaxIDs)
}

func TestComputeComboChildUsesCatalogExtraPrice(t *testing.T) {
	catalog := &stubCatalog{
		products: map[int64]Product{
			10: {ID: 10, Price: dec("8.50"), HasPrice: true},
			40: {ID: 40, Price: dec("3.00"), HasPrice: true},
		},
		comboItems: map[int64]ComboItem{5: {ID: 5, ExtraPrice: dec("2.00"), HasPrice: true}},
	}
	lines := []CartLine{
		{ProductID: 10, Quantity: 1, UnitPrice: dec("8.50")},
		{ProductID: 40, Quantity: 1, UnitPrice: dec("9.99"), ComboParentID: 10, ComboLineID: 3, ComboItemID: 5},
	}
	out, err := Compute(context.Background(), lines, catalog)
	require.NoError(t, err)
	requireDecimal(t, "2.00", out.Lines[1].PriceUnit)
	require.EqualValues(t, 5, out.Lines[1].ComboItemID)
	requireDecimal(t, "10.50", out.AmountTotal)
}

func TestComputeFailsWholeBreakdownOnLookupError(t *testing.T) {
	catalog := &stubCatalog{err: errors.New("erp down")}
	out, err := Compute(context.Background(), []CartLine{{ProductID: 1, Quantity: 1}}, catalog)
	var lookupErr *UpstreamLookupError
	require.ErrorAs(t, err, &lookupErr)
	require.EqualValues(t, 1, lookupErr.ProductID)
	require.Empty(t, out.Lines)
}

func TestComputeRejectsNonPositiveQuantity(t *testing.T) {
	_, err := Compute(context.Background(), []CartLine{{ProductID: 1, Quantity: 0}}, &stubCatalog{})
	require.ErrorIs(t, err, ErrInvalidLine)
}

func randomCatalog(rng *rand.Rand, n int) *stubCatalog {
	catalog := &stubCatalog{products: map[int64]Product{}}
	rates := []string{"0", "5", "7.5", "10", "11", "12.5", "19", "21"}
	for id := int64(1); id <= int64(n); id++ {
		p := Product{ID: id}
		if rng.Intn(2) == 0 {
			p.Price = decimal.New(rng.Int63n(100000), -2)
			p.HasPrice = true
		}
		for k := 0; k < rng.Intn(3); k++ {
			p.Taxes = append(p.Taxes, TaxRule{
				ID:        id*10 + int64(k),
				Rate:      dec(rates[rng.Intn(len(rates))]),
				Inclusive: rng.Intn(2) == 0,
				Sequence:  rng.Intn(3),
			})
		}
		catalog.products[id] = p
	}
	return catalog
}

func randomLines(rng *rand.Rand, products int) []CartLine {
	lines := make([]CartLine, 1+rng.Intn(6))
	for i := range lines {
		lines[i] = CartLine{
			ProductID: int64(1 + rng.Intn(products)),
			Quantity:  1 + rng.Intn(5),
			UnitPrice: decimal.New(rng.Int63n(50000), -2),
		}
	}
	return lines
}

func TestComputeLineSumInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 500; i++ {
		catalog := randomCatalog(rng, 8)
		out, err := Compute(context.Background(), randomLines(rng, 8), catalog)
		require.NoError(t, err)

		total, tax := decimal.Zero, decimal.Zero
		for _, line := range out.Lines {
			require.False(t, line.Tax.IsNegative())
			require.True(t, line.PriceSubtotalIncl.Equal(line.PriceSubtotal.Add(line.Tax)))
			total = total.Add(line.PriceSubtotalIncl)
			tax = tax.Add(line.PriceSubtotalIncl.Sub(line.PriceSubtotal))
		}
		require.True(t, out.AmountTotal.Equal(total))
		require.True(t, out.AmountTax.Equal(tax))
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 100; i++ {
		catalog := randomCatalog(rng, 5)
		lines := randomLines(rng, 5)

		first, err := Compute(context.Background(), lines, catalog)
		require.NoError(t, err)
		second, err := Compute(context.Background(), lines, catalog)
		require.NoError(t, err)

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		require.Equal(t, string(a), string(b))
	}
}

func TestCachedLookupServesFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	next := &stubCatalog{products: map[int64]Product{
		1: {ID: 1, Price: dec("4.20"), HasPrice: true, Taxes: []TaxRule{{ID: 3, Rate: dec("10")}}},
	}}
	lookup := CachedLookup{Next: next, Cache: cache.New(client, time.Minute, "tax:"), Logger: zerolog.Nop()}

	first, err := lookup.Product(context.Background(), 1)
	require.NoError(t, err)
	second, err := lookup.Product(context.Background(), 1)
	require.NoError(t, err)

	require.Equal(t, 1, next.calls)
	require.True(t, first.Price.Equal(second.Price))
	require.True(t, second.Taxes[0].Rate.Equal(dec("10")))
}

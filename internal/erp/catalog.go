package erp

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

// ErrUnsupportedTax is returned for taxes that are not simple percentages.
var ErrUnsupportedTax = errors.New("erp: unsupported tax type")

// Product implements pricing.ProductTaxLookup.
func (c *Client) Product(ctx context.Context, productID int64) (pricing.Product, error) {
	records, err := c.read(ctx, "product.product", []int64{productID}, []string{"name", "list_price", "taxes_id"})
	if err != nil {
		return pricing.Product{}, err
	}
	if len(records) == 0 {
		return pricing.Product{}, fmt.Errorf("%w: product.product %d", ErrNotFound, productID)
	}
	rec := records[0]
	product := pricing.Product{ID: productID}
	if price, ok := rec["list_price"].Decimal(); ok {
		product.Price, product.HasPrice = price, true
	}
	taxIDs := rec["taxes_id"].IDs()
	if len(taxIDs) == 0 {
		return product, nil
	}
	taxes, err := c.read(ctx, "account.tax", taxIDs, []string{"name", "amount", "amount_type", "price_include", "sequence"})
	if err != nil {
		return pricing.Product{}, err
	}
	for _, t := range taxes {
		rule, err := taxRule(t)
		if err != nil {
			return pricing.Product{}, err
		}
		product.Taxes = append(product.Taxes, rule)
	}
	return product, nil
}

// ComboItem implements pricing.ProductTaxLookup.
func (c *Client) ComboItem(ctx context.Context, comboItemID int64) (pricing.ComboItem, error) {
	records, err := c.read(ctx, "product.combo.item", []int64{comboItemID}, []string{"extra_price", "product_id", "combo_id"})
	if err != nil {
		return pricing.ComboItem{}, err
	}
	if len(records) == 0 {
		return pricing.ComboItem{}, fmt.Errorf("%w: product.combo.item %d", ErrNotFound, comboItemID)
	}
	item := pricing.ComboItem{ID: comboItemID}
	if extra, ok := records[0]["extra_price"].Decimal(); ok {
		item.ExtraPrice, item.HasPrice = extra, true
	} else {
		// false on a float field means zero extra
		item.ExtraPrice, item.HasPrice = decimal.Zero, true
	}
	return item, nil
}

func taxRule(rec Record) (pricing.TaxRule, error) {
	if kind := rec.Str("amount_type"); kind != "" && kind != "percent" {
		return pricing.TaxRule{}, fmt.Errorf("%w: tax %d is %q", ErrUnsupportedTax, rec.ID(), kind)
	}
	rate, ok := rec["amount"].Decimal()
	if !ok {
		rate = decimal.Zero
	}
	seq, _ := rec["sequence"].Int()
	return pricing.TaxRule{
		ID:        rec.ID(),
		Rate:      rate,
		Inclusive: rec["price_include"].Bool(),
		Sequence:  int(seq),
	}, nil
}

package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLine is returned for cart lines that cannot be priced.
	ErrInvalidLine = errors.New("pricing: invalid cart line")
	// ErrInvalidTax is returned when a tax rule cannot be applied.
	ErrInvalidTax = errors.New("pricing: invalid tax rule")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// CartLine is a single line of a cart as seen by the pipeline. UnitPrice is a
// customer-facing hint; the catalog price wins whenever it can be resolved.
type CartLine struct {
	ProductID     int64           `json:"productId"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Notes         string          `json:"notes,omitempty"`
	ComboParentID int64           `json:"comboParentId,omitempty"`
	ComboLineID   int64           `json:"comboLineId,omitempty"`
	ComboItemID   int64           `json:"comboItemId,omitempty"`
}

// IsComboChild reports whether the line is a sub-selection of a combo product.
func (l CartLine) IsComboChild() bool {
	return l.ComboItemID != 0
}

// TaxRule is a percentage tax attached to a product.
type TaxRule struct {
	ID        int64           `json:"id"`
	Rate      decimal.Decimal `json:"rate"`
	Inclusive bool            `json:"inclusive"`
	Sequence  int             `json:"sequence"`
}

// Product is the catalog view of a product needed for pricing.
type Product struct {
	ID       int64           `json:"id"`
	Price    decimal.Decimal `json:"price"`
	HasPrice bool            `json:"hasPrice"`
	Taxes    []TaxRule       `json:"taxes"`
}

// ComboItem is the catalog view of a combo choice.
type ComboItem struct {
	ID         int64           `json:"id"`
	ExtraPrice decimal.Decimal `json:"extraPrice"`
	HasPrice   bool            `json:"hasPrice"`
}

// ProductTaxLookup resolves catalog prices and tax configuration.
type ProductTaxLookup interface {
	Product(ctx context.Context, productID int64) (Product, error)
	ComboItem(ctx context.Context, comboItemID int64) (ComboItem, error)
}

// BreakdownLine is the authoritative, tax-attributed view of one cart line.
type BreakdownLine struct {
	ProductID         int64           `json:"productId"`
	Qty               int             `json:"qty"`
	PriceUnit         decimal.Decimal `json:"priceUnit"`
	PriceSubtotal     decimal.Decimal `json:"priceSubtotal"`
	PriceSubtotalIncl decimal.Decimal `json:"priceSubtotalIncl"`
	Tax               decimal.Decimal `json:"tax"`
	TaxIDs            []int64         `json:"taxIds"`
	CustomerNote      string          `json:"customerNote,omitempty"`
	ComboParentID     int64           `json:"comboParentId,omitempty"`
	ComboLineID       int64           `json:"comboLineId,omitempty"`
	ComboItemID       int64           `json:"comboItemId,omitempty"`
}

// Breakdown aggregates line values. Totals are sums of already-rounded lines.
type Breakdown struct {
	Lines       []BreakdownLine `json:"lines"`
	AmountTax   decimal.Decimal `json:"amountTax"`
	AmountTotal decimal.Decimal `json:"amountTotal"`
}

// UpstreamLookupError reports a failed catalog lookup.
type UpstreamLookupError struct {
	ProductID   int64
	ComboItemID int64
	Err         error
}

func (e *UpstreamLookupError) Error() string {
	if e.ComboItemID != 0 {
		return fmt.Sprintf("pricing: lookup combo item %d: %v", e.ComboItemID, e.Err)
	}
	return fmt.Sprintf("pricing: lookup product %d: %v", e.ProductID, e.Err)
}

func (e *UpstreamLookupError) Unwrap() error { return e.Err }

// Compute prices every line against the catalog. It returns either a full
// breakdown or an error, never a partial result.
func Compute(ctx context.Context, lines []CartLine, catalog ProductTaxLookup) (Breakdown, error) {
	if catalog == nil {
		return Breakdown{}, errors.New("pricing: catalog lookup is required")
	}
	products := make(map[int64]Product, len(lines))
	out := Breakdown{Lines: make([]BreakdownLine, 0, len(lines)), AmountTax: decimal.Zero, AmountTotal: decimal.Zero}

	for i, line := range lines {
		if line.Quantity <= 0 || line.ProductID <= 0 {
			return Breakdown{}, fmt.Errorf("%w: line %d", ErrInvalidLine, i)
		}
		product, ok := products[line.ProductID]
		if !ok {
			p, err := catalog.Product(ctx, line.ProductID)
			if err != nil {
				return Breakdown{}, &UpstreamLookupError{ProductID: line.ProductID, Err: err}
			}
			product = p
			products[line.ProductID] = p
		}

		canonical, hasCanonical := product.Price, product.HasPrice
		if line.IsComboChild() {
			item, err := catalog.ComboItem(ctx, line.ComboItemID)
			if err != nil {
				return Breakdown{}, &UpstreamLookupError{ProductID: line.ProductID, ComboItemID: line.ComboItemID, Err: err}
			}
			canonical, hasCanonical = item.ExtraPrice, item.HasPrice
		}

		bl, err := computeLine(line, product.Taxes, canonical, hasCanonical)
		if err != nil {
			return Breakdown{}, fmt.Errorf("line %d: %w", i, err)
		}
		out.Lines = append(out.Lines, bl)
		out.AmountTax = out.AmountTax.Add(bl.Tax)
		out.AmountTotal = out.AmountTotal.Add(bl.PriceSubtotalIncl)
	}
	return out, nil
}

func computeLine(line CartLine, taxes []TaxRule, canonical decimal.Decimal, hasCanonical bool) (BreakdownLine, error) {
	inclusive, exclusive, err := partition(taxes)
	if err != nil {
		return BreakdownLine{}, err
	}

	unit := canonical
	if !hasCanonical {
		unit = line.UnitPrice
		if len(exclusive) > 0 {
			// storefront prices are shown tax-included
			divisor := one
			for _, t := range exclusive {
				divisor = divisor.Add(fraction(t))
			}
			unit = unit.Div(divisor).Round(2)
		}
	}
	if unit.IsNegative() {
		unit = decimal.Zero
	}

	subtotal := unit.Mul(decimal.NewFromInt(int64(line.Quantity)))
	priceExcl := subtotal
	tax := decimal.Zero
	for _, t := range inclusive {
		next := priceExcl.Div(one.Add(fraction(t)))
		tax = tax.Add(priceExcl.Sub(next))
		priceExcl = next
	}
	for _, t := range exclusive {
		tax = tax.Add(priceExcl.Mul(fraction(t)))
	}

	taxRounded := tax.Round(2)
	exclRounded := priceExcl.Round(2)
	ids := make([]int64, 0, len(taxes))
	for _, t := range inclusive {
		ids = append(ids, t.ID)
	}
	for _, t := range exclusive {
		ids = append(ids, t.ID)
	}

	return BreakdownLine{
		ProductID:         line.ProductID,
		Qty:               line.Quantity,
		PriceUnit:         unit,
		PriceSubtotal:     exclRounded,
		PriceSubtotalIncl: exclRounded.Add(taxRounded),
		Tax:               taxRounded,
		TaxIDs:            ids,
		CustomerNote:      line.Notes,
		ComboParentID:     line.ComboParentID,
		ComboLineID:       line.ComboLineID,
		ComboItemID:       line.ComboItemID,
	}, nil
}

// partition splits taxes into inclusive and exclusive groups, each ordered by
// sequence then id.
func partition(taxes []TaxRule) (inclusive, exclusive []TaxRule, err error) {
	sorted := make([]TaxRule, len(taxes))
	copy(sorted, taxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].ID < sorted[j].ID
	})
	for _, t := range sorted {
		if t.Rate.IsNegative() {
			return nil, nil, fmt.Errorf("%w: tax %d has negative rate", ErrInvalidTax, t.ID)
		}
		if t.Inclusive {
			inclusive = append(inclusive, t)
		} else {
			exclusive = append(exclusive, t)
		}
	}
	return inclusive, exclusive, nil
}

func fraction(t TaxRule) decimal.Decimal {
	return t.Rate.Div(hundred)
}

// Package cartcodec packs a cart into the compact record attached to a payment
// authorization and unpacks it into cart lines at fulfillment time.
package cartcodec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-fulfillment/internal/pricing"
)

// MaxBytes is the processor's ceiling for a single metadata value.
const MaxBytes = 500

// ErrMalformed is returned when a record cannot be turned into cart lines.
var ErrMalformed = errors.New("cartcodec: malformed cart record")

// PayloadTooLargeError is returned when the encoded cart exceeds MaxBytes.
type PayloadTooLargeError struct {
	Size int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("cartcodec: encoded cart is %d bytes, limit %d", e.Size, MaxBytes)
}

// Selection is one combo choice made by the shopper.
type Selection struct {
	ComboLineID int64           `json:"comboLineId" validate:"required,gt=0"`
	ItemID      int64           `json:"itemId" validate:"required,gt=0"`
	ProductID   int64           `json:"productId" validate:"required,gt=0"`
	ExtraPrice  decimal.Decimal `json:"extraPrice"`
}

// Item is a storefront cart item. UnitPrice includes the extras of its selections.
type Item struct {
	ProductID  int64           `json:"productId" validate:"required,gt=0"`
	Qty        int             `json:"qty" validate:"required,gt=0"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Note       string          `json:"note,omitempty" validate:"max=200"`
	Selections []Selection     `json:"combo,omitempty" validate:"dive"`
}

// Record is the wire form. Keys are single letters to stay under MaxBytes.
type Record struct {
	Items []RecordItem `json:"i"`
}

// RecordItem is one cart item in wire form.
type RecordItem struct {
	ProductID int64     `json:"p"`
	Qty       int       `json:"q"`
	UnitPrice amount    `json:"u"`
	Note      string    `json:"n,omitempty"`
	SubItems  []SubItem `json:"s,omitempty"`
}

// SubItem holds the choices for one combo line as parallel arrays.
type SubItem struct {
	ComboLineID int64    `json:"l"`
	ItemIDs     []int64  `json:"i"`
	ProductIDs  []int64  `json:"p"`
	ExtraPrices []amount `json:"e"`
}

// amount is a decimal written as a bare JSON number.
type amount decimal.Decimal

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).String()), nil
}

func (a *amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*a = amount(d)
	return nil
}

func (a amount) dec() decimal.Decimal { return decimal.Decimal(a) }

// Encode builds the wire record for items. It fails instead of dropping data
// when the result would not fit.
func Encode(items []Item) (Record, []byte, error) {
	rec := Record{Items: make([]RecordItem, 0, len(items))}
	for _, it := range items {
		ri := RecordItem{
			ProductID: it.ProductID,
			Qty:       it.Qty,
			UnitPrice: amount(it.UnitPrice),
			Note:      it.Note,
		}
		index := map[int64]int{}
		for _, sel := range it.Selections {
			pos, ok := index[sel.ComboLineID]
			if !ok {
				pos = len(ri.SubItems)
				index[sel.ComboLineID] = pos
				ri.SubItems = append(ri.SubItems, SubItem{ComboLineID: sel.ComboLineID})
			}
			sub := &ri.SubItems[pos]
			sub.ItemIDs = append(sub.ItemIDs, sel.ItemID)
			sub.ProductIDs = append(sub.ProductIDs, sel.ProductID)
			sub.ExtraPrices = append(sub.ExtraPrices, amount(sel.ExtraPrice))
		}
		rec.Items = append(rec.Items, ri)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, nil, fmt.Errorf("cartcodec: marshal: %w", err)
	}
	if len(data) > MaxBytes {
		return Record{}, nil, &PayloadTooLargeError{Size: len(data)}
	}
	return rec, data, nil
}

// Parse reads a wire record.
func Parse(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rec.Items) == 0 {
		return Record{}, fmt.Errorf("%w: no items", ErrMalformed)
	}
	return rec, nil
}

// Decode expands a record into cart lines: one parent line per item priced at
// its base component, followed by one child line per combo choice.
func Decode(rec Record) ([]pricing.CartLine, error) {
	lines := make([]pricing.CartLine, 0, len(rec.Items))
	for i, it := range rec.Items {
		if it.ProductID <= 0 || it.Qty <= 0 {
			return nil, fmt.Errorf("%w: item %d", ErrMalformed, i)
		}
		extras := decimal.Zero
		var children []pricing.CartLine
		for _, sub := range it.SubItems {
			n := len(sub.ItemIDs)
			if len(sub.ProductIDs) != n || len(sub.ExtraPrices) != n {
				return nil, fmt.Errorf("%w: item %d combo line %d has uneven arrays", ErrMalformed, i, sub.ComboLineID)
			}
			for k := 0; k < n; k++ {
				if sub.ProductIDs[k] <= 0 || sub.ItemIDs[k] <= 0 {
					return nil, fmt.Errorf("%w: item %d combo line %d", ErrMalformed, i, sub.ComboLineID)
				}
				extra := sub.ExtraPrices[k].dec()
				extras = extras.Add(extra)
				children = append(children, pricing.CartLine{
					ProductID:     sub.ProductIDs[k],
					Quantity:      it.Qty,
					UnitPrice:     extra,
					ComboParentID: it.ProductID,
					ComboLineID:   sub.ComboLineID,
					ComboItemID:   sub.ItemIDs[k],
				})
			}
		}
		base := it.UnitPrice.dec().Sub(extras)
		if base.IsNegative() {
			base = decimal.Zero
		}
		lines = append(lines, pricing.CartLine{
			ProductID: it.ProductID,
			Quantity:  it.Qty,
			UnitPrice: base,
			Notes:     it.Note,
		})
		lines = append(lines, children...)
	}
	return lines, nil
}

// DecodeString parses and decodes a metadata value in one step.
func DecodeString(value string) ([]pricing.CartLine, error) {
	rec, err := Parse([]byte(value))
	if err != nil {
		return nil, err
	}
	return Decode(rec)
}

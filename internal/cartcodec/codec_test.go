package cartcodec

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundTripWithoutCombos(t *testing.T) {
	items := []Item{
		{ProductID: 11, Qty: 2, UnitPrice: dec("12.50"), Note: "no onions"},
		{ProductID: 12, Qty: 1, UnitPrice: dec("3")},
		{ProductID: 13, Qty: 5, UnitPrice: dec("0.99")},
	}
	_, data, err := Encode(items)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), MaxBytes)

	lines, err := DecodeString(string(data))
	require.NoError(t, err)
	require.Len(t, lines, len(items))
	for i, it := range items {
		require.Equal(t, it.ProductID, lines[i].ProductID)
		require.Equal(t, it.Qty, lines[i].Quantity)
		require.True(t, it.UnitPrice.Equal(lines[i].UnitPrice), "line %d price %s", i, lines[i].UnitPrice)
		require.Equal(t, it.Note, lines[i].Notes)
		require.False(t, lines[i].IsComboChild())
	}
}

func TestComboParentCarriesBasePrice(t *testing.T) {
	items := []Item{{
		ProductID: 100,
		Qty:       1,
		UnitPrice: dec("1200"),
		Selections: []Selection{
			{ComboLineID: 7, ItemID: 71, ProductID: 201, ExtraPrice: dec("200")},
			{ComboLineID: 8, ItemID: 81, ProductID: 202, ExtraPrice: dec("150")},
		},
	}}
	rec, data, err := Encode(items)
	require.NoError(t, err)
	require.Len(t, rec.Items[0].SubItems, 2)

	lines, err := DecodeString(string(data))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	parent := lines[0]
	require.EqualValues(t, 100, parent.ProductID)
	require.True(t, parent.UnitPrice.Equal(dec("850")), "parent price %s", parent.UnitPrice)

	require.True(t, lines[1].UnitPrice.Equal(dec("200")))
	require.EqualValues(t, 201, lines[1].ProductID)
	require.EqualValues(t, 100, lines[1].ComboParentID)
	require.EqualValues(t, 7, lines[1].ComboLineID)
	require.EqualValues(t, 71, lines[1].ComboItemID)

	require.True(t, lines[2].UnitPrice.Equal(dec("150")))
	require.EqualValues(t, 202, lines[2].ProductID)
	require.EqualValues(t, 8, lines[2].ComboLineID)
	require.EqualValues(t, 81, lines[2].ComboItemID)
}

func TestSelectionsOnSameComboLineShareArrays(t *testing.T) {
	items := []Item{{
		ProductID: 1, Qty: 2, UnitPrice: dec("10"),
		Selections: []Selection{
			{ComboLineID: 3, ItemID: 31, ProductID: 9, ExtraPrice: dec("1")},
			{ComboLineID: 3, ItemID: 32, ProductID: 10, ExtraPrice: dec("0.5")},
		},
	}}
	rec, data, err := Encode(items)
	require.NoError(t, err)
	require.Len(t, rec.Items[0].SubItems, 1)
	require.Equal(t, []int64{31, 32}, rec.Items[0].SubItems[0].ItemIDs)
	require.Contains(t, string(data), `"e":[1,0.5]`)

	lines, err := DecodeString(string(data))
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.True(t, lines[0].UnitPrice.Equal(dec("8.5")))
	require.Equal(t, 2, lines[1].Quantity)
}

func TestParentPriceClampedAtZero(t *testing.T) {
	lines, err := DecodeString(`{"i":[{"p":1,"q":1,"u":100,"s":[{"l":2,"i":[3],"p":4,"e":[150]}]}]}`)
	require.Error(t, err)
	require.Nil(t, lines)

	lines, err = DecodeString(`{"i":[{"p":1,"q":1,"u":100,"s":[{"l":2,"i":[3],"p":[4],"e":[150]}]}]}`)
	require.NoError(t, err)
	require.True(t, lines[0].UnitPrice.IsZero())
	require.True(t, lines[1].UnitPrice.Equal(dec("150")))
}

func TestEncodeFailsWhenTooLarge(t *testing.T) {
	items := make([]Item, 0, 30)
	for i := 0; i < 30; i++ {
		items = append(items, Item{ProductID: int64(1000 + i), Qty: 1, UnitPrice: dec("19.99"), Note: "extra spicy"})
	}
	_, data, err := Encode(items)
	var tooLarge *PayloadTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	require.Greater(t, tooLarge.Size, MaxBytes)
	require.Nil(t, data)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"not json",
		`{"i":[]}`,
		`{"i":[{"p":0,"q":1,"u":1}]}`,
		`{"i":[{"p":1,"q":0,"u":1}]}`,
		`{"i":[{"p":1,"q":1,"u":1,"s":[{"l":1,"i":[1,2],"p":[3],"e":[1,2]}]}]}`,
		`{"i":[{"p":1,"q":1,"u":1,"s":[{"l":1,"i":[0],"p":[3],"e":[1]}]}]}`,
	} {
		_, err := DecodeString(raw)
		require.ErrorIs(t, err, ErrMalformed, "input %q", raw)
	}
}

func TestEncodedKeysAreCompact(t *testing.T) {
	_, data, err := Encode([]Item{{ProductID: 1, Qty: 1, UnitPrice: dec("2.5")}})
	require.NoError(t, err)
	require.Equal(t, `{"i":[{"p":1,"q":1,"u":2.5}]}`, string(data))
	require.False(t, strings.Contains(string(data), "product"))
}

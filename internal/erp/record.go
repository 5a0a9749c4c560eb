package erp

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// Kind tags the shape of a field value returned by the ERP.
type Kind int

const (
	// Missing is an absent field or the ERP's `false` placeholder.
	Missing Kind = iota
	// Scalar is a number, string or true.
	Scalar
	// Relation is a many2one `[id, "label"]` pair.
	Relation
	// IDList is a x2many list of record ids.
	IDList
)

// RelationRef is a decoded many2one reference.
type RelationRef struct {
	ID    int64
	Label string
}

// Value is a single decoded field.
type Value struct {
	kind Kind
	raw  json.RawMessage
	ref  RelationRef
	ids  []int64
}

// UnmarshalJSON classifies the raw value.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*v = Value{}
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")), bytes.Equal(trimmed, []byte("false")):
		return nil
	case trimmed[0] == '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		if len(parts) == 2 && len(bytes.TrimSpace(parts[1])) > 0 && bytes.TrimSpace(parts[1])[0] == '"' {
			var ref RelationRef
			if err := json.Unmarshal(parts[0], &ref.ID); err != nil {
				return err
			}
			if err := json.Unmarshal(parts[1], &ref.Label); err != nil {
				return err
			}
			v.kind, v.ref = Relation, ref
			return nil
		}
		ids := make([]int64, 0, len(parts))
		for _, p := range parts {
			var id int64
			if err := json.Unmarshal(p, &id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		v.kind, v.ids = IDList, ids
		return nil
	default:
		v.kind = Scalar
		v.raw = append(json.RawMessage(nil), trimmed...)
		return nil
	}
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// Text returns a string scalar.
func (v Value) Text() (string, bool) {
	if v.kind != Scalar {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return string(v.raw), true
	}
	return s, true
}

// Int returns an integer scalar, or the id of a relation.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case Relation:
		return v.ref.ID, true
	case Scalar:
		n, err := strconv.ParseInt(string(v.raw), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Decimal returns a numeric scalar.
func (v Value) Decimal() (decimal.Decimal, bool) {
	if v.kind != Scalar {
		return decimal.Zero, false
	}
	s := string(v.raw)
	if len(s) > 0 && s[0] == '"' {
		if err := json.Unmarshal(v.raw, &s); err != nil {
			return decimal.Zero, false
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Bool reports whether the value is the scalar `true`. The ERP encodes false
// as Missing.
func (v Value) Bool() bool {
	return v.kind == Scalar && string(v.raw) == "true"
}

// Ref returns the relation reference.
func (v Value) Ref() (RelationRef, bool) {
	if v.kind != Relation {
		return RelationRef{}, false
	}
	return v.ref, true
}

// IDs returns related ids. A relation yields its single id.
func (v Value) IDs() []int64 {
	switch v.kind {
	case IDList:
		return append([]int64(nil), v.ids...)
	case Relation:
		return []int64{v.ref.ID}
	}
	return nil
}

// Record is one ERP record. Absent keys read as Missing.
type Record map[string]Value

// ID returns the record id.
func (r Record) ID() int64 {
	id, _ := r["id"].Int()
	return id
}

// Str returns a string field or "".
func (r Record) Str(field string) string {
	s, _ := r[field].Text()
	return s
}

package payment

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Metadata keys attached to an authorization.
const (
	MetaCart          = "cart"
	MetaCustomerName  = "customer_name"
	MetaCustomerEmail = "customer_email"
	MetaCustomerPhone = "customer_phone"
	MetaOrderType     = "order_type"
	MetaNotes         = "notes"
)

// MaxMetadataValue is the processor's per-value limit in bytes.
const MaxMetadataValue = 500

// Metadata is the typed form of an authorization's metadata.
type Metadata struct {
	Cart          string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	OrderType     string
	Notes         string
}

// Values renders m for the processor, dropping empty fields. Free-text values
// are cut at MaxMetadataValue; the cart is never cut.
func (m Metadata) Values() map[string]string {
	out := map[string]string{MetaCart: m.Cart}
	set := func(k, v string) {
		v = truncate(strings.TrimSpace(v), MaxMetadataValue)
		if v != "" {
			out[k] = v
		}
	}
	set(MetaCustomerName, m.CustomerName)
	set(MetaCustomerEmail, m.CustomerEmail)
	set(MetaCustomerPhone, m.CustomerPhone)
	set(MetaOrderType, m.OrderType)
	set(MetaNotes, m.Notes)
	return out
}

// MetadataFrom reads the typed metadata from raw processor values.
func MetadataFrom(values map[string]string) Metadata {
	return Metadata{
		Cart:          values[MetaCart],
		CustomerName:  values[MetaCustomerName],
		CustomerEmail: values[MetaCustomerEmail],
		CustomerPhone: values[MetaCustomerPhone],
		OrderType:     values[MetaOrderType],
		Notes:         values[MetaNotes],
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

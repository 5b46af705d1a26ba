package schema

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Payload is a JSON object holding an entity body or a partial update.
type Payload = jsoniter.RawMessage

// codec sorts map keys so merged payloads are byte-stable.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v as a canonical payload.
func Marshal(v any) (Payload, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a payload into v.
func Unmarshal(p Payload, v any) error {
	if err := codec.Unmarshal(p, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

func decodeObject(p Payload) (map[string]jsoniter.RawMessage, error) {
	obj := map[string]jsoniter.RawMessage{}
	if len(bytes.TrimSpace(p)) == 0 {
		return obj, nil
	}
	if err := codec.Unmarshal(p, &obj); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if obj == nil {
		// the literal null
		obj = map[string]jsoniter.RawMessage{}
	}
	return obj, nil
}

// Canonical re-encodes an object payload with sorted keys.
func Canonical(p Payload) (Payload, error) {
	obj, err := decodeObject(p)
	if err != nil {
		return nil, err
	}
	return Marshal(obj)
}

// Merge applies patch onto base one top-level field at a time. A field set to
// null in the patch is removed. Nested objects are replaced, not merged.
func Merge(base, patch Payload) (Payload, error) {
	b, err := decodeObject(base)
	if err != nil {
		return nil, err
	}
	p, err := decodeObject(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range p {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			delete(b, k)
			continue
		}
		b[k] = v
	}
	return Marshal(b)
}

// MergePatches combines two successive patches into one. Unlike Merge, nulls
// are kept so the combined patch still removes the field when applied.
func MergePatches(first, second Payload) (Payload, error) {
	a, err := decodeObject(first)
	if err != nil {
		return nil, err
	}
	b, err := decodeObject(second)
	if err != nil {
		return nil, err
	}
	for k, v := range b {
		a[k] = v
	}
	return Marshal(a)
}

// Field returns a top-level string field, or "" when absent or not a string.
func Field(p Payload, key string) string {
	obj, err := decodeObject(p)
	if err != nil {
		return ""
	}
	return stringField(obj, key)
}

func stringField(obj map[string]jsoniter.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok || key == "" {
		return ""
	}
	var s string
	if err := codec.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Index holds the locally indexed fields of a record. They exist for query
// speed only and are recomputed from the payload on every write.
type Index struct {
	Status string
	Date   string
	RefID  string
	Name   string
}

var indexKeys = map[EntityType]struct{ status, date, ref, name string }{
	Customers:        {status: "status", name: "name"},
	Products:         {status: "status", name: "name"},
	Invoices:         {status: "status", date: "issue_date", ref: "customer_id", name: "number"},
	InvoiceLineItems: {ref: "invoice_id", name: "description"},
	BusinessSettings: {name: "business_name"},
	TemplateConfigs:  {status: "layout", name: "name"},
}

// IndexOf extracts the indexed fields of a payload for et.
func IndexOf(et EntityType, p Payload) Index {
	obj, err := decodeObject(p)
	if err != nil {
		return Index{}
	}
	keys := indexKeys[et]
	return Index{
		Status: stringField(obj, keys.status),
		Date:   stringField(obj, keys.date),
		RefID:  stringField(obj, keys.ref),
		Name:   stringField(obj, keys.name),
	}
}

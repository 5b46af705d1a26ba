package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntityType names one of the synchronised entity tables.
type EntityType string

const (
	Customers        EntityType = "customers"
	Products         EntityType = "products"
	Invoices         EntityType = "invoices"
	InvoiceLineItems EntityType = "invoice_line_items"
	BusinessSettings EntityType = "business_settings"
	TemplateConfigs  EntityType = "template_configs"
)

// EntityTypes lists every entity type in dependency order: a record never
// references a type that appears after it.
var EntityTypes = []EntityType{
	BusinessSettings,
	TemplateConfigs,
	Customers,
	Products,
	Invoices,
	InvoiceLineItems,
}

var idPrefixes = map[EntityType]string{
	Customers:        "cust",
	Products:         "prod",
	Invoices:         "inv",
	InvoiceLineItems: "line",
	BusinessSettings: "bset",
	TemplateConfigs:  "tmpl",
}

// ParseEntityType accepts the table name or its common singular form.
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, et := range EntityTypes {
		if s == string(et) || s+"s" == string(et) || s == idPrefixes[et] {
			return et, nil
		}
	}
	switch s {
	case "line_item", "line_items", "invoice_line_item":
		return InvoiceLineItems, nil
	case "settings", "business_setting":
		return BusinessSettings, nil
	case "template", "templates", "template_config":
		return TemplateConfigs, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether et is a known entity type.
func (et EntityType) Valid() bool {
	_, ok := idPrefixes[et]
	return ok
}

func (et EntityType) String() string { return string(et) }

// NewID returns a client-generated, sortable id such as "inv_01J9Z...".
// Ids are assigned at creation time so records can be created offline.
func NewID(et EntityType) string {
	return idPrefixes[et] + "_" + ulid.Make().String()
}

// Operation is the server-side effect an outbox entry describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Record is one entity row. Payload is the versioned entity body; the
// remaining fields are the envelope every entity type shares.
type Record struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Version is the server revision of the payload, zero until the record
	// has been confirmed by the server at least once.
	Version int64   `json:"version"`
	Payload Payload `json:"payload"`

	// Pending is derived from the outbox on read: true while at least one
	// unacknowledged mutation targets this record. Never persisted.
	Pending bool `json:"pending,omitempty"`
}

// Confirmed reports whether the server has ever acknowledged this record.
func (r *Record) Confirmed() bool {
	return r.Version > 0
}

// Validate checks the envelope. Payload contents are checked by
// ValidatePayload.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.ID) > 128 {
		return fmt.Errorf("id must be 128 characters or less (got %d)", len(r.ID))
	}
	if r.BusinessID == "" {
		return fmt.Errorf("business_id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// NextUpdatedAt returns the timestamp a local mutation should stamp on a
// record last touched at prev: now, or one microsecond past prev when the
// clock has not moved forward.
func NextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

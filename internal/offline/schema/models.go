package schema

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Typed views of the entity payloads. The store persists payloads as opaque
// JSON; these structs exist to validate writes and to render records.

type Customer struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Address string `json:"address,omitempty"`
	TaxID   string `json:"tax_id,omitempty" validate:"omitempty,max=64"`
	Status  string `json:"status,omitempty" validate:"omitempty,oneof=active archived"`
}

type Product struct {
	Name      string          `json:"name" validate:"required,max=200"`
	SKU       string          `json:"sku,omitempty" validate:"omitempty,max=64"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Status    string          `json:"status,omitempty" validate:"omitempty,oneof=active archived"`
}

type Invoice struct {
	Number     string          `json:"number,omitempty" validate:"omitempty,max=64"`
	CustomerID string          `json:"customer_id" validate:"required"`
	Status     string          `json:"status" validate:"required,oneof=draft sent paid overdue void"`
	IssueDate  string          `json:"issue_date" validate:"required,datetime=2006-01-02"`
	DueDate    string          `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Currency   string          `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Notes      string          `json:"notes,omitempty"`
	Total      decimal.Decimal `json:"total"`
}

type InvoiceLineItem struct {
	InvoiceID   string          `json:"invoice_id" validate:"required"`
	ProductID   string          `json:"product_id,omitempty"`
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

// Amount is quantity times unit price, before tax.
func (l *InvoiceLineItem) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Tax is the tax due on the line, rounded to cents.
func (l *InvoiceLineItem) Tax() decimal.Decimal {
	return l.Amount().Mul(l.TaxRate).Round(2)
}

type BusinessSettingsPayload struct {
	BusinessName      string `json:"business_name" validate:"required,max=200"`
	Currency          string `json:"currency" validate:"required,len=3,uppercase"`
	Timezone          string `json:"timezone,omitempty"`
	InvoicePrefix     string `json:"invoice_prefix,omitempty" validate:"omitempty,max=16"`
	NextInvoiceNumber int    `json:"next_invoice_number" validate:"gte=0"`
	PaymentTermsDays  int    `json:"payment_terms_days" validate:"gte=0,lte=365"`
}

type TemplateConfig struct {
	Name         string `json:"name" validate:"required,max=100"`
	Layout       string `json:"layout" validate:"required,oneof=classic modern minimal"`
	PrimaryColor string `json:"primary_color,omitempty" validate:"omitempty,hexcolor"`
	Footer       string `json:"footer,omitempty"`
	ShowTax      bool   `json:"show_tax"`
}

// InvoiceTotals sums the lines of an invoice.
func InvoiceTotals(lines []InvoiceLineItem) (subtotal, tax, total decimal.Decimal) {
	for i := range lines {
		subtotal = subtotal.Add(lines[i].Amount())
		tax = tax.Add(lines[i].Tax())
	}
	return subtotal, tax, subtotal.Add(tax)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// NewModel returns an empty typed view for et.
func NewModel(et EntityType) (any, error) {
	switch et {
	case Customers:
		return &Customer{}, nil
	case Products:
		return &Product{}, nil
	case Invoices:
		return &Invoice{}, nil
	case InvoiceLineItems:
		return &InvoiceLineItem{}, nil
	case BusinessSettings:
		return &BusinessSettingsPayload{}, nil
	case TemplateConfigs:
		return &TemplateConfig{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", et)
}

// ValidatePayload checks that p is a complete, well-formed body for et.
func ValidatePayload(et EntityType, p Payload) error {
	model, err := NewModel(et)
	if err != nil {
		return err
	}
	if err := Unmarshal(p, model); err != nil {
		return err
	}
	if err := validatorInstance().Struct(model); err != nil {
		return err
	}
	return checkAmounts(model)
}

func checkAmounts(model any) error {
	switch m := model.(type) {
	case *Product:
		if m.UnitPrice.IsNegative() {
			return fmt.Errorf("unit_price must not be negative")
		}
		if m.TaxRate.IsNegative() || m.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("tax_rate must be between 0 and 1")
		}
	case *InvoiceLineItem:
		if !m.Quantity.IsPositive() {
			return fmt.Errorf("quantity must be positive")
		}
		if m.UnitPrice.IsNegative() {
			return fmt.Errorf("unit_price must not be negative")
		}
		if m.TaxRate.IsNegative() || m.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("tax_rate must be between 0 and 1")
		}
	case *Invoice:
		if m.Total.IsNegative() {
			return fmt.Errorf("total must not be negative")
		}
	}
	return nil
}

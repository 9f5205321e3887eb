package invoice

import (
	"github.com/shopspring/decimal"
)

// Tax modes of an invoice request.
const (
	TaxTypeNet   = "net"
	TaxTypeGross = "gross"
)

// Number is a decimal that encodes as a bare JSON number.
type Number struct {
	decimal.Decimal
}

// NewNumber wraps d.
func NewNumber(d decimal.Decimal) Number {
	return Number{Decimal: d}
}

// MarshalJSON writes the decimal without quotes.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

// Neg returns the sign-inverse.
func (n Number) Neg() Number {
	return Number{Decimal: n.Decimal.Neg()}
}

// Request is the invoice or credit-note document sent to the accounting API.
type Request struct {
	VoucherDate        string              `json:"voucherDate"`
	Address            Address             `json:"address"`
	LineItems          []LineItem          `json:"lineItems"`
	TotalPrice         TotalPrice          `json:"totalPrice"`
	TaxConditions      TaxConditions       `json:"taxConditions"`
	PaymentConditions  *PaymentConditions  `json:"paymentConditions,omitempty"`
	ShippingConditions *ShippingConditions `json:"shippingConditions,omitempty"`
	Title              string              `json:"title,omitempty"`
	Introduction       string              `json:"introduction,omitempty"`
	Remark             string              `json:"remark,omitempty"`
}

// Address is the recipient, either a stored contact or an inline billing address.
type Address struct {
	ContactID   string `json:"contactId,omitempty"`
	Name        string `json:"name,omitempty"`
	Supplement  string `json:"supplement,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	Zip         string `json:"zip,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
}

// LineItem is one position of the document. Quantity is negative on discount lines.
type LineItem struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Quantity    Number    `json:"quantity"`
	UnitName    string    `json:"unitName"`
	UnitPrice   UnitPrice `json:"unitPrice"`
}

// UnitPrice carries both net and gross amounts; the API reads the one matching the tax type.
type UnitPrice struct {
	Currency          string `json:"currency"`
	NetAmount         Number `json:"netAmount"`
	GrossAmount       Number `json:"grossAmount"`
	TaxRatePercentage Number `json:"taxRatePercentage"`
}

// TotalPrice names the document currency; the API computes the totals.
type TotalPrice struct {
	Currency string `json:"currency"`
}

// TaxConditions selects net or gross pricing for all line items.
type TaxConditions struct {
	TaxType string `json:"taxType"`
}

// PaymentConditions is the payment term printed on the document.
type PaymentConditions struct {
	PaymentTermLabel    string `json:"paymentTermLabel"`
	PaymentTermDuration int    `json:"paymentTermDuration"`
}

// ShippingConditions records the delivery date of the order.
type ShippingConditions struct {
	ShippingDate string `json:"shippingDate"`
	ShippingType string `json:"shippingType"`
}

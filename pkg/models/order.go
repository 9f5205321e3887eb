package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metadata keys owned by this system on the host order.
const (
	MetaInvoiceID     = "_lexsync_invoice_id"
	MetaInvoiceNumber = "_lexsync_invoice_number"
	MetaCreditNoteID  = "_lexsync_credit_note_id"
	MetaInvoiceVoided = "_lexsync_invoice_voided"
	MetaContactID     = "_lexsync_contact_id"
)

// LinkageKeys are the keys describing the invoice currently linked to an order.
var LinkageKeys = []string{MetaInvoiceID, MetaInvoiceNumber, MetaInvoiceVoided}

// CachedIDKeys are all identifiers cached from the accounting service.
var CachedIDKeys = []string{MetaInvoiceID, MetaInvoiceNumber, MetaCreditNoteID, MetaInvoiceVoided, MetaContactID}

// Order is the subset of a host order needed to invoice it.
// Monetary fields are net unless their name says otherwise.
type Order struct {
	ID                 string
	Number             string
	Status             string
	CreatedAt          time.Time
	Currency           string
	PaymentMethod      string // gateway id, used for payment term lookup
	PaymentMethodTitle string

	Billing BillingIdentity

	Items            []OrderItem
	Coupons          []Coupon
	RedeemedVouchers []RedeemedVoucher

	ShippingTotal decimal.Decimal
	ShippingTax   decimal.Decimal
	Subtotal      decimal.Decimal // sum of item subtotals before discounts
	TotalTax      decimal.Decimal
	Total         decimal.Decimal // gross grand total

	// TaxRates maps the host's tax rate id to its percentage.
	TaxRates map[string]decimal.Decimal

	Meta map[string]string
}

// MetaValue returns the metadata value for key, or "" when unset.
func (o *Order) MetaValue(key string) string {
	if o.Meta == nil {
		return ""
	}
	return o.Meta[key]
}

// SetMetaValue updates the in-memory copy of a metadata value.
func (o *Order) SetMetaValue(key, value string) {
	if o.Meta == nil {
		o.Meta = make(map[string]string)
	}
	if value == "" {
		delete(o.Meta, key)
		return
	}
	o.Meta[key] = value
}

// InvoiceID returns the cached accounting invoice id.
func (o *Order) InvoiceID() string {
	return o.MetaValue(MetaInvoiceID)
}

// InvoiceVoided reports whether the linked invoice was already cancelled by a credit note.
func (o *Order) InvoiceVoided() bool {
	return o.MetaValue(MetaInvoiceVoided) == "yes"
}

// BillingIdentity is the billing party of an order.
type BillingIdentity struct {
	FirstName string
	LastName  string
	Company   string
	Address1  string
	Address2  string
	City      string
	Postcode  string
	Country   string // ISO 3166-1 alpha-2
	Email     string
	Phone     string
	VATID     string
	TaxNumber string
}

// FullName joins first and last name.
func (b BillingIdentity) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(b.FirstName) + " " + strings.TrimSpace(b.LastName))
}

// IsBusiness reports whether the billing party is a company.
func (b BillingIdentity) IsBusiness() bool {
	return strings.TrimSpace(b.Company) != ""
}

// OrderItem is a product line of an order.
type OrderItem struct {
	Name        string
	Quantity    decimal.Decimal
	Subtotal    decimal.Decimal // line net before coupons
	SubtotalTax decimal.Decimal
	Taxes       []TaxComponent
}

// TaxComponent is one entry of an item's recorded tax breakdown.
type TaxComponent struct {
	RateID string
	Amount decimal.Decimal
}

// Coupon is a discount applied to an order.
type Coupon struct {
	Code           string
	Discount       decimal.Decimal
	DiscountTax    decimal.Decimal
	IsValueVoucher bool
}

// GrossDiscount is the discount including tax.
func (c Coupon) GrossDiscount() decimal.Decimal {
	return c.Discount.Add(c.DiscountTax)
}

// RedeemedVoucher is a prepaid voucher used as a means of payment.
type RedeemedVoucher struct {
	Name   string
	Amount decimal.Decimal
}

// Package invoice turns host orders into accounting invoice requests.
//
// Building is a pure computation on decimal amounts: no I/O happens here.
// The same builder produces credit notes by negating every line, so a credit
// note is always the exact mirror of the invoice it cancels.
//
// Tax handling:
//   - Business customers (company set) are invoiced in net mode, consumers in gross mode
//   - Item tax rates come from the item's own tax breakdown, then the order average, then 19%
//   - Value vouchers are discounted at 0% (taxed at redemption, not at sale)
//   - Ordinary coupons are split with the order's average tax rate
package invoice

import (
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"lexsync/internal/logger"
	"lexsync/pkg/models"
)

// DefaultTaxRate is used when no rate can be derived from the order.
var DefaultTaxRate = decimal.NewFromInt(19)

// DefaultTimezone is the zone document dates are normalized to.
const DefaultTimezone = "Europe/Berlin"

// DateLayout is ISO-8601 with milliseconds and an explicit UTC offset.
const DateLayout = "2006-01-02T15:04:05.000-07:00"

// PaymentTerm overrides the payment conditions for one payment method.
type PaymentTerm struct {
	Label   string
	DueDays int
}

// Settings holds the document templates and line item options.
type Settings struct {
	Title                  string
	Introduction           string
	Remark                 string
	CreditNoteTitle        string
	CreditNoteIntroduction string
	PaymentTerms           string
	PaymentDueDays         int
	PaymentMethods         map[string]PaymentTerm
	UnitName               string
	ShippingAsLineItem     bool
	ShippingName           string
	Location               *time.Location
}

// DefaultSettings returns German defaults with 14 days payment term.
func DefaultSettings() Settings {
	return Settings{
		Title:                  "Rechnung",
		Introduction:           "Vielen Dank für Ihre Bestellung [order_number] vom [order_date].",
		Remark:                 "Wir freuen uns auf Ihren nächsten Einkauf.",
		CreditNoteTitle:        "Rechnungskorrektur",
		CreditNoteIntroduction: "Stornierung der Bestellung [order_number] vom [order_date].",
		PaymentTerms:           "Zahlbar innerhalb von 14 Tagen ohne Abzug.",
		PaymentDueDays:         14,
		UnitName:               "Stück",
		ShippingAsLineItem:     true,
		ShippingName:           "Versandkosten",
	}
}

// Options control a single build.
type Options struct {
	// Negate builds a credit note: every quantity and amount flips sign.
	Negate bool
	// ContactID links the document to an existing accounting contact.
	ContactID string
	// Now overrides the document date; zero means time.Now.
	Now time.Time
}

// Builder builds invoice requests from orders.
type Builder struct {
	settings Settings
	loc      *time.Location
	log      zerolog.Logger
}

// NewBuilder creates a builder. Empty settings fields fall back to DefaultSettings.
func NewBuilder(settings Settings) *Builder {
	defaults := DefaultSettings()
	if settings.UnitName == "" {
		settings.UnitName = defaults.UnitName
	}
	if settings.ShippingName == "" {
		settings.ShippingName = defaults.ShippingName
	}
	if settings.PaymentDueDays <= 0 {
		settings.PaymentDueDays = defaults.PaymentDueDays
	}
	if settings.PaymentTerms == "" {
		settings.PaymentTerms = defaults.PaymentTerms
	}

	loc := settings.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
	}

	return &Builder{
		settings: settings,
		loc:      loc,
		log:      logger.WithComponent("invoice-builder"),
	}
}

// Build produces the invoice (or, with Negate, credit-note) request for order.
func (b *Builder) Build(order *models.Order, opts Options) (*Request, error) {
	const op = "Build"

	currency := order.Currency
	if currency == "" {
		currency = "EUR"
	}

	address, err := b.address(order, opts.ContactID)
	if err != nil {
		return nil, NewBuildError(op, order.ID, err, "address")
	}

	lines, err := b.lineItems(order, currency)
	if err != nil {
		return nil, NewBuildError(op, order.ID, err, "line items")
	}
	if len(lines) == 0 {
		return nil, NewBuildError(op, order.ID, ErrNoLineItems, "")
	}
	if opts.Negate {
		for i := range lines {
			lines[i] = negateLine(lines[i])
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	date := b.midnight(now)

	taxType := TaxTypeGross
	if order.Billing.IsBusiness() {
		taxType = TaxTypeNet
	}

	req := &Request{
		VoucherDate:   date,
		Address:       address,
		LineItems:     lines,
		TotalPrice:    TotalPrice{Currency: currency},
		TaxConditions: TaxConditions{TaxType: taxType},
		ShippingConditions: &ShippingConditions{
			ShippingDate: date,
			ShippingType: "delivery",
		},
	}

	if opts.Negate {
		req.Title = b.render(b.settings.CreditNoteTitle, order)
		req.Introduction = b.render(b.settings.CreditNoteIntroduction, order)
	} else {
		term := b.paymentTerm(order.PaymentMethod)
		req.Title = b.render(b.settings.Title, order)
		req.Introduction = b.render(b.settings.Introduction, order)
		req.Remark = b.render(b.settings.Remark, order)
		req.PaymentConditions = &PaymentConditions{
			PaymentTermLabel:    b.render(term.Label, order),
			PaymentTermDuration: term.DueDays,
		}
	}

	for _, warning := range ValidateLineItems(req.LineItems) {
		b.log.Warn().Str("order_id", order.ID).Msg(warning)
	}

	b.log.Debug().
		Str("order_id", order.ID).
		Int("line_items", len(req.LineItems)).
		Str("tax_type", taxType).
		Bool("credit_note", opts.Negate).
		Msg("Built invoice request")

	return req, nil
}

// paymentTerm resolves the per-method override, falling back to the global term.
func (b *Builder) paymentTerm(method string) PaymentTerm {
	term := PaymentTerm{Label: b.settings.PaymentTerms, DueDays: b.settings.PaymentDueDays}
	override, ok := b.settings.PaymentMethods[method]
	if !ok {
		return term
	}
	if override.Label != "" {
		term.Label = override.Label
	}
	if override.DueDays > 0 {
		term.DueDays = override.DueDays
	}
	return term
}

func (b *Builder) midnight(t time.Time) string {
	local := t.In(b.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc).Format(DateLayout)
}

func (b *Builder) address(order *models.Order, contactID string) (Address, error) {
	billing := order.Billing
	addr := Address{
		ContactID:   contactID,
		Street:      billing.Address1,
		City:        billing.City,
		Zip:         billing.Postcode,
		CountryCode: billing.Country,
	}

	if billing.IsBusiness() {
		addr.Name = billing.Company
		addr.Supplement = billing.FullName()
	} else {
		addr.Name = billing.FullName()
	}
	if addr.Name == "" && contactID == "" {
		return Address{}, NewValidationError("billing.name", "", "company or person name required", ErrMissingBillingName)
	}

	if billing.Address2 != "" {
		if addr.Supplement != "" {
			addr.Supplement += ", " + billing.Address2
		} else {
			addr.Supplement = billing.Address2
		}
	}
	return addr, nil
}

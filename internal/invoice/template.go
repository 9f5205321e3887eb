package invoice

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"lexsync/pkg/models"
)

var germanPrinter = message.NewPrinter(language.German)

// render substitutes the order placeholders in a template field.
func (b *Builder) render(template string, order *models.Order) string {
	if template == "" || !strings.Contains(template, "[") {
		return template
	}

	orderDate := ""
	if !order.CreatedAt.IsZero() {
		orderDate = order.CreatedAt.In(b.loc).Format("02.01.2006")
	}

	replacer := strings.NewReplacer(
		"[order_number]", order.Number,
		"[order_date]", orderDate,
		"[customer_name]", order.Billing.FullName(),
		"[customer_company]", order.Billing.Company,
		"[total]", FormatMoney(order.Total, order.Currency),
		"[payment_method]", order.PaymentMethodTitle,
	)
	return replacer.Replace(template)
}

// FormatMoney formats amount the German way, e.g. "1.234,50 €".
func FormatMoney(amount decimal.Decimal, currency string) string {
	symbol := currency
	switch currency {
	case "", "EUR":
		symbol = "€"
	}
	return germanPrinter.Sprintf("%.2f", amount.Round(2).InexactFloat64()) + " " + symbol
}

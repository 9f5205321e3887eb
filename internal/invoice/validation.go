package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// grossTolerance absorbs rounding of separately rounded net and gross unit prices.
var grossTolerance = decimal.RequireFromString("0.02")

// ValidateLineItems cross-checks net, gross and tax rate of every line and
// returns human readable warnings. It never rejects a document.
func ValidateLineItems(lines []LineItem) []string {
	var warnings []string
	for i, line := range lines {
		net := line.UnitPrice.NetAmount.Decimal
		gross := line.UnitPrice.GrossAmount.Decimal
		rate := line.UnitPrice.TaxRatePercentage.Decimal

		if rate.IsZero() {
			if !net.Equal(gross) {
				warnings = append(warnings, fmt.Sprintf(
					"line %d (%s): 0%% line with net %s different from gross %s", i, line.Name, net, gross))
			}
			continue
		}

		expected := net.Mul(decimal.NewFromInt(1).Add(rate.Div(hundred)))
		difference := expected.Sub(gross).Abs()
		if difference.GreaterThan(grossTolerance) {
			warnings = append(warnings, fmt.Sprintf(
				"line %d (%s): gross %s does not match net %s at %s%% (difference: %s)",
				i, line.Name, gross, net, rate, difference.StringFixed(2)))
		}
	}
	return warnings
}

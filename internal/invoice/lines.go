package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"
	"lexsync/pkg/models"
)

const lineTypeCustom = "custom"

var hundred = decimal.NewFromInt(100)

func (b *Builder) lineItems(order *models.Order, currency string) ([]LineItem, error) {
	lines := make([]LineItem, 0, len(order.Items)+len(order.Coupons)+len(order.RedeemedVouchers)+1)

	for i, item := range order.Items {
		line, err := b.itemLine(order, item, currency)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		lines = append(lines, line)
	}

	if b.settings.ShippingAsLineItem && order.ShippingTotal.IsPositive() {
		lines = append(lines, b.shippingLine(order, currency))
	}

	averageRate := AverageTaxRate(order.Subtotal, order.TotalTax)
	for _, coupon := range order.Coupons {
		if coupon.GrossDiscount().IsZero() {
			continue
		}
		lines = append(lines, b.couponLine(coupon, averageRate, currency))
	}

	for _, voucher := range order.RedeemedVouchers {
		if voucher.Amount.IsZero() {
			continue
		}
		amount := NewNumber(voucher.Amount.Neg().Round(2))
		lines = append(lines, LineItem{
			Type:        lineTypeCustom,
			Name:        voucher.Name,
			Description: "Einlösung Gutschein",
			Quantity:    NewNumber(decimal.NewFromInt(1)),
			UnitName:    b.settings.UnitName,
			UnitPrice: UnitPrice{
				Currency:          currency,
				NetAmount:         amount,
				GrossAmount:       amount,
				TaxRatePercentage: NewNumber(decimal.Zero),
			},
		})
	}

	return lines, nil
}

func (b *Builder) itemLine(order *models.Order, item models.OrderItem, currency string) (LineItem, error) {
	if item.Quantity.IsZero() {
		return LineItem{}, NewValidationError("quantity", item.Quantity.String(), "quantity must not be zero", ErrInvalidQuantity)
	}

	net := item.Subtotal.Div(item.Quantity).Round(2)
	gross := item.Subtotal.Add(item.SubtotalTax).Div(item.Quantity).Round(2)

	return LineItem{
		Type:     lineTypeCustom,
		Name:     item.Name,
		Quantity: NewNumber(item.Quantity),
		UnitName: b.settings.UnitName,
		UnitPrice: UnitPrice{
			Currency:          currency,
			NetAmount:         NewNumber(net),
			GrossAmount:       NewNumber(gross),
			TaxRatePercentage: NewNumber(ItemTaxRate(order, item)),
		},
	}, nil
}

func (b *Builder) shippingLine(order *models.Order, currency string) LineItem {
	rate := DefaultTaxRate
	if !order.ShippingTotal.IsZero() {
		rate = order.ShippingTax.Div(order.ShippingTotal).Mul(hundred).Round(2)
	}

	return LineItem{
		Type:     lineTypeCustom,
		Name:     b.settings.ShippingName,
		Quantity: NewNumber(decimal.NewFromInt(1)),
		UnitName: b.settings.UnitName,
		UnitPrice: UnitPrice{
			Currency:          currency,
			NetAmount:         NewNumber(order.ShippingTotal.Round(2)),
			GrossAmount:       NewNumber(order.ShippingTotal.Add(order.ShippingTax).Round(2)),
			TaxRatePercentage: NewNumber(rate),
		},
	}
}

func (b *Builder) couponLine(coupon models.Coupon, averageRate decimal.Decimal, currency string) LineItem {
	gross := coupon.GrossDiscount().Round(2)

	var rate, net decimal.Decimal
	name := "Rabatt " + coupon.Code
	if coupon.IsValueVoucher {
		// vouchers are taxed at redemption, never split here
		rate = decimal.Zero
		net = gross
		name = "Wertgutschein " + coupon.Code
	} else {
		rate = averageRate
		net = NetFromGross(gross, rate)
	}

	return LineItem{
		Type:     lineTypeCustom,
		Name:     name,
		Quantity: NewNumber(decimal.NewFromInt(-1)),
		UnitName: b.settings.UnitName,
		UnitPrice: UnitPrice{
			Currency:          currency,
			NetAmount:         NewNumber(net),
			GrossAmount:       NewNumber(gross),
			TaxRatePercentage: NewNumber(rate),
		},
	}
}

// ItemTaxRate returns the rate of the first positive tax component of item,
// falling back to the order average.
func ItemTaxRate(order *models.Order, item models.OrderItem) decimal.Decimal {
	for _, tax := range item.Taxes {
		if !tax.Amount.IsPositive() {
			continue
		}
		if rate, ok := order.TaxRates[tax.RateID]; ok {
			return rate
		}
		break
	}
	return AverageTaxRate(order.Subtotal, order.TotalTax)
}

// AverageTaxRate is round(tax/subtotal*100, 2), or DefaultTaxRate when either is zero.
func AverageTaxRate(subtotal, tax decimal.Decimal) decimal.Decimal {
	if subtotal.IsZero() || tax.IsZero() {
		return DefaultTaxRate
	}
	return tax.Div(subtotal).Mul(hundred).Round(2)
}

// NetFromGross is round(gross / (1 + rate/100), 2).
func NetFromGross(gross, rate decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	return gross.Div(factor).Round(2)
}

func negateLine(line LineItem) LineItem {
	line.Quantity = line.Quantity.Neg()
	line.UnitPrice.NetAmount = line.UnitPrice.NetAmount.Neg()
	line.UnitPrice.GrossAmount = line.UnitPrice.GrossAmount.Neg()
	return line
}

package utils

import (
	"github.com/shopspring/decimal"
)

func CalculateDiscountAmount(subTotal decimal.Decimal, discount decimal.Decimal, discountType string) decimal.Decimal {

	var discountAmount decimal.Decimal

	decimalOneHundred := decimal.NewFromFloat(100)

	if discount.GreaterThan(decimal.Zero) {
		if discountType == "P" {
			discountAmount = subTotal.Mul(discount).DivRound(decimalOneHundred, 4)
		} else {
			discountAmount = discount
		}
	} else {
		discountAmount = decimal.Zero
	}

	return discountAmount
}

// CalculateVatAmount applies a flat VAT rate (e.g. 0.07) on a tax-exclusive net amount.
func CalculateVatAmount(net decimal.Decimal, rate decimal.Decimal, taxApplicable bool) decimal.Decimal {
	if !taxApplicable {
		return decimal.Zero
	}
	return net.Mul(rate).Round(4)
}

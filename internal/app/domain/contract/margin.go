package contract

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// MarginInput carries the decrypted prices and the plain margin parameters of
// one contract. Missing values count as zero.
type MarginInput struct {
	PurchasePrice          decimal.NullDecimal
	PurchaseCommissionRate decimal.NullDecimal
	SellingPrice           decimal.NullDecimal
	PartnerCommission      decimal.NullDecimal
	HasPartner             bool
	CommissionType         CommissionType
}

// Margin is the derived economics of a contract. It is never persisted.
type Margin struct {
	ActualPurchasePrice decimal.Decimal `json:"actualPurchasePrice"`
	ActualSellingPrice  decimal.Decimal `json:"actualSellingPrice"`
	BaseMarginRate      decimal.Decimal `json:"baseMarginRate"`
	ActualMarginRate    decimal.Decimal `json:"actualMarginRate"`
	ActualMarginAmount  decimal.Decimal `json:"actualMarginAmount"`
}

// ComputeMargin applies the purchase commission to the purchase price, the
// partner commission to the selling price, and derives both margin rates.
// A rate is zero when its divisor is zero.
func ComputeMargin(in MarginInput) Margin {
	purchase := valueOrZero(in.PurchasePrice)
	rate := valueOrZero(in.PurchaseCommissionRate)
	selling := valueOrZero(in.SellingPrice)

	actualPurchase := purchase.Mul(decimal.NewFromInt(1).Add(rate.Div(hundred)))

	actualSelling := selling
	if in.HasPartner && in.PartnerCommission.Valid {
		pc := in.PartnerCommission.Decimal
		switch in.CommissionType {
		case CommissionPercentage:
			actualSelling = selling.Mul(decimal.NewFromInt(1).Sub(pc.Div(hundred)))
		case CommissionFixed:
			actualSelling = selling.Sub(pc)
		}
	}

	return Margin{
		ActualPurchasePrice: actualPurchase,
		ActualSellingPrice:  actualSelling,
		BaseMarginRate:      percentOf(selling.Sub(purchase), selling),
		ActualMarginRate:    percentOf(actualSelling.Sub(actualPurchase), actualSelling),
		ActualMarginAmount:  actualSelling.Sub(actualPurchase),
	}
}

// Rounded returns a copy with both rates rounded to two decimal places.
func (m Margin) Rounded() Margin {
	m.BaseMarginRate = m.BaseMarginRate.Round(2)
	m.ActualMarginRate = m.ActualMarginRate.Round(2)
	return m
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

func valueOrZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

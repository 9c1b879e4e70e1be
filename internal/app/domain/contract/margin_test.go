package contract

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestComputeMarginPartnerPercentage(t *testing.T) {
	m := ComputeMargin(MarginInput{
		PurchasePrice:          dec("1000000"),
		PurchaseCommissionRate: dec("10"),
		SellingPrice:           dec("2000000"),
		HasPartner:             true,
		CommissionType:         CommissionPercentage,
		PartnerCommission:      dec("5"),
	})

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"actualPurchasePrice", m.ActualPurchasePrice, "1100000"},
		{"actualSellingPrice", m.ActualSellingPrice, "1900000"},
		{"actualMarginAmount", m.ActualMarginAmount, "800000"},
		{"baseMarginRate", m.BaseMarginRate, "50"},
		{"actualMarginRate", m.Rounded().ActualMarginRate, "42.11"},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

func TestComputeMarginFixedCommission(t *testing.T) {
	m := ComputeMargin(MarginInput{
		PurchasePrice:     dec("500"),
		SellingPrice:      dec("1000"),
		HasPartner:        true,
		CommissionType:    CommissionFixed,
		PartnerCommission: dec("100"),
	})
	if !m.ActualSellingPrice.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("actual selling = %s, want 900", m.ActualSellingPrice)
	}
	if !m.ActualPurchasePrice.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("missing commission rate should leave purchase price unchanged, got %s", m.ActualPurchasePrice)
	}
}

func TestComputeMarginIgnoresCommissionWithoutPartner(t *testing.T) {
	m := ComputeMargin(MarginInput{
		SellingPrice:      dec("1000"),
		HasPartner:        false,
		CommissionType:    CommissionPercentage,
		PartnerCommission: dec("50"),
	})
	if !m.ActualSellingPrice.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("actual selling = %s, want 1000", m.ActualSellingPrice)
	}
}

func TestComputeMarginZeroDivisors(t *testing.T) {
	m := ComputeMargin(MarginInput{PurchasePrice: dec("100")})
	if !m.BaseMarginRate.IsZero() || !m.ActualMarginRate.IsZero() {
		t.Fatalf("rates should be zero with no selling price, got %s / %s", m.BaseMarginRate, m.ActualMarginRate)
	}

	// Full partner commission wipes out the actual selling price only.
	m = ComputeMargin(MarginInput{
		PurchasePrice:     dec("100"),
		SellingPrice:      dec("200"),
		HasPartner:        true,
		CommissionType:    CommissionPercentage,
		PartnerCommission: dec("100"),
	})
	if !m.ActualMarginRate.IsZero() {
		t.Fatalf("actual rate = %s, want 0", m.ActualMarginRate)
	}
	if !m.BaseMarginRate.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("base rate = %s, want 50", m.BaseMarginRate)
	}
	if !m.ActualMarginAmount.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("actual amount = %s, want -100", m.ActualMarginAmount)
	}
}

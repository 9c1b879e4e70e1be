package contracts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
)

// View is the caller-facing projection of a contract. It never carries
// ciphertext; Amount and Margin are present only for privileged callers.
type View struct {
	ID                     string                   `json:"id"`
	TenantID               string                   `json:"tenantId"`
	Title                  string                   `json:"title"`
	ContractNumber         *string                  `json:"contractNumber"`
	ContractType           contract.Type            `json:"contractType"`
	PartyA                 string                   `json:"partyA"`
	PartyB                 string                   `json:"partyB"`
	PartyBContact          *contract.Contact        `json:"partyBContact"`
	StartDate              Date                     `json:"startDate"`
	EndDate                *Date                    `json:"endDate"`
	Amount                 *decimal.Decimal         `json:"amount,omitempty"`
	Currency               *string                  `json:"currency"`
	PaymentTerms           *string                  `json:"paymentTerms"`
	PaymentCycle           *contract.PaymentCycle   `json:"paymentCycle"`
	VATIncluded            bool                     `json:"vatIncluded"`
	PurchaseCommissionRate decimal.NullDecimal      `json:"purchaseCommissionRate"`
	HasPartner             bool                     `json:"hasPartner"`
	PartnerName            *string                  `json:"partnerName"`
	CommissionType         *contract.CommissionType `json:"commissionType"`
	PartnerCommission      decimal.NullDecimal      `json:"partnerCommission"`
	InternalManagerID      *string                  `json:"internalManagerId"`
	Memo                   *string                  `json:"memo"`
	Description            *string                  `json:"description"`
	NotifyBefore30Days     bool                     `json:"notifyBefore30Days"`
	NotifyBefore7Days      bool                     `json:"notifyBefore7Days"`
	NotifyOnExpiry         bool                     `json:"notifyOnExpiry"`
	Status                 contract.Status          `json:"status"`
	AutoRenewal            *bool                    `json:"autoRenewal"`
	RenewalNoticeDays      *int                     `json:"renewalNoticeDays"`
	ParentContractID       *string                  `json:"parentContractId"`
	CreatedBy              string                   `json:"createdBy"`
	CreatedAt              time.Time                `json:"createdAt"`
	UpdatedAt              time.Time                `json:"updatedAt"`
	Products               []contract.ProductLine   `json:"products,omitempty"`
	Margin                 *contract.Margin         `json:"margin,omitempty"`
}

// Redact projects c for a caller with role. amount is the decrypted contract
// amount, nil when absent or undecryptable; it is dropped for roles below
// admin. Redact has no side effects.
func Redact(c contract.Contract, amount *decimal.Decimal, role auth.Role) View {
	v := View{
		ID:                     c.ID,
		TenantID:               c.TenantID,
		Title:                  c.Title,
		ContractNumber:         c.ContractNumber,
		ContractType:           c.ContractType,
		PartyA:                 c.PartyA,
		PartyB:                 c.PartyB,
		PartyBContact:          c.PartyBContact,
		StartDate:              NewDate(c.StartDate),
		Currency:               c.Currency,
		PaymentTerms:           c.PaymentTerms,
		PaymentCycle:           c.PaymentCycle,
		VATIncluded:            c.VATIncluded,
		PurchaseCommissionRate: c.PurchaseCommissionRate,
		HasPartner:             c.HasPartner,
		PartnerName:            c.PartnerName,
		CommissionType:         c.CommissionType,
		PartnerCommission:      c.PartnerCommission,
		InternalManagerID:      c.InternalManagerID,
		Memo:                   c.Memo,
		Description:            c.Description,
		NotifyBefore30Days:     c.NotifyBefore30Days,
		NotifyBefore7Days:      c.NotifyBefore7Days,
		NotifyOnExpiry:         c.NotifyOnExpiry,
		Status:                 c.Status,
		AutoRenewal:            c.AutoRenewal,
		RenewalNoticeDays:      c.RenewalNoticeDays,
		ParentContractID:       c.ParentContractID,
		CreatedBy:              c.CreatedBy,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
		Products:               c.Products,
	}
	if c.EndDate != nil {
		end := NewDate(*c.EndDate)
		v.EndDate = &end
	}
	if amount != nil && role.IsPrivileged() {
		a := *amount
		v.Amount = &a
	}
	return v
}

// RedactAll projects a listing; list items never carry decrypted values.
func RedactAll(items []contract.Contract, role auth.Role) []View {
	out := make([]View, len(items))
	for i, c := range items {
		out[i] = Redact(c, nil, role)
	}
	return out
}

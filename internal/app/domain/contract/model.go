package contract

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies a contract.
type Type string

const (
	TypeService     Type = "service"
	TypeLicense     Type = "license"
	TypeMaintenance Type = "maintenance"
	TypeNDA         Type = "nda"
	TypeMOU         Type = "mou"
	TypeOther       Type = "other"
)

// Valid reports whether t is a known contract type.
func (t Type) Valid() bool {
	switch t {
	case TypeService, TypeLicense, TypeMaintenance, TypeNDA, TypeMOU, TypeOther:
		return true
	}
	return false
}

// CommissionType selects how PartnerCommission is applied to the selling price.
type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

func (c CommissionType) Valid() bool {
	return c == CommissionPercentage || c == CommissionFixed
}

// PaymentCycle describes how often the customer is billed.
type PaymentCycle string

const (
	CycleLumpSum   PaymentCycle = "lump_sum"
	CycleMonthly   PaymentCycle = "monthly"
	CycleQuarterly PaymentCycle = "quarterly"
	CycleAnnual    PaymentCycle = "annual"
)

func (p PaymentCycle) Valid() bool {
	switch p {
	case CycleLumpSum, CycleMonthly, CycleQuarterly, CycleAnnual:
		return true
	}
	return false
}

// DefaultCurrency is applied when a contract is created without a currency.
const DefaultCurrency = "KRW"

// Contact is the counterparty contact block, stored as one JSON value.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Value implements driver.Valuer.
func (c Contact) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *Contact) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = Contact{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("contact: unsupported scan type %T", src)
	}
}

// ProductLine references a product (and optionally one of its options) sold
// under a contract. The ledger does not interpret product semantics.
type ProductLine struct {
	ProductID       string  `json:"productId" db:"product_id"`
	ProductOptionID *string `json:"productOptionId" db:"product_option_id"`
	Quantity        int     `json:"quantity" db:"quantity"`
	Notes           *string `json:"notes" db:"notes"`
}

// Contract is one stored contract row. Monetary values only ever appear here
// as cipher triples.
type Contract struct {
	ID                     string              `json:"id" db:"id"`
	TenantID               string              `json:"tenantId" db:"tenant_id"`
	Title                  string              `json:"title" db:"title"`
	ContractNumber         *string             `json:"contractNumber" db:"contract_number"`
	ContractType           Type                `json:"contractType" db:"contract_type"`
	PartyA                 string              `json:"partyA" db:"party_a"`
	PartyB                 string              `json:"partyB" db:"party_b"`
	PartyBContact          *Contact            `json:"partyBContact" db:"party_b_contact"`
	StartDate              time.Time           `json:"startDate" db:"start_date"`
	EndDate                *time.Time          `json:"endDate" db:"end_date"`
	AmountCipher           *string             `json:"amountCipher" db:"amount_cipher"`
	Currency               *string             `json:"currency" db:"currency"`
	PaymentTerms           *string             `json:"paymentTerms" db:"payment_terms"`
	PaymentCycle           *PaymentCycle       `json:"paymentCycle" db:"payment_cycle"`
	VATIncluded            bool                `json:"vatIncluded" db:"vat_included"`
	PurchasePriceCipher    *string             `json:"purchasePriceCipher" db:"purchase_price_cipher"`
	PurchaseCommissionRate decimal.NullDecimal `json:"purchaseCommissionRate" db:"purchase_commission_rate"`
	SellingPriceCipher     *string             `json:"sellingPriceCipher" db:"selling_price_cipher"`
	HasPartner             bool                `json:"hasPartner" db:"has_partner"`
	PartnerName            *string             `json:"partnerName" db:"partner_name"`
	CommissionType         *CommissionType     `json:"commissionType" db:"commission_type"`
	PartnerCommission      decimal.NullDecimal `json:"partnerCommission" db:"partner_commission"`
	InternalManagerID      *string             `json:"internalManagerId" db:"internal_manager_id"`
	Memo                   *string             `json:"memo" db:"memo"`
	Description            *string             `json:"description" db:"description"`
	NotifyBefore30Days     bool                `json:"notifyBefore30Days" db:"notify_before_30_days"`
	NotifyBefore7Days      bool                `json:"notifyBefore7Days" db:"notify_before_7_days"`
	NotifyOnExpiry         bool                `json:"notifyOnExpiry" db:"notify_on_expiry"`
	Status                 Status              `json:"status" db:"status"`
	AutoRenewal            *bool               `json:"autoRenewal" db:"auto_renewal"`
	RenewalNoticeDays      *int                `json:"renewalNoticeDays" db:"renewal_notice_days"`
	ParentContractID       *string             `json:"parentContractId" db:"parent_contract_id"`
	CreatedBy              string              `json:"createdBy" db:"created_by"`
	CreatedAt              time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time           `json:"updatedAt" db:"updated_at"`

	Products []ProductLine `json:"products" db:"-"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (c Contract) Clone() Contract {
	out := c
	out.ContractNumber = cloneString(c.ContractNumber)
	if c.PartyBContact != nil {
		contact := *c.PartyBContact
		out.PartyBContact = &contact
	}
	if c.EndDate != nil {
		end := *c.EndDate
		out.EndDate = &end
	}
	out.AmountCipher = cloneString(c.AmountCipher)
	out.Currency = cloneString(c.Currency)
	out.PaymentTerms = cloneString(c.PaymentTerms)
	if c.PaymentCycle != nil {
		cycle := *c.PaymentCycle
		out.PaymentCycle = &cycle
	}
	out.PurchasePriceCipher = cloneString(c.PurchasePriceCipher)
	out.SellingPriceCipher = cloneString(c.SellingPriceCipher)
	out.PartnerName = cloneString(c.PartnerName)
	if c.CommissionType != nil {
		ct := *c.CommissionType
		out.CommissionType = &ct
	}
	out.InternalManagerID = cloneString(c.InternalManagerID)
	out.Memo = cloneString(c.Memo)
	out.Description = cloneString(c.Description)
	if c.AutoRenewal != nil {
		v := *c.AutoRenewal
		out.AutoRenewal = &v
	}
	if c.RenewalNoticeDays != nil {
		v := *c.RenewalNoticeDays
		out.RenewalNoticeDays = &v
	}
	out.ParentContractID = cloneString(c.ParentContractID)
	if c.Products != nil {
		out.Products = make([]ProductLine, len(c.Products))
		for i, p := range c.Products {
			p.ProductOptionID = cloneString(p.ProductOptionID)
			p.Notes = cloneString(p.Notes)
			out.Products[i] = p
		}
	}
	return out
}

// RenewalChild builds the draft that continues c. Every stored field,
// ciphertext included, is carried over unchanged except identity, timestamps,
// status, lineage and author. Product associations are not copied.
func (c Contract) RenewalChild(createdBy string) Contract {
	child := c.Clone()
	child.ID = ""
	child.CreatedAt = time.Time{}
	child.UpdatedAt = time.Time{}
	child.Status = StatusDraft
	parent := c.ID
	child.ParentContractID = &parent
	child.CreatedBy = createdBy
	child.Products = nil
	return child
}

// MarginInput extracts the non-monetary margin parameters; the caller fills in
// the decrypted prices.
func (c Contract) MarginInput(purchasePrice, sellingPrice decimal.NullDecimal) MarginInput {
	in := MarginInput{
		PurchasePrice:          purchasePrice,
		PurchaseCommissionRate: c.PurchaseCommissionRate,
		SellingPrice:           sellingPrice,
		PartnerCommission:      c.PartnerCommission,
		HasPartner:             c.HasPartner,
	}
	if c.CommissionType != nil {
		in.CommissionType = *c.CommissionType
	}
	return in
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
)

const dateLayout = "2006-01-02"

// Date is a calendar date accepted as "2006-01-02" or RFC 3339.
type Date struct {
	time.Time
}

// NewDate truncates t to its UTC calendar day.
func NewDate(t time.Time) Date {
	t = t.UTC()
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses either accepted layout.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return NewDate(t), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return NewDate(t), nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Field is one key of a partial update. Set reports whether the key was
// present; a present key with a nil Value is an explicit null.
type Field[T any] struct {
	Set   bool
	Value *T
}

// Set builds a present field holding v.
func Set[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: &v}
}

// Null builds a present field holding an explicit null.
func Null[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

func (f Field[T]) applyPtr(dst **T) {
	if !f.Set {
		return
	}
	if f.Value == nil {
		*dst = nil
		return
	}
	v := *f.Value
	*dst = &v
}

func (f Field[T]) applyValue(dst *T, name string) error {
	if !f.Set {
		return nil
	}
	if f.Value == nil {
		return svcerrors.InvalidField(name, "cannot be null")
	}
	*dst = *f.Value
	return nil
}

// CreateInput is the body of a create call. Monetary values arrive in plain
// form and are sealed before storage.
type CreateInput struct {
	Title                  string                   `json:"title"`
	ContractNumber         *string                  `json:"contractNumber"`
	ContractType           contract.Type            `json:"contractType"`
	PartyA                 string                   `json:"partyA"`
	PartyB                 string                   `json:"partyB"`
	PartyBContact          *contract.Contact        `json:"partyBContact"`
	StartDate              Date                     `json:"startDate"`
	EndDate                *Date                    `json:"endDate"`
	Amount                 decimal.NullDecimal      `json:"amount"`
	Currency               *string                  `json:"currency"`
	PaymentTerms           *string                  `json:"paymentTerms"`
	PaymentCycle           *contract.PaymentCycle   `json:"paymentCycle"`
	VATIncluded            *bool                    `json:"vatIncluded"`
	PurchasePrice          decimal.NullDecimal      `json:"purchasePrice"`
	PurchaseCommissionRate decimal.NullDecimal      `json:"purchaseCommissionRate"`
	SellingPrice           decimal.NullDecimal      `json:"sellingPrice"`
	HasPartner             bool                     `json:"hasPartner"`
	PartnerName            *string                  `json:"partnerName"`
	CommissionType         *contract.CommissionType `json:"commissionType"`
	PartnerCommission      decimal.NullDecimal      `json:"partnerCommission"`
	InternalManagerID      *string                  `json:"internalManagerId"`
	Memo                   *string                  `json:"memo"`
	Description            *string                  `json:"description"`
	NotifyBefore30Days     *bool                    `json:"notifyBefore30Days"`
	NotifyBefore7Days      *bool                    `json:"notifyBefore7Days"`
	NotifyOnExpiry         *bool                    `json:"notifyOnExpiry"`
	Status                 contract.Status          `json:"status"`
	AutoRenewal            *bool                    `json:"autoRenewal"`
	RenewalNoticeDays      *int                     `json:"renewalNoticeDays"`
	ParentContractID       *string                  `json:"parentContractId"`
	Products               []contract.ProductLine   `json:"products"`
}

// UpdateInput is a partial update. Status is changed through UpdateStatus.
type UpdateInput struct {
	Title                  Field[string]                  `json:"title"`
	ContractNumber         Field[string]                  `json:"contractNumber"`
	ContractType           Field[contract.Type]           `json:"contractType"`
	PartyA                 Field[string]                  `json:"partyA"`
	PartyB                 Field[string]                  `json:"partyB"`
	PartyBContact          Field[contract.Contact]        `json:"partyBContact"`
	StartDate              Field[Date]                    `json:"startDate"`
	EndDate                Field[Date]                    `json:"endDate"`
	Amount                 Field[decimal.Decimal]         `json:"amount"`
	Currency               Field[string]                  `json:"currency"`
	PaymentTerms           Field[string]                  `json:"paymentTerms"`
	PaymentCycle           Field[contract.PaymentCycle]   `json:"paymentCycle"`
	VATIncluded            Field[bool]                    `json:"vatIncluded"`
	PurchasePrice          Field[decimal.Decimal]         `json:"purchasePrice"`
	PurchaseCommissionRate Field[decimal.Decimal]         `json:"purchaseCommissionRate"`
	SellingPrice           Field[decimal.Decimal]         `json:"sellingPrice"`
	HasPartner             Field[bool]                    `json:"hasPartner"`
	PartnerName            Field[string]                  `json:"partnerName"`
	CommissionType         Field[contract.CommissionType] `json:"commissionType"`
	PartnerCommission      Field[decimal.Decimal]         `json:"partnerCommission"`
	InternalManagerID      Field[string]                  `json:"internalManagerId"`
	Memo                   Field[string]                  `json:"memo"`
	Description            Field[string]                  `json:"description"`
	NotifyBefore30Days     Field[bool]                    `json:"notifyBefore30Days"`
	NotifyBefore7Days      Field[bool]                    `json:"notifyBefore7Days"`
	NotifyOnExpiry         Field[bool]                    `json:"notifyOnExpiry"`
	AutoRenewal            Field[bool]                    `json:"autoRenewal"`
	RenewalNoticeDays      Field[int]                     `json:"renewalNoticeDays"`
	Products               Field[[]contract.ProductLine]  `json:"products"`
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return svcerrors.InvalidField("title", "is required")
	}
	if !in.ContractType.Valid() {
		return svcerrors.InvalidField("contractType", fmt.Sprintf("unsupported value %q", in.ContractType))
	}
	if strings.TrimSpace(in.PartyA) == "" {
		return svcerrors.InvalidField("partyA", "is required")
	}
	if strings.TrimSpace(in.PartyB) == "" {
		return svcerrors.InvalidField("partyB", "is required")
	}
	if in.StartDate.IsZero() {
		return svcerrors.InvalidField("startDate", "is required")
	}
	if in.Status != "" {
		if !in.Status.Valid() {
			return svcerrors.InvalidField("status", fmt.Sprintf("unsupported value %q", in.Status))
		}
		if in.Status == contract.StatusRenewed {
			return svcerrors.InvalidField("status", "renewed is set only by renewing a contract")
		}
	}
	return nil
}

// Column limits: purchase_commission_rate is NUMERIC(5,2) and
// partner_commission NUMERIC(15,2).
var (
	maxCommissionRate    = decimal.NewFromInt(1000)
	maxPartnerCommission = decimal.New(1, 13)
)

// ValidateRecord checks the invariants every stored contract satisfies,
// whether it arrives through create, update or import.
func ValidateRecord(c contract.Contract) error {
	if c.EndDate != nil && c.EndDate.Before(c.StartDate) {
		return svcerrors.InvalidField("endDate", "must not be before startDate")
	}
	if c.PaymentCycle != nil && !c.PaymentCycle.Valid() {
		return svcerrors.InvalidField("paymentCycle", fmt.Sprintf("unsupported value %q", *c.PaymentCycle))
	}
	if c.CommissionType != nil && !c.CommissionType.Valid() {
		return svcerrors.InvalidField("commissionType", fmt.Sprintf("unsupported value %q", *c.CommissionType))
	}
	if rate := c.PurchaseCommissionRate; rate.Valid {
		if rate.Decimal.IsNegative() {
			return svcerrors.InvalidField("purchaseCommissionRate", "must not be negative")
		}
		if rate.Decimal.GreaterThanOrEqual(maxCommissionRate) {
			return svcerrors.InvalidField("purchaseCommissionRate", "must be below 1000")
		}
	}
	if pc := c.PartnerCommission; pc.Valid {
		if pc.Decimal.IsNegative() {
			return svcerrors.InvalidField("partnerCommission", "must not be negative")
		}
		if pc.Decimal.GreaterThanOrEqual(maxPartnerCommission) {
			return svcerrors.InvalidField("partnerCommission", "is too large")
		}
	}
	if c.RenewalNoticeDays != nil && *c.RenewalNoticeDays < 0 {
		return svcerrors.InvalidField("renewalNoticeDays", "must not be negative")
	}
	return nil
}

func normalizeProducts(lines []contract.ProductLine) ([]contract.ProductLine, error) {
	out := make([]contract.ProductLine, 0, len(lines))
	for i, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, svcerrors.InvalidField(fmt.Sprintf("products[%d].productId", i), "is required")
		}
		if line.Quantity == 0 {
			line.Quantity = 1
		}
		if line.Quantity < 0 {
			return nil, svcerrors.InvalidField(fmt.Sprintf("products[%d].quantity", i), "must be positive")
		}
		out = append(out, line)
	}
	return out, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func datePtr(d *Date) *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

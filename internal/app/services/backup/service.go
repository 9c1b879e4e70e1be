// Package backup exports a tenant's contracts with monetary values in plain
// form and imports such exports back under fresh ciphertext.
package backup

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/metrics"
	"github.com/R3E-Network/contract_ledger/internal/app/services/contracts"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// FormatVersion is stamped on every export and required on import.
const FormatVersion = "1.0"

// Cipher is the key material the backup service needs.
type Cipher interface {
	contracts.Cipher
	Fingerprint() string
}

// Record is one exported contract. Monetary fields that could not be
// decrypted are omitted.
type Record struct {
	contracts.View
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty"`
	SellingPrice  *decimal.Decimal `json:"sellingPrice,omitempty"`
}

// Payload is the export document.
type Payload struct {
	Version        string    `json:"version"`
	ExportedAt     time.Time `json:"exportedAt"`
	TenantID       string    `json:"tenantId"`
	KeyFingerprint string    `json:"keyFingerprint,omitempty"`
	Contracts      []Record  `json:"contracts"`
}

// Preview summarizes a payload without touching storage.
type Preview struct {
	Version    string         `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Counts     map[string]int `json:"counts"`
}

// ImportResult reports what an import created.
type ImportResult struct {
	Created int `json:"created"`
}

// Service implements export and import.
type Service struct {
	store   storage.ContractStore
	cipher  Cipher
	history *contracts.HistoryRecorder
	log     *logger.Logger
	now     func() time.Time
}

// New constructs a backup service.
func New(store storage.ContractStore, cipher Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("backup")
	}
	return &Service{
		store:   store,
		cipher:  cipher,
		history: contracts.NewHistoryRecorder(store),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Export decrypts every contract of the caller's tenant. A field that fails
// to decrypt is logged and left out; the export carries on.
func (s *Service) Export(ctx context.Context, p auth.Principal) (Payload, error) {
	if !p.Role.IsPrivileged() {
		return Payload{}, svcerrors.Forbidden("export requires admin role or above")
	}
	all, err := s.store.ListAllContracts(ctx, p.TenantID)
	if err != nil {
		return Payload{}, svcerrors.Internal("load contracts for export", err)
	}

	records := make([]Record, 0, len(all))
	for _, c := range all {
		rec := Record{
			View:          contracts.Redact(c, s.open(ctx, c.ID, "amount", c.AmountCipher), p.Role),
			PurchasePrice: s.open(ctx, c.ID, "purchasePrice", c.PurchasePriceCipher),
			SellingPrice:  s.open(ctx, c.ID, "sellingPrice", c.SellingPriceCipher),
		}
		records = append(records, rec)
	}

	s.log.WithContext(ctx).WithField("contracts", len(records)).Info("contracts exported")
	return Payload{
		Version:        FormatVersion,
		ExportedAt:     s.now(),
		TenantID:       p.TenantID,
		KeyFingerprint: s.cipher.Fingerprint(),
		Contracts:      records,
	}, nil
}

var csvHeader = []string{"title", "contractNumber", "partyA", "partyB", "startDate", "endDate", "amount", "status", "contractType"}

// ExportCSV writes the export as one CSV table.
func (s *Service) ExportCSV(ctx context.Context, p auth.Principal, w io.Writer) error {
	payload, err := s.Export(ctx, p)
	if err != nil {
		return err
	}
	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range payload.Contracts {
		row := []string{
			r.Title,
			deref(r.ContractNumber),
			r.PartyA,
			r.PartyB,
			r.StartDate.Format("2006-01-02"),
			"",
			"",
			string(r.Status),
			string(r.ContractType),
		}
		if r.EndDate != nil {
			row[5] = r.EndDate.Format("2006-01-02")
		}
		if r.Amount != nil {
			row[6] = r.Amount.String()
		}
		if err := out.Write(row); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// Preview counts what Import would create.
func (s *Service) Preview(p auth.Principal, payload Payload) (Preview, error) {
	if !p.Role.IsOwner() {
		return Preview{}, svcerrors.Forbidden("import preview requires owner role")
	}
	return Preview{
		Version:    payload.Version,
		ExportedAt: payload.ExportedAt,
		Counts:     map[string]int{"contracts": len(payload.Contracts)},
	}, nil
}

// Import seals every plain monetary field again and inserts all records,
// with created history, in one transaction. Any failure aborts the batch.
// Renewal links are rebuilt between records of the same payload.
func (s *Service) Import(ctx context.Context, p auth.Principal, payload Payload) (ImportResult, error) {
	if !p.Role.IsOwner() {
		return ImportResult{}, svcerrors.Forbidden("import requires owner role")
	}
	if payload.Version != FormatVersion {
		return ImportResult{}, svcerrors.InvalidField("version", fmt.Sprintf("unsupported export version %q", payload.Version))
	}

	ordered := importOrder(payload.Contracts)
	parents := make(map[string]bool)
	for _, r := range payload.Contracts {
		if r.ParentContractID != nil {
			parents[*r.ParentContractID] = true
		}
	}

	created := 0
	err := s.store.InTx(ctx, func(tx storage.ContractTx) error {
		newIDs := make(map[string]string, len(ordered))
		for i, r := range ordered {
			c, err := s.toContract(p, r, parents[r.ID])
			if err != nil {
				return fmt.Errorf("record %d (%s): %w", i, r.Title, err)
			}
			if r.ParentContractID != nil {
				if id, ok := newIDs[*r.ParentContractID]; ok {
					c.ParentContractID = &id
				}
			}
			inserted, err := tx.InsertContract(ctx, c)
			if errors.Is(err, storage.ErrConflict) {
				return svcerrors.InvalidInput(fmt.Sprintf("record %d (%s): renewal parent already has a successor", i, r.Title))
			}
			if err != nil {
				return fmt.Errorf("record %d (%s): %w", i, r.Title, err)
			}
			if r.ID != "" {
				newIDs[r.ID] = inserted.ID
			}
			if err := s.history.Record(ctx, tx, p.TenantID, inserted.ID, contract.ActionCreated, nil, &inserted, p.UserID); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		metrics.RecordImportRows("aborted", len(payload.Contracts))
		s.log.WithContext(ctx).WithError(err).Warn("import aborted")
		if se := svcerrors.GetServiceError(err); se != nil {
			return ImportResult{}, se
		}
		return ImportResult{}, svcerrors.Internal("import failed", err)
	}

	metrics.RecordImportRows("imported", created)
	s.log.WithContext(ctx).WithField("contracts", created).Info("contracts imported")
	return ImportResult{Created: created}, nil
}

func (s *Service) toContract(p auth.Principal, r Record, hasChild bool) (contract.Contract, error) {
	if strings.TrimSpace(r.Title) == "" {
		return contract.Contract{}, svcerrors.InvalidField("title", "is required")
	}
	if !r.ContractType.Valid() {
		return contract.Contract{}, svcerrors.InvalidField("contractType", fmt.Sprintf("unsupported value %q", r.ContractType))
	}
	if r.StartDate.IsZero() {
		return contract.Contract{}, svcerrors.InvalidField("startDate", "is required")
	}
	status := r.Status
	switch {
	case status == "":
		status = contract.StatusDraft
	case !status.Valid():
		return contract.Contract{}, svcerrors.InvalidField("status", fmt.Sprintf("unsupported value %q", status))
	case status == contract.StatusRenewed && !hasChild:
		// Without its successor in the batch the row cannot stay renewed.
		status = contract.StatusExpired
	}

	createdBy := r.CreatedBy
	if createdBy == "" {
		createdBy = p.UserID
	}
	c := contract.Contract{
		TenantID:               p.TenantID,
		Title:                  r.Title,
		ContractNumber:         r.ContractNumber,
		ContractType:           r.ContractType,
		PartyA:                 r.PartyA,
		PartyB:                 r.PartyB,
		PartyBContact:          r.PartyBContact,
		StartDate:              r.StartDate.Time,
		Currency:               r.Currency,
		PaymentTerms:           r.PaymentTerms,
		PaymentCycle:           r.PaymentCycle,
		VATIncluded:            r.VATIncluded,
		PurchaseCommissionRate: r.PurchaseCommissionRate,
		HasPartner:             r.HasPartner,
		PartnerName:            r.PartnerName,
		CommissionType:         r.CommissionType,
		PartnerCommission:      r.PartnerCommission,
		InternalManagerID:      r.InternalManagerID,
		Memo:                   r.Memo,
		Description:            r.Description,
		NotifyBefore30Days:     r.NotifyBefore30Days,
		NotifyBefore7Days:      r.NotifyBefore7Days,
		NotifyOnExpiry:         r.NotifyOnExpiry,
		Status:                 status,
		AutoRenewal:            r.AutoRenewal,
		RenewalNoticeDays:      r.RenewalNoticeDays,
		CreatedBy:              createdBy,
		Products:               importLines(r.Products),
	}
	if r.EndDate != nil && !r.EndDate.IsZero() {
		end := r.EndDate.Time
		c.EndDate = &end
	}
	if err := contracts.ValidateRecord(c); err != nil {
		return contract.Contract{}, err
	}

	var err error
	if c.AmountCipher, err = s.seal(r.Amount); err != nil {
		return contract.Contract{}, err
	}
	if c.PurchasePriceCipher, err = s.seal(r.PurchasePrice); err != nil {
		return contract.Contract{}, err
	}
	if c.SellingPriceCipher, err = s.seal(r.SellingPrice); err != nil {
		return contract.Contract{}, err
	}
	return c, nil
}

func (s *Service) seal(d *decimal.Decimal) (*string, error) {
	if d == nil {
		return nil, nil
	}
	triple, err := s.cipher.EncryptDecimal(*d)
	if err != nil {
		return nil, svcerrors.Internal("encrypt monetary field", err)
	}
	return &triple, nil
}

func (s *Service) open(ctx context.Context, contractID, field string, triple *string) *decimal.Decimal {
	if triple == nil {
		return nil
	}
	d, err := s.cipher.DecryptDecimal(*triple)
	if err != nil {
		metrics.RecordDecryptFailure("export", string(contracts.ClassifyDecryptError(err).Code))
		s.log.WithContext(ctx).
			WithError(err).
			WithField("contract_id", contractID).
			WithField("field", field).
			Warn("export omitted undecryptable field")
		return nil
	}
	return &d
}

// importOrder places every record after its parent when the parent is in
// the same payload. Records caught in a cycle keep their payload order.
func importOrder(records []Record) []Record {
	byID := make(map[string]bool, len(records))
	for _, r := range records {
		if r.ID != "" {
			byID[r.ID] = true
		}
	}

	placed := make(map[string]bool, len(records))
	out := make([]Record, 0, len(records))
	pending := records
	for len(pending) > 0 {
		var next []Record
		for _, r := range pending {
			parent := r.ParentContractID
			if parent == nil || !byID[*parent] || placed[*parent] {
				out = append(out, r)
				placed[r.ID] = true
				continue
			}
			next = append(next, r)
		}
		if len(next) == len(pending) {
			out = append(out, next...)
			break
		}
		pending = next
	}
	return out
}

func importLines(lines []contract.ProductLine) []contract.ProductLine {
	if len(lines) == 0 {
		return nil
	}
	out := make([]contract.ProductLine, len(lines))
	copy(out, lines)
	for i := range out {
		if out[i].Quantity <= 0 {
			out[i].Quantity = 1
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

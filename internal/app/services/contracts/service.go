package contracts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/metrics"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	"github.com/R3E-Network/contract_ledger/internal/crypto"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// Cipher seals and opens monetary values.
type Cipher interface {
	EncryptDecimal(d decimal.Decimal) (string, error)
	DecryptDecimal(triple string) (decimal.Decimal, error)
}

// DefaultExpiringDays is the window used when a caller does not give one.
const DefaultExpiringDays = 30

// Service runs the contract lifecycle: validation, role gates, sealing of
// monetary fields and history recording, each mutation in one transaction.
type Service struct {
	store   storage.ContractStore
	cipher  Cipher
	history *HistoryRecorder
	log     *logger.Logger
	now     func() time.Time
}

// New constructs a contract service.
func New(store storage.ContractStore, cipher Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("contracts")
	}
	return &Service{
		store:   store,
		cipher:  cipher,
		history: NewHistoryRecorder(store),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new contract and its created history entry.
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (contract.Contract, error) {
	if !p.Role.CanEdit() {
		return contract.Contract{}, svcerrors.Forbidden("creating contracts requires editor role or above")
	}
	if err := in.validate(); err != nil {
		return contract.Contract{}, err
	}
	products, err := normalizeProducts(in.Products)
	if err != nil {
		return contract.Contract{}, err
	}

	currency := contract.DefaultCurrency
	if in.Currency != nil && strings.TrimSpace(*in.Currency) != "" {
		currency = strings.ToUpper(strings.TrimSpace(*in.Currency))
	}
	status := in.Status
	if status == "" {
		status = contract.StatusDraft
	}

	record := contract.Contract{
		TenantID:               p.TenantID,
		Title:                  strings.TrimSpace(in.Title),
		ContractNumber:         in.ContractNumber,
		ContractType:           in.ContractType,
		PartyA:                 strings.TrimSpace(in.PartyA),
		PartyB:                 strings.TrimSpace(in.PartyB),
		PartyBContact:          in.PartyBContact,
		StartDate:              in.StartDate.Time,
		EndDate:                datePtr(in.EndDate),
		Currency:               &currency,
		PaymentTerms:           in.PaymentTerms,
		PaymentCycle:           in.PaymentCycle,
		VATIncluded:            boolOr(in.VATIncluded, true),
		PurchaseCommissionRate: in.PurchaseCommissionRate,
		HasPartner:             in.HasPartner,
		PartnerName:            in.PartnerName,
		CommissionType:         in.CommissionType,
		PartnerCommission:      in.PartnerCommission,
		InternalManagerID:      in.InternalManagerID,
		Memo:                   in.Memo,
		Description:            in.Description,
		NotifyBefore30Days:     boolOr(in.NotifyBefore30Days, true),
		NotifyBefore7Days:      boolOr(in.NotifyBefore7Days, true),
		NotifyOnExpiry:         boolOr(in.NotifyOnExpiry, false),
		Status:                 status,
		AutoRenewal:            in.AutoRenewal,
		RenewalNoticeDays:      in.RenewalNoticeDays,
		ParentContractID:       in.ParentContractID,
		CreatedBy:              p.UserID,
		Products:               products,
	}
	if err := ValidateRecord(record); err != nil {
		return contract.Contract{}, err
	}
	if record.AmountCipher, err = s.seal(in.Amount); err != nil {
		return contract.Contract{}, err
	}
	if record.PurchasePriceCipher, err = s.seal(in.PurchasePrice); err != nil {
		return contract.Contract{}, err
	}
	if record.SellingPriceCipher, err = s.seal(in.SellingPrice); err != nil {
		return contract.Contract{}, err
	}

	var created contract.Contract
	err = s.store.InTx(ctx, func(tx storage.ContractTx) error {
		if record.ParentContractID != nil {
			parent, err := tx.GetContractForUpdate(ctx, p.TenantID, *record.ParentContractID)
			if err != nil {
				return mapStoreError(err, *record.ParentContractID)
			}
			// Live contracts gain a successor only through Renew.
			if parent.Status != contract.StatusRenewed {
				return svcerrors.InvalidField("parentContractId", "must reference a renewed contract; renew the contract instead")
			}
		}
		var err error
		created, err = tx.InsertContract(ctx, record)
		if err != nil {
			return mapParentConflict(err, record.ParentContractID)
		}
		return s.history.Record(ctx, tx, p.TenantID, created.ID, contract.ActionCreated, nil, &created, p.UserID)
	})
	if err != nil {
		return contract.Contract{}, s.fail(err, "", "create contract")
	}

	metrics.RecordMutation(string(contract.ActionCreated))
	s.log.WithContext(ctx).
		WithField("contract_id", created.ID).
		WithField("status", created.Status).
		Info("contract created")
	return created, nil
}

// Update applies a partial update. Monetary fields present in the patch are
// re-sealed; an explicit null clears them.
func (s *Service) Update(ctx context.Context, p auth.Principal, id string, in UpdateInput) (contract.Contract, error) {
	if !p.Role.CanEdit() {
		return contract.Contract{}, svcerrors.Forbidden("updating contracts requires editor role or above")
	}

	var products []contract.ProductLine
	if in.Products.Set && in.Products.Value != nil {
		var err error
		if products, err = normalizeProducts(*in.Products.Value); err != nil {
			return contract.Contract{}, err
		}
	}

	var updated contract.Contract
	err := s.store.InTx(ctx, func(tx storage.ContractTx) error {
		current, err := tx.GetContractForUpdate(ctx, p.TenantID, id)
		if err != nil {
			return mapStoreError(err, id)
		}
		next := current.Clone()
		if err := s.applyPatch(&next, in); err != nil {
			return err
		}
		if err := ValidateRecord(next); err != nil {
			return err
		}
		if in.Products.Set {
			if err := tx.ReplaceProducts(ctx, p.TenantID, id, products); err != nil {
				return err
			}
		}
		if updated, err = tx.UpdateContract(ctx, next); err != nil {
			return mapStoreError(err, id)
		}
		return s.history.Record(ctx, tx, p.TenantID, id, contract.ActionUpdated, &current, &updated, p.UserID)
	})
	if err != nil {
		return contract.Contract{}, s.fail(err, id, "update contract")
	}

	metrics.RecordMutation(string(contract.ActionUpdated))
	s.log.WithContext(ctx).WithField("contract_id", id).Info("contract updated")
	return updated, nil
}

// UpdateStatus moves a contract along the lifecycle table. A move to
// terminated is recorded as a terminated entry, anything else as updated.
func (s *Service) UpdateStatus(ctx context.Context, p auth.Principal, id string, to contract.Status) (contract.Contract, error) {
	if !p.Role.CanEdit() {
		return contract.Contract{}, svcerrors.Forbidden("changing contract status requires editor role or above")
	}
	if !to.Valid() {
		return contract.Contract{}, svcerrors.InvalidField("status", "unsupported value "+string(to))
	}

	action := contract.ActionUpdated
	if to == contract.StatusTerminated {
		action = contract.ActionTerminated
	}

	var updated contract.Contract
	err := s.store.InTx(ctx, func(tx storage.ContractTx) error {
		current, err := tx.GetContractForUpdate(ctx, p.TenantID, id)
		if err != nil {
			return mapStoreError(err, id)
		}
		if !contract.CanTransition(current.Status, to) {
			return svcerrors.InvalidTransition(string(current.Status), string(to))
		}
		next := current.Clone()
		next.Status = to
		if updated, err = tx.UpdateContract(ctx, next); err != nil {
			return mapStoreError(err, id)
		}
		return s.history.Record(ctx, tx, p.TenantID, id, action, &current, &updated, p.UserID)
	})
	if err != nil {
		return contract.Contract{}, s.fail(err, id, "update contract status")
	}

	metrics.RecordMutation(string(action))
	s.log.WithContext(ctx).
		WithField("contract_id", id).
		WithField("status", to).
		Info("contract status changed")
	return updated, nil
}

// Renew marks the source renewed and creates its draft successor in the same
// transaction. It returns the successor.
func (s *Service) Renew(ctx context.Context, p auth.Principal, id string) (contract.Contract, error) {
	if !p.Role.CanEdit() {
		return contract.Contract{}, svcerrors.Forbidden("renewing contracts requires editor role or above")
	}

	var child contract.Contract
	err := s.store.InTx(ctx, func(tx storage.ContractTx) error {
		source, err := tx.GetContractForUpdate(ctx, p.TenantID, id)
		if err != nil {
			return mapStoreError(err, id)
		}
		if !contract.Renewable(source.Status) {
			return svcerrors.AlreadyRenewed(id)
		}
		renewed, err := tx.MarkRenewed(ctx, p.TenantID, id)
		if err != nil {
			return mapStoreError(err, id)
		}
		if err := s.history.Record(ctx, tx, p.TenantID, id, contract.ActionRenewed, &source, &renewed, p.UserID); err != nil {
			return err
		}

		if child, err = tx.InsertContract(ctx, source.RenewalChild(p.UserID)); err != nil {
			return mapParentConflict(err, &id)
		}
		return s.history.Record(ctx, tx, p.TenantID, child.ID, contract.ActionCreated, nil, &child, p.UserID)
	})
	if err != nil {
		if svcerrors.HasCode(err, svcerrors.CodeAlreadyRenewed) {
			metrics.RecordRenewalConflict()
		}
		return contract.Contract{}, s.fail(err, id, "renew contract")
	}

	metrics.RecordMutation(string(contract.ActionRenewed))
	metrics.RecordMutation(string(contract.ActionCreated))
	s.log.WithContext(ctx).
		WithField("contract_id", id).
		WithField("renewal_id", child.ID).
		Info("contract renewed")
	return child, nil
}

// Remove deletes a contract. History rows are kept. Removing a renewal
// successor reopens its parent in the same transaction.
func (s *Service) Remove(ctx context.Context, p auth.Principal, id string) error {
	if !p.Role.IsOwner() {
		return svcerrors.Forbidden("deleting contracts requires owner role")
	}
	err := s.store.InTx(ctx, func(tx storage.ContractTx) error {
		current, err := tx.GetContractForUpdate(ctx, p.TenantID, id)
		if err != nil {
			return mapStoreError(err, id)
		}
		if err := tx.DeleteContract(ctx, p.TenantID, id); err != nil {
			return mapStoreError(err, id)
		}
		if current.ParentContractID == nil {
			return nil
		}
		return s.reopenParent(ctx, tx, p, *current.ParentContractID)
	})
	if err != nil {
		return s.fail(err, id, "remove contract")
	}
	s.log.WithContext(ctx).WithField("contract_id", id).Info("contract removed")
	return nil
}

// Get returns the detail view of one contract. The amount is decrypted for
// every caller and dropped by Redact for roles below admin.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (View, error) {
	if !p.Role.CanEdit() {
		return View{}, svcerrors.Forbidden("reading contracts requires editor role or above")
	}
	c, err := s.store.GetContract(ctx, p.TenantID, id)
	if err != nil {
		return View{}, s.fail(mapStoreError(err, id), id, "get contract")
	}

	amount, _ := s.open(ctx, c.ID, "amount", c.AmountCipher)
	view := Redact(c, amount, p.Role)

	if p.Role.IsPrivileged() {
		if m, ok := s.margin(ctx, c); ok {
			view.Margin = &m
		}
	}
	return view, nil
}

// ListResult is one page of redacted contracts.
type ListResult struct {
	Items      []View `json:"items"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalPages int    `json:"totalPages"`
}

// List returns one filtered page of contracts without decrypted values.
func (s *Service) List(ctx context.Context, p auth.Principal, filter contract.ListFilter) (ListResult, error) {
	if !p.Role.CanEdit() {
		return ListResult{}, svcerrors.Forbidden("listing contracts requires editor role or above")
	}
	filter = filter.Normalize()
	items, total, err := s.store.ListContracts(ctx, p.TenantID, filter, s.now())
	if err != nil {
		return ListResult{}, s.fail(err, "", "list contracts")
	}
	page := contract.NewPage(items, total, filter)
	return ListResult{
		Items:      RedactAll(page.Items, p.Role),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: page.TotalPages,
	}, nil
}

// Expiring lists active contracts ending within days, soonest first.
func (s *Service) Expiring(ctx context.Context, p auth.Principal, days int) ([]View, error) {
	if !p.Role.CanEdit() {
		return nil, svcerrors.Forbidden("listing contracts requires editor role or above")
	}
	if days <= 0 {
		days = DefaultExpiringDays
	}
	items, err := s.store.ListExpiring(ctx, p.TenantID, days, s.now())
	if err != nil {
		return nil, s.fail(err, "", "list expiring contracts")
	}
	return RedactAll(items, p.Role), nil
}

// Dashboard summarizes the tenant's contracts.
func (s *Service) Dashboard(ctx context.Context, p auth.Principal) (contract.Counts, error) {
	if !p.Role.CanEdit() {
		return contract.Counts{}, svcerrors.Forbidden("viewing the dashboard requires editor role or above")
	}
	counts, err := s.store.CountContracts(ctx, p.TenantID)
	if err != nil {
		return contract.Counts{}, s.fail(err, "", "count contracts")
	}
	now := s.now()
	within30, err := s.store.ListExpiring(ctx, p.TenantID, 30, now)
	if err != nil {
		return contract.Counts{}, s.fail(err, "", "count expiring contracts")
	}
	within7, err := s.store.ListExpiring(ctx, p.TenantID, 7, now)
	if err != nil {
		return contract.Counts{}, s.fail(err, "", "count expiring contracts")
	}
	counts.Expiring30 = len(within30)
	counts.Expiring7 = len(within7)
	return counts, nil
}

// History returns the diffed change timeline of a contract.
func (s *Service) History(ctx context.Context, p auth.Principal, id string) ([]TimelineEntry, error) {
	if !p.Role.IsPrivileged() {
		return nil, svcerrors.Forbidden("contract history requires admin role or above")
	}
	entries, err := s.history.Timeline(ctx, p.TenantID, id)
	if err != nil {
		return nil, s.fail(err, id, "load contract history")
	}
	// Deleted contracts keep their history; ids never seen are not found.
	if len(entries) == 0 {
		if _, err := s.store.GetContract(ctx, p.TenantID, id); err != nil {
			return nil, s.fail(mapStoreError(err, id), id, "load contract history")
		}
	}
	return entries, nil
}

// --- helpers ----------------------------------------------------------------

func (s *Service) seal(d decimal.NullDecimal) (*string, error) {
	if !d.Valid {
		return nil, nil
	}
	triple, err := s.cipher.EncryptDecimal(d.Decimal)
	if err != nil {
		return nil, svcerrors.Internal("encrypt monetary field", err)
	}
	return &triple, nil
}

func (s *Service) sealField(f Field[decimal.Decimal], dst **string) error {
	if !f.Set {
		return nil
	}
	if f.Value == nil {
		*dst = nil
		return nil
	}
	triple, err := s.seal(decimal.NewNullDecimal(*f.Value))
	if err != nil {
		return err
	}
	*dst = triple
	return nil
}

// open decrypts one stored value. Failures are logged and counted, and
// reported to the caller only through the returned error.
func (s *Service) open(ctx context.Context, contractID, field string, triple *string) (*decimal.Decimal, error) {
	if triple == nil {
		return nil, nil
	}
	d, err := s.cipher.DecryptDecimal(*triple)
	if err != nil {
		derr := ClassifyDecryptError(err)
		metrics.RecordDecryptFailure("detail", string(derr.Code))
		s.log.WithContext(ctx).
			WithError(err).
			WithField("contract_id", contractID).
			WithField("field", field).
			Warn("stored value could not be decrypted")
		return nil, derr
	}
	return &d, nil
}

func (s *Service) margin(ctx context.Context, c contract.Contract) (contract.Margin, bool) {
	purchase, err := s.open(ctx, c.ID, "purchasePrice", c.PurchasePriceCipher)
	if err != nil {
		return contract.Margin{}, false
	}
	selling, err := s.open(ctx, c.ID, "sellingPrice", c.SellingPriceCipher)
	if err != nil {
		return contract.Margin{}, false
	}
	return contract.ComputeMargin(c.MarginInput(nullable(purchase), nullable(selling))).Rounded(), true
}

func (s *Service) applyPatch(c *contract.Contract, in UpdateInput) error {
	if err := in.Title.applyValue(&c.Title, "title"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Title) == "" {
		return svcerrors.InvalidField("title", "is required")
	}
	in.ContractNumber.applyPtr(&c.ContractNumber)
	if err := in.ContractType.applyValue(&c.ContractType, "contractType"); err != nil {
		return err
	}
	if !c.ContractType.Valid() {
		return svcerrors.InvalidField("contractType", "unsupported value "+string(c.ContractType))
	}
	if err := in.PartyA.applyValue(&c.PartyA, "partyA"); err != nil {
		return err
	}
	if err := in.PartyB.applyValue(&c.PartyB, "partyB"); err != nil {
		return err
	}
	in.PartyBContact.applyPtr(&c.PartyBContact)

	var start Date
	if err := in.StartDate.applyValue(&start, "startDate"); err != nil {
		return err
	}
	if !start.IsZero() {
		c.StartDate = start.Time
	}
	if in.EndDate.Set {
		c.EndDate = nil
		if in.EndDate.Value != nil {
			c.EndDate = datePtr(in.EndDate.Value)
		}
	}

	if err := s.sealField(in.Amount, &c.AmountCipher); err != nil {
		return err
	}
	in.Currency.applyPtr(&c.Currency)
	in.PaymentTerms.applyPtr(&c.PaymentTerms)
	in.PaymentCycle.applyPtr(&c.PaymentCycle)
	if err := in.VATIncluded.applyValue(&c.VATIncluded, "vatIncluded"); err != nil {
		return err
	}
	if err := s.sealField(in.PurchasePrice, &c.PurchasePriceCipher); err != nil {
		return err
	}
	applyDecimal(in.PurchaseCommissionRate, &c.PurchaseCommissionRate)
	if err := s.sealField(in.SellingPrice, &c.SellingPriceCipher); err != nil {
		return err
	}
	if err := in.HasPartner.applyValue(&c.HasPartner, "hasPartner"); err != nil {
		return err
	}
	in.PartnerName.applyPtr(&c.PartnerName)
	in.CommissionType.applyPtr(&c.CommissionType)
	applyDecimal(in.PartnerCommission, &c.PartnerCommission)
	in.InternalManagerID.applyPtr(&c.InternalManagerID)
	in.Memo.applyPtr(&c.Memo)
	in.Description.applyPtr(&c.Description)
	if err := in.NotifyBefore30Days.applyValue(&c.NotifyBefore30Days, "notifyBefore30Days"); err != nil {
		return err
	}
	if err := in.NotifyBefore7Days.applyValue(&c.NotifyBefore7Days, "notifyBefore7Days"); err != nil {
		return err
	}
	if err := in.NotifyOnExpiry.applyValue(&c.NotifyOnExpiry, "notifyOnExpiry"); err != nil {
		return err
	}
	in.AutoRenewal.applyPtr(&c.AutoRenewal)
	in.RenewalNoticeDays.applyPtr(&c.RenewalNoticeDays)
	return nil
}

// reopenParent puts a renewed parent whose successor was removed back into
// the status recorded just before its renewal, active when none is recorded.
func (s *Service) reopenParent(ctx context.Context, tx storage.ContractTx, p auth.Principal, parentID string) error {
	parent, err := tx.GetContractForUpdate(ctx, p.TenantID, parentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if parent.Status != contract.StatusRenewed {
		return nil
	}

	restored := contract.StatusActive
	entry, err := tx.LatestHistory(ctx, p.TenantID, parentID, contract.ActionRenewed)
	switch {
	case err == nil:
		if prev := entry.PreviousSnapshot.Status(); prev.Valid() && prev != contract.StatusRenewed {
			restored = prev
		}
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	next := parent.Clone()
	next.Status = restored
	updated, err := tx.UpdateContract(ctx, next)
	if err != nil {
		return mapStoreError(err, parentID)
	}
	if err := s.history.Record(ctx, tx, p.TenantID, parentID, contract.ActionUpdated, &parent, &updated, p.UserID); err != nil {
		return err
	}
	s.log.WithContext(ctx).
		WithField("contract_id", parentID).
		WithField("status", restored).
		Info("renewal successor removed; contract reopened")
	return nil
}

// fail maps store errors onto service errors and logs unexpected ones.
func (s *Service) fail(err error, id, op string) error {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.WithError(err).WithField("contract_id", id).Error(op + " failed")
	return svcerrors.Internal(op+" failed", err)
}

func mapStoreError(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return svcerrors.NotFound("contract", id)
	case errors.Is(err, storage.ErrConflict):
		return svcerrors.AlreadyRenewed(id)
	}
	return err
}

// mapParentConflict reports an insert that lost the one-child-per-parent
// constraint as a renewal of the parent.
func mapParentConflict(err error, parentID *string) error {
	if errors.Is(err, storage.ErrConflict) && parentID != nil {
		return svcerrors.AlreadyRenewed(*parentID)
	}
	return err
}

// ClassifyDecryptError maps a cipher failure onto its service error code.
func ClassifyDecryptError(err error) *svcerrors.ServiceError {
	if errors.Is(err, crypto.ErrMalformedCiphertext) {
		return svcerrors.Decryption(svcerrors.CodeMalformedCiphertext, err)
	}
	return svcerrors.Decryption(svcerrors.CodeAuthenticationFailed, err)
}

func applyDecimal(f Field[decimal.Decimal], dst *decimal.NullDecimal) {
	if !f.Set {
		return
	}
	if f.Value == nil {
		*dst = decimal.NullDecimal{}
		return
	}
	*dst = decimal.NewNullDecimal(*f.Value)
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

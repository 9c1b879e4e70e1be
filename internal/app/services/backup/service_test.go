package backup

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/services/contracts"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	"github.com/R3E-Network/contract_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/contract_ledger/internal/crypto"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
	"github.com/R3E-Network/contract_ledger/pkg/testutil"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	owner  = auth.Principal{TenantID: "t-1", UserID: "u-owner", Role: auth.RoleOwner}
	admin  = auth.Principal{TenantID: "t-1", UserID: "u-admin", Role: auth.RoleAdmin}
	editor = auth.Principal{TenantID: "t-1", UserID: "u-editor", Role: auth.RoleEditor}
	target = auth.Principal{TenantID: "t-2", UserID: "u-target", Role: auth.RoleOwner}
)

type fixture struct {
	store     *memory.Store
	cipher    *crypto.AmountCipher
	contracts *contracts.Service
	backup    *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cipher, err := crypto.NewAmountCipherFromHex(testKey)
	require.NoError(t, err)
	store := memory.New()
	return fixture{
		store:     store,
		cipher:    cipher,
		contracts: contracts.New(store, cipher, logger.NewDiscard()),
		backup:    New(store, cipher, logger.NewDiscard()),
	}
}

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func seed(t *testing.T, f fixture) contract.Contract {
	t.Helper()
	end := contracts.NewDate(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	number := "C-2024-001"
	c, err := f.contracts.Create(context.Background(), editor, contracts.CreateInput{
		Title:          "Security service 2024",
		ContractNumber: &number,
		ContractType:   contract.TypeService,
		PartyA:         "Us",
		PartyB:         "ABC, Corp",
		StartDate:      contracts.NewDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		EndDate:        &end,
		Amount:         money("50000000"),
		PurchasePrice:  money("1000000"),
		SellingPrice:   money("2000000"),
		Products:       []contract.ProductLine{{ProductID: "p-1", Quantity: 2}},
	})
	require.NoError(t, err)
	return c
}

func TestExportDecryptsMoneyAndDropsCiphertext(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	payload, err := f.backup.Export(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, payload.Version)
	assert.Equal(t, "t-1", payload.TenantID)
	assert.Equal(t, f.cipher.Fingerprint(), payload.KeyFingerprint)
	require.Len(t, payload.Contracts, 1)

	rec := payload.Contracts[0]
	require.NotNil(t, rec.Amount)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("50000000")))
	require.NotNil(t, rec.PurchasePrice)
	assert.True(t, rec.PurchasePrice.Equal(decimal.RequireFromString("1000000")))
	require.Len(t, rec.Products, 1)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Cipher")
}

func TestExportRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.backup.Export(context.Background(), editor)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeForbidden))
}

func TestExportOmitsUndecryptableField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := seed(t, f)

	broken := "zz:zz:zz"
	require.NoError(t, f.store.InTx(ctx, func(tx storage.ContractTx) error {
		cur, err := tx.GetContractForUpdate(ctx, "t-1", c.ID)
		if err != nil {
			return err
		}
		cur.SellingPriceCipher = &broken
		_, err = tx.UpdateContract(ctx, cur)
		return err
	}))

	payload, err := f.backup.Export(ctx, owner)
	require.NoError(t, err)
	require.Len(t, payload.Contracts, 1)
	assert.Nil(t, payload.Contracts[0].SellingPrice)
	assert.NotNil(t, payload.Contracts[0].Amount)
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	seed(t, f)

	var buf bytes.Buffer
	require.NoError(t, f.backup.ExportCSV(context.Background(), owner, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"Security service 2024", "C-2024-001", "Us", "ABC, Corp",
		"2024-01-01", "2024-12-31", "50000000", "draft", "service",
	}, rows[1])
}

func TestPreviewIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	payload := Payload{Version: FormatVersion, Contracts: make([]Record, 3)}

	_, err := f.backup.Preview(admin, payload)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeForbidden))

	preview, err := f.backup.Preview(owner, payload)
	require.NoError(t, err)
	assert.Equal(t, 3, preview.Counts["contracts"])
}

func TestImportReencryptsAndRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := seed(t, f)

	payload, err := f.backup.Export(ctx, owner)
	require.NoError(t, err)

	result, err := f.backup.Import(ctx, target, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	all, err := f.store.ListAllContracts(ctx, "t-2")
	require.NoError(t, err)
	require.Len(t, all, 1)
	imported := all[0]
	assert.NotEqual(t, src.ID, imported.ID)
	require.NotNil(t, imported.AmountCipher)
	assert.NotEqual(t, *src.AmountCipher, *imported.AmountCipher)

	amount, err := f.cipher.DecryptDecimal(*imported.AmountCipher)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.RequireFromString("50000000")))
	require.Len(t, imported.Products, 1)
	assert.Equal(t, 2, imported.Products[0].Quantity)

	history, err := f.store.ListHistory(ctx, "t-2", imported.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contract.ActionCreated, history[0].Action)
	assert.Equal(t, "u-target", history[0].ChangedBy)
}

func TestImportRebuildsRenewalChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := seed(t, f)
	_, err := f.contracts.Renew(ctx, editor, src.ID)
	require.NoError(t, err)

	payload, err := f.backup.Export(ctx, owner)
	require.NoError(t, err)
	require.Len(t, payload.Contracts, 2)
	// Children first to exercise ordering.
	payload.Contracts[0], payload.Contracts[1] = payload.Contracts[1], payload.Contracts[0]

	_, err = f.backup.Import(ctx, target, payload)
	require.NoError(t, err)

	all, err := f.store.ListAllContracts(ctx, "t-2")
	require.NoError(t, err)
	require.Len(t, all, 2)
	var parent, child contract.Contract
	for _, c := range all {
		if c.ParentContractID != nil {
			child = c
		} else {
			parent = c
		}
	}
	require.NotEmpty(t, child.ID)
	assert.Equal(t, parent.ID, *child.ParentContractID)
	assert.Equal(t, contract.StatusRenewed, parent.Status)
	assert.Equal(t, contract.StatusDraft, child.Status)
}

func TestImportAbortsWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed(t, f)

	payload, err := f.backup.Export(ctx, owner)
	require.NoError(t, err)
	bad := payload.Contracts[0]
	bad.ID = "bad"
	bad.ContractType = "lease"
	payload.Contracts = append(payload.Contracts, bad)

	_, err = f.backup.Import(ctx, target, payload)
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput))

	all, err := f.store.ListAllContracts(ctx, "t-2")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestImportDowngradesOrphanedRenewed(t *testing.T) {
	f := newFixture(t)
	rec := Record{View: contracts.View{
		ID:           "old",
		Title:        "Legacy",
		ContractType: contract.TypeLicense,
		PartyA:       "Us",
		PartyB:       "Them",
		StartDate:    contracts.NewDate(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)),
		Status:       contract.StatusRenewed,
	}}

	_, err := f.backup.Import(context.Background(), target, Payload{Version: FormatVersion, Contracts: []Record{rec}})
	require.NoError(t, err)

	all, err := f.store.ListAllContracts(context.Background(), "t-2")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, contract.StatusExpired, all[0].Status)
}

func TestImportRejectsUnknownVersionAndNonOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.backup.Import(ctx, admin, Payload{Version: FormatVersion})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeForbidden))

	_, err = f.backup.Import(ctx, owner, Payload{Version: "2.0"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "version"))
}

func TestImportOrder(t *testing.T) {
	id := func(s string) *string { return &s }
	in := []Record{
		{View: contracts.View{ID: "c", ParentContractID: id("b")}},
		{View: contracts.View{ID: "b", ParentContractID: id("a")}},
		{View: contracts.View{ID: "a"}},
		{View: contracts.View{ID: "x", ParentContractID: id("missing")}},
	}
	out := importOrder(in)
	var got []string
	for _, r := range out {
		got = append(got, r.ID)
	}
	assert.Equal(t, []string{"a", "x", "b", "c"}, got)
}

func TestExportStoreFailureIsInternal(t *testing.T) {
	store := testutil.NewFailingStore(memory.New(), errors.New("connection reset"), "ListAllContracts")
	svc := New(store, testutil.NewCipher(t), logger.NewDiscard())

	_, err := svc.Export(context.Background(), admin)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInternal))
	assert.NotContains(t, svcerrors.GetServiceError(err).Message, "connection reset")
}

func TestImportHistoryFailureAbortsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed(t, f)
	payload, err := f.backup.Export(ctx, owner)
	require.NoError(t, err)

	store := testutil.NewFailingStore(f.store, errors.New("disk full"), "AppendHistory")
	svc := New(store, f.cipher, logger.NewDiscard())
	_, err = svc.Import(ctx, target, payload)
	require.Error(t, err)

	all, err := f.store.ListAllContracts(ctx, "t-2")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestImportValidatesRecordsLikeCreate(t *testing.T) {
	valid := func() Record {
		return Record{View: contracts.View{
			ID:           "r-1",
			Title:        "Imported",
			ContractType: contract.TypeService,
			PartyA:       "Us",
			PartyB:       "Them",
			StartDate:    contracts.NewDate(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		}}
	}
	before := contracts.NewDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	bogusCommission := contract.CommissionType("bogus")
	weekly := contract.PaymentCycle("weekly")

	cases := map[string]func(r *Record){
		"end before start":      func(r *Record) { r.EndDate = &before },
		"unknown commission":    func(r *Record) { r.CommissionType = &bogusCommission },
		"unknown payment cycle": func(r *Record) { r.PaymentCycle = &weekly },
		"negative partner cut":  func(r *Record) { r.PartnerCommission = money("-5") },
		"rate overflows column": func(r *Record) { r.PurchaseCommissionRate = money("1000") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			good, bad := valid(), valid()
			bad.ID = "r-2"
			mutate(&bad)

			_, err := f.backup.Import(ctx, target, Payload{Version: FormatVersion, Contracts: []Record{good, bad}})
			assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput), "got %v", err)

			all, err := f.store.ListAllContracts(ctx, "t-2")
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func contractRows(id, status string) *sqlmock.Rows {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := map[string]driver.Value{
		"id":                    id,
		"tenant_id":             "t-1",
		"title":                 "Maintenance 2024",
		"contract_type":         "maintenance",
		"party_a":               "Us",
		"party_b":               "Them",
		"party_b_contact":       []byte(`{"name":"Kim"}`),
		"start_date":            now,
		"amount_cipher":         "aa:bb:cc",
		"currency":              "KRW",
		"vat_included":          true,
		"has_partner":           false,
		"notify_before_30_days": true,
		"notify_before_7_days":  true,
		"notify_on_expiry":      false,
		"status":                status,
		"created_by":            "u-1",
		"created_at":            now,
		"updated_at":            now,
	}
	row := make([]driver.Value, len(contractColumns))
	for i, col := range contractColumns {
		row[i] = values[col]
	}
	return sqlmock.NewRows(contractColumns).AddRow(row...)
}

func productRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"product_id", "product_option_id", "quantity", "notes"})
}

const (
	lockQuery   = `FROM contracts WHERE tenant_id = \$1 AND id = \$2 FOR UPDATE`
	getQuery    = `FROM contracts WHERE tenant_id = \$1 AND id = \$2`
	casExec     = `UPDATE contracts SET status = 'renewed', updated_at = \$3 WHERE tenant_id = \$1 AND id = \$2 AND status <> 'renewed'`
	productsSQL = `SELECT product_id, product_option_id, quantity, notes FROM contract_products`
)

func TestGetContractScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(getQuery).WithArgs("t-1", "c-1").WillReturnRows(contractRows("c-1", "active"))
	mock.ExpectQuery(productsSQL).WithArgs("t-1", "c-1").
		WillReturnRows(productRows().AddRow("p-1", nil, 2, "rack"))

	c, err := store.GetContract(context.Background(), "t-1", "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != contract.StatusActive || c.PartyBContact == nil || c.PartyBContact.Name != "Kim" {
		t.Fatalf("unexpected contract: %+v", c)
	}
	if c.AmountCipher == nil || *c.AmountCipher != "aa:bb:cc" || c.EndDate != nil {
		t.Fatalf("unexpected nullable fields: %+v", c)
	}
	if len(c.Products) != 1 || c.Products[0].Quantity != 2 {
		t.Fatalf("products = %+v", c.Products)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetContractNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(getQuery).WithArgs("t-2", "c-1").WillReturnRows(sqlmock.NewRows(contractColumns))

	_, err := store.GetContract(context.Background(), "t-2", "c-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkRenewedLosesCAS(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("t-1", "c-1").WillReturnRows(contractRows("c-1", "active"))
	mock.ExpectQuery(productsSQL).WillReturnRows(productRows())
	mock.ExpectExec(casExec).WithArgs("t-1", "c-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.ContractTx) error {
		if _, err := tx.GetContractForUpdate(context.Background(), "t-1", "c-1"); err != nil {
			return err
		}
		_, err := tx.MarkRenewed(context.Background(), "t-1", "c-1")
		return err
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRenewalCommitsFlipAndChild(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs("t-1", "c-1").WillReturnRows(contractRows("c-1", "active"))
	mock.ExpectQuery(productsSQL).WillReturnRows(productRows())
	mock.ExpectExec(casExec).WithArgs("t-1", "c-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(getQuery).WithArgs("t-1", "c-1").WillReturnRows(contractRows("c-1", "renewed"))
	mock.ExpectQuery(productsSQL).WillReturnRows(productRows())
	mock.ExpectExec(`INSERT INTO contracts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM contract_products`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO contract_history`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var child contract.Contract
	err := store.InTx(context.Background(), func(tx storage.ContractTx) error {
		ctx := context.Background()
		if _, err := tx.GetContractForUpdate(ctx, "t-1", "c-1"); err != nil {
			return err
		}
		parent, err := tx.MarkRenewed(ctx, "t-1", "c-1")
		if err != nil {
			return err
		}
		if parent.Status != contract.StatusRenewed {
			t.Errorf("parent status = %s", parent.Status)
		}
		child, err = tx.InsertContract(ctx, parent.RenewalChild("u-2"))
		if err != nil {
			return err
		}
		_, err = tx.AppendHistory(ctx, contract.HistoryEntry{ContractID: child.ID, TenantID: "t-1", Action: contract.ActionCreated, ChangedBy: "u-2"})
		return err
	})
	if err != nil {
		t.Fatalf("renew tx: %v", err)
	}
	if child.ID == "" || child.ParentContractID == nil || *child.ParentContractID != "c-1" {
		t.Fatalf("unexpected child: %+v", child)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertUniqueViolationMapsToConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contracts`).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "contracts_parent_contract_id_key"})
	mock.ExpectRollback()

	parent := "c-1"
	err := store.InTx(context.Background(), func(tx storage.ContractTx) error {
		_, err := tx.InsertContract(context.Background(), contract.Contract{TenantID: "t-1", ParentContractID: &parent})
		return err
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeleteContractNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM contracts WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t-1", "missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.ContractTx) error {
		return tx.DeleteContract(context.Background(), "t-1", "missing")
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListContractsBuildsFilteredQuery(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contracts WHERE tenant_id = \$1 AND status = \$2`).
		WithArgs("t-1", "active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`WHERE tenant_id = \$1 AND status = \$2 ORDER BY title ASC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("t-1", "active", 20, 0).
		WillReturnRows(contractRows("c-1", "active"))

	items, total, err := store.ListContracts(context.Background(), "t-1",
		contract.ListFilter{Status: contract.StatusActive, SortBy: "title", SortOrder: "asc"}, time.Now())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountContracts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`GROUP BY status`).WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("active", 2).AddRow("draft", 1))
	mock.ExpectQuery(`GROUP BY contract_type`).WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("service", 3))

	counts, err := store.CountContracts(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Total != 3 || counts.ByStatus[contract.StatusActive] != 2 || counts.ByType[contract.TypeService] != 3 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestLatestHistoryReadsNewestEntry(t *testing.T) {
	store, mock := newMockStore(t)
	changed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM contract_history WHERE tenant_id = \$1 AND contract_id = \$2 AND action = \$3 ORDER BY changed_at DESC, id DESC LIMIT 1`).
		WithArgs("t-1", "c-1", "renewed").
		WillReturnRows(sqlmock.NewRows([]string{"id", "contract_id", "tenant_id", "action", "previous_snapshot", "new_snapshot", "changed_by", "changed_at"}).
			AddRow("h-1", "c-1", "t-1", "renewed", []byte(`{"status":"active"}`), []byte(`{"status":"renewed"}`), "u-1", changed))
	mock.ExpectQuery(`FROM contract_history`).
		WithArgs("t-1", "c-2", "renewed").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx storage.ContractTx) error {
		entry, err := tx.LatestHistory(context.Background(), "t-1", "c-1", contract.ActionRenewed)
		if err != nil {
			return err
		}
		if entry.PreviousSnapshot.Status() != contract.StatusActive {
			t.Errorf("previous status = %q", entry.PreviousSnapshot.Status())
		}
		if _, err := tx.LatestHistory(context.Background(), "t-1", "c-2", contract.ActionRenewed); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	tenant := "it-" + time.Now().Format("150405.000000")

	var parent contract.Contract
	err = store.InTx(ctx, func(tx storage.ContractTx) error {
		var err error
		parent, err = tx.InsertContract(ctx, contract.Contract{
			TenantID: tenant, Title: "integration", ContractType: contract.TypeService,
			PartyA: "a", PartyB: "b", StartDate: time.Now().UTC(), Status: contract.StatusActive, CreatedBy: "u",
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	renew := func() error {
		return store.InTx(ctx, func(tx storage.ContractTx) error {
			if _, err := tx.GetContractForUpdate(ctx, tenant, parent.ID); err != nil {
				return err
			}
			p, err := tx.MarkRenewed(ctx, tenant, parent.ID)
			if err != nil {
				return err
			}
			_, err = tx.InsertContract(ctx, p.RenewalChild("u"))
			return err
		})
	}
	if err := renew(); err != nil {
		t.Fatalf("first renew: %v", err)
	}
	if err := renew(); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second renew should conflict, got %v", err)
	}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

var contractColumns = []string{
	"id", "tenant_id", "title", "contract_number", "contract_type",
	"party_a", "party_b", "party_b_contact", "start_date", "end_date",
	"amount_cipher", "currency", "payment_terms", "payment_cycle", "vat_included",
	"purchase_price_cipher", "purchase_commission_rate", "selling_price_cipher",
	"has_partner", "partner_name", "commission_type", "partner_commission",
	"internal_manager_id", "memo", "description",
	"notify_before_30_days", "notify_before_7_days", "notify_on_expiry",
	"status", "auto_renewal", "renewal_notice_days", "parent_contract_id",
	"created_by", "created_at", "updated_at",
}

// immutableColumns are never rewritten by UpdateContract.
var immutableColumns = map[string]bool{
	"id": true, "tenant_id": true, "parent_contract_id": true,
	"created_by": true, "created_at": true,
}

var (
	selectContracts = "SELECT " + strings.Join(contractColumns, ", ") + " FROM contracts"

	insertContract = func() string {
		named := make([]string, len(contractColumns))
		for i, col := range contractColumns {
			named[i] = ":" + col
		}
		return "INSERT INTO contracts (" + strings.Join(contractColumns, ", ") +
			") VALUES (" + strings.Join(named, ", ") + ")"
	}()

	updateContract = func() string {
		var sets []string
		for _, col := range contractColumns {
			if !immutableColumns[col] {
				sets = append(sets, col+" = :"+col)
			}
		}
		return "UPDATE contracts SET " + strings.Join(sets, ", ") +
			" WHERE tenant_id = :tenant_id AND id = :id"
	}()
)

const historyColumns = "id, contract_id, tenant_id, action, previous_snapshot, new_snapshot, changed_by, changed_at"

// Store implements storage.ContractStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ContractStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- reads ------------------------------------------------------------------

func (s *Store) GetContract(ctx context.Context, tenantID, id string) (contract.Contract, error) {
	return getContract(ctx, s.db, tenantID, id, "")
}

func (s *Store) ListContracts(ctx context.Context, tenantID string, filter contract.ListFilter, now time.Time) ([]contract.Contract, int, error) {
	filter = filter.Normalize()
	where, args := listWhere(tenantID, filter, now)

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM contracts"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count contracts: %w", err)
	}

	query := fmt.Sprintf("%s%s ORDER BY %s %s, id LIMIT $%d OFFSET $%d",
		selectContracts, where, filter.SortColumn(), filter.SortOrder, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	items := []contract.Contract{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list contracts: %w", err)
	}
	return items, total, nil
}

func (s *Store) ListAllContracts(ctx context.Context, tenantID string) ([]contract.Contract, error) {
	items := []contract.Contract{}
	if err := s.db.SelectContext(ctx, &items, selectContracts+" WHERE tenant_id = $1 ORDER BY created_at, id", tenantID); err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	for i := range items {
		lines, err := listProducts(ctx, s.db, tenantID, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Products = lines
	}
	return items, nil
}

func (s *Store) ListExpiring(ctx context.Context, tenantID string, days int, now time.Time) ([]contract.Contract, error) {
	from, to := window(now, days)
	items := []contract.Contract{}
	err := s.db.SelectContext(ctx, &items, selectContracts+`
		WHERE tenant_id = $1 AND status = 'active' AND end_date BETWEEN $2 AND $3
		ORDER BY end_date ASC`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list expiring contracts: %w", err)
	}
	return items, nil
}

type groupCount struct {
	Key   string `db:"key"`
	Count int    `db:"count"`
}

func (s *Store) CountContracts(ctx context.Context, tenantID string) (contract.Counts, error) {
	counts := contract.Counts{
		ByStatus: make(map[contract.Status]int),
		ByType:   make(map[contract.Type]int),
	}

	var byStatus []groupCount
	if err := s.db.SelectContext(ctx, &byStatus, `
		SELECT status AS key, COUNT(*) AS count FROM contracts
		WHERE tenant_id = $1 GROUP BY status`, tenantID); err != nil {
		return counts, fmt.Errorf("count by status: %w", err)
	}
	for _, g := range byStatus {
		counts.ByStatus[contract.Status(g.Key)] = g.Count
		counts.Total += g.Count
	}

	var byType []groupCount
	if err := s.db.SelectContext(ctx, &byType, `
		SELECT contract_type AS key, COUNT(*) AS count FROM contracts
		WHERE tenant_id = $1 GROUP BY contract_type`, tenantID); err != nil {
		return counts, fmt.Errorf("count by type: %w", err)
	}
	for _, g := range byType {
		counts.ByType[contract.Type(g.Key)] = g.Count
	}
	return counts, nil
}

func (s *Store) ListHistory(ctx context.Context, tenantID, contractID string) ([]contract.HistoryEntry, error) {
	entries := []contract.HistoryEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+historyColumns+` FROM contract_history
		WHERE tenant_id = $1 AND contract_id = $2
		ORDER BY changed_at DESC, id`, tenantID, contractID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// --- transactions -----------------------------------------------------------

// InTx runs fn inside one database transaction. Any error from fn rolls the
// transaction back.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.ContractTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetContractForUpdate(ctx context.Context, tenantID, id string) (contract.Contract, error) {
	return getContract(ctx, t.tx, tenantID, id, " FOR UPDATE")
}

func (t *pgTx) InsertContract(ctx context.Context, c contract.Contract) (contract.Contract, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	if _, err := t.tx.NamedExecContext(ctx, insertContract, c); err != nil {
		return contract.Contract{}, mapWriteError(err)
	}
	if err := t.ReplaceProducts(ctx, c.TenantID, c.ID, c.Products); err != nil {
		return contract.Contract{}, err
	}
	return c, nil
}

func (t *pgTx) UpdateContract(ctx context.Context, c contract.Contract) (contract.Contract, error) {
	c.UpdatedAt = time.Now().UTC()
	result, err := t.tx.NamedExecContext(ctx, updateContract, c)
	if err != nil {
		return contract.Contract{}, mapWriteError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return contract.Contract{}, storage.ErrNotFound
	}
	return getContract(ctx, t.tx, c.TenantID, c.ID, "")
}

func (t *pgTx) ReplaceProducts(ctx context.Context, tenantID, contractID string, lines []contract.ProductLine) error {
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM contract_products WHERE tenant_id = $1 AND contract_id = $2
	`, tenantID, contractID); err != nil {
		return fmt.Errorf("clear products: %w", err)
	}
	for i, line := range lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO contract_products (tenant_id, contract_id, position, product_id, product_option_id, quantity, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, tenantID, contractID, i, line.ProductID, line.ProductOptionID, line.Quantity, line.Notes); err != nil {
			return fmt.Errorf("insert product line %d: %w", i, err)
		}
	}
	return nil
}

// MarkRenewed is a compare-and-set on status. Callers lock the row with
// GetContractForUpdate first, so a zero row count means another transaction
// already renewed it.
func (t *pgTx) MarkRenewed(ctx context.Context, tenantID, id string) (contract.Contract, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE contracts SET status = 'renewed', updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status <> 'renewed'
	`, tenantID, id, time.Now().UTC())
	if err != nil {
		return contract.Contract{}, fmt.Errorf("mark renewed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows != 1 {
		return contract.Contract{}, storage.ErrConflict
	}
	return getContract(ctx, t.tx, tenantID, id, "")
}

func (t *pgTx) DeleteContract(ctx context.Context, tenantID, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM contracts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, entry contract.HistoryEntry) (contract.HistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contract_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ContractID, entry.TenantID, entry.Action,
		entry.PreviousSnapshot, entry.NewSnapshot, entry.ChangedBy, entry.ChangedAt)
	if err != nil {
		return contract.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return entry, nil
}

func (t *pgTx) LatestHistory(ctx context.Context, tenantID, contractID string, action contract.Action) (contract.HistoryEntry, error) {
	var entry contract.HistoryEntry
	err := t.tx.GetContext(ctx, &entry, `
		SELECT `+historyColumns+` FROM contract_history
		WHERE tenant_id = $1 AND contract_id = $2 AND action = $3
		ORDER BY changed_at DESC, id DESC LIMIT 1`, tenantID, contractID, string(action))
	if errors.Is(err, sql.ErrNoRows) {
		return contract.HistoryEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return contract.HistoryEntry{}, fmt.Errorf("latest history: %w", err)
	}
	return entry, nil
}

// --- helpers ----------------------------------------------------------------

func getContract(ctx context.Context, q sqlx.QueryerContext, tenantID, id, suffix string) (contract.Contract, error) {
	var c contract.Contract
	err := sqlx.GetContext(ctx, q, &c, selectContracts+" WHERE tenant_id = $1 AND id = $2"+suffix, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Contract{}, storage.ErrNotFound
	}
	if err != nil {
		return contract.Contract{}, fmt.Errorf("get contract: %w", err)
	}
	lines, err := listProducts(ctx, q, tenantID, id)
	if err != nil {
		return contract.Contract{}, err
	}
	c.Products = lines
	return c, nil
}

func listProducts(ctx context.Context, q sqlx.QueryerContext, tenantID, contractID string) ([]contract.ProductLine, error) {
	lines := []contract.ProductLine{}
	err := sqlx.SelectContext(ctx, q, &lines, `
		SELECT product_id, product_option_id, quantity, notes FROM contract_products
		WHERE tenant_id = $1 AND contract_id = $2 ORDER BY position`, tenantID, contractID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return lines, nil
}

func listWhere(tenantID string, f contract.ListFilter, now time.Time) (string, []interface{}) {
	clauses := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ContractType != "" {
		clauses = append(clauses, "contract_type = "+next(string(f.ContractType)))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = "+next(string(f.Status)))
	}
	if f.Search != "" {
		p := next("%" + f.Search + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(title ILIKE %[1]s OR contract_number ILIKE %[1]s OR party_a ILIKE %[1]s OR party_b ILIKE %[1]s)", p))
	}
	if f.StartDateFrom != nil {
		clauses = append(clauses, "start_date >= "+next(*f.StartDateFrom))
	}
	if f.StartDateTo != nil {
		clauses = append(clauses, "start_date <= "+next(*f.StartDateTo))
	}
	if f.ExpiringWithinDays > 0 {
		from, to := window(now, f.ExpiringWithinDays)
		clauses = append(clauses, fmt.Sprintf("end_date BETWEEN %s AND %s", next(from), next(to)))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func window(now time.Time, days int) (time.Time, time.Time) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today, today.AddDate(0, 0, days)
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Constraint)
	}
	return fmt.Errorf("write contract: %w", err)
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
)

// Store is an in-memory implementation of storage.ContractStore. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Transactions are serialized; their writes are staged and applied only when
// the callback returns nil.
type Store struct {
	mu        sync.RWMutex
	contracts map[string]contract.Contract
	products  map[string][]contract.ProductLine
	children  map[string]string
	history   []contract.HistoryEntry

	now func() time.Time
}

var _ storage.ContractStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		contracts: make(map[string]contract.Contract),
		products:  make(map[string][]contract.ProductLine),
		children:  make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Reads ----------------------------------------------------------------------

func (s *Store) GetContract(_ context.Context, tenantID, id string) (contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok || c.TenantID != tenantID {
		return contract.Contract{}, storage.ErrNotFound
	}
	out := c.Clone()
	out.Products = cloneLines(s.products[id])
	return out, nil
}

func (s *Store) ListContracts(_ context.Context, tenantID string, filter contract.ListFilter, now time.Time) ([]contract.Contract, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter = filter.Normalize()
	var matched []contract.Contract
	for _, c := range s.contracts {
		if c.TenantID == tenantID && filter.Matches(c, now) {
			matched = append(matched, c.Clone())
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if filter.SortOrder == "ASC" {
			return filter.SortValueLess(matched[i], matched[j])
		}
		return filter.SortValueLess(matched[j], matched[i])
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []contract.Contract{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) ListAllContracts(_ context.Context, tenantID string) ([]contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []contract.Contract{}
	for id, c := range s.contracts {
		if c.TenantID != tenantID {
			continue
		}
		c = c.Clone()
		c.Products = cloneLines(s.products[id])
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiring(_ context.Context, tenantID string, days int, now time.Time) ([]contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []contract.Contract{}
	for _, c := range s.contracts {
		if c.TenantID != tenantID || c.Status != contract.StatusActive || c.EndDate == nil {
			continue
		}
		if contract.WithinWindow(*c.EndDate, now, days) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(*out[j].EndDate) })
	return out, nil
}

func (s *Store) CountContracts(_ context.Context, tenantID string) (contract.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := contract.Counts{
		ByStatus: make(map[contract.Status]int),
		ByType:   make(map[contract.Type]int),
	}
	for _, c := range s.contracts {
		if c.TenantID != tenantID {
			continue
		}
		counts.Total++
		counts.ByStatus[c.Status]++
		counts.ByType[c.ContractType]++
	}
	return counts, nil
}

func (s *Store) ListHistory(_ context.Context, tenantID, contractID string) ([]contract.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []contract.HistoryEntry{}
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.TenantID == tenantID && h.ContractID == contractID {
			out = append(out, cloneEntry(h))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChangedAt.After(out[j].ChangedAt) })
	return out, nil
}

// Transactions ---------------------------------------------------------------

// InTx runs fn under the store's write lock against a staged copy of the
// state. The staged copy replaces the live state only when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.ContractTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		now:       s.now,
		committed: s.history,
		contracts: make(map[string]contract.Contract, len(s.contracts)),
		products:  make(map[string][]contract.ProductLine, len(s.products)),
		children:  make(map[string]string, len(s.children)),
	}
	for k, v := range s.contracts {
		tx.contracts[k] = v
	}
	for k, v := range s.products {
		tx.products[k] = v
	}
	for k, v := range s.children {
		tx.children[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.contracts = tx.contracts
	s.products = tx.products
	s.children = tx.children
	s.history = append(s.history, tx.history...)
	return nil
}

type memTx struct {
	now       func() time.Time
	committed []contract.HistoryEntry
	contracts map[string]contract.Contract
	products  map[string][]contract.ProductLine
	children  map[string]string
	history   []contract.HistoryEntry
}

func (t *memTx) GetContractForUpdate(_ context.Context, tenantID, id string) (contract.Contract, error) {
	c, ok := t.contracts[id]
	if !ok || c.TenantID != tenantID {
		return contract.Contract{}, storage.ErrNotFound
	}
	out := c.Clone()
	out.Products = cloneLines(t.products[id])
	return out, nil
}

func (t *memTx) InsertContract(_ context.Context, c contract.Contract) (contract.Contract, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, exists := t.contracts[c.ID]; exists {
		return contract.Contract{}, storage.ErrConflict
	}
	if c.ParentContractID != nil {
		if _, taken := t.children[*c.ParentContractID]; taken {
			return contract.Contract{}, storage.ErrConflict
		}
		t.children[*c.ParentContractID] = c.ID
	}

	now := t.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	lines := cloneLines(c.Products)
	c.Products = nil

	t.contracts[c.ID] = c.Clone()
	if len(lines) > 0 {
		t.products[c.ID] = lines
	}

	out := c.Clone()
	out.Products = cloneLines(lines)
	return out, nil
}

func (t *memTx) UpdateContract(_ context.Context, c contract.Contract) (contract.Contract, error) {
	original, ok := t.contracts[c.ID]
	if !ok || original.TenantID != c.TenantID {
		return contract.Contract{}, storage.ErrNotFound
	}
	c.CreatedAt = original.CreatedAt
	c.CreatedBy = original.CreatedBy
	c.ParentContractID = original.ParentContractID
	c.UpdatedAt = t.now()
	c.Products = nil

	t.contracts[c.ID] = c.Clone()
	out := c.Clone()
	out.Products = cloneLines(t.products[c.ID])
	return out, nil
}

func (t *memTx) ReplaceProducts(_ context.Context, tenantID, contractID string, lines []contract.ProductLine) error {
	c, ok := t.contracts[contractID]
	if !ok || c.TenantID != tenantID {
		return storage.ErrNotFound
	}
	if len(lines) == 0 {
		delete(t.products, contractID)
		return nil
	}
	t.products[contractID] = cloneLines(lines)
	return nil
}

func (t *memTx) MarkRenewed(_ context.Context, tenantID, id string) (contract.Contract, error) {
	c, ok := t.contracts[id]
	if !ok || c.TenantID != tenantID {
		return contract.Contract{}, storage.ErrNotFound
	}
	if c.Status == contract.StatusRenewed {
		return contract.Contract{}, storage.ErrConflict
	}
	c = c.Clone()
	c.Status = contract.StatusRenewed
	c.UpdatedAt = t.now()
	t.contracts[id] = c

	out := c.Clone()
	out.Products = cloneLines(t.products[id])
	return out, nil
}

func (t *memTx) DeleteContract(_ context.Context, tenantID, id string) error {
	c, ok := t.contracts[id]
	if !ok || c.TenantID != tenantID {
		return storage.ErrNotFound
	}
	delete(t.contracts, id)
	delete(t.products, id)
	if c.ParentContractID != nil {
		delete(t.children, *c.ParentContractID)
	}
	// Successors lose their link, as ON DELETE SET NULL does in Postgres.
	if childID, ok := t.children[id]; ok {
		if child, exists := t.contracts[childID]; exists {
			child = child.Clone()
			child.ParentContractID = nil
			t.contracts[childID] = child
		}
		delete(t.children, id)
	}
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, entry contract.HistoryEntry) (contract.HistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = t.now()
	}
	entry = cloneEntry(entry)
	t.history = append(t.history, entry)
	return cloneEntry(entry), nil
}

func (t *memTx) LatestHistory(_ context.Context, tenantID, contractID string, action contract.Action) (contract.HistoryEntry, error) {
	match := func(h contract.HistoryEntry) bool {
		return h.TenantID == tenantID && h.ContractID == contractID && h.Action == action
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if match(t.history[i]) {
			return cloneEntry(t.history[i]), nil
		}
	}
	for i := len(t.committed) - 1; i >= 0; i-- {
		if match(t.committed[i]) {
			return cloneEntry(t.committed[i]), nil
		}
	}
	return contract.HistoryEntry{}, storage.ErrNotFound
}

// Clone helpers --------------------------------------------------------------

func cloneLines(lines []contract.ProductLine) []contract.ProductLine {
	if lines == nil {
		return nil
	}
	c := contract.Contract{Products: lines}.Clone()
	return c.Products
}

func cloneEntry(h contract.HistoryEntry) contract.HistoryEntry {
	if h.PreviousSnapshot != nil {
		h.PreviousSnapshot = append(contract.Snapshot(nil), h.PreviousSnapshot...)
	}
	if h.NewSnapshot != nil {
		h.NewSnapshot = append(contract.Snapshot(nil), h.NewSnapshot...)
	}
	return h
}

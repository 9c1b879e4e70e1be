package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
)

var (
	// ErrNotFound is returned when a row does not exist in the tenant scope.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a conditional write loses: the contract was
	// already renewed, or a second child was inserted for one parent.
	ErrConflict = errors.New("storage: conflicting write")
)

// ContractReader serves tenant-scoped reads outside a transaction.
type ContractReader interface {
	GetContract(ctx context.Context, tenantID, id string) (contract.Contract, error)
	ListContracts(ctx context.Context, tenantID string, filter contract.ListFilter, now time.Time) ([]contract.Contract, int, error)
	ListAllContracts(ctx context.Context, tenantID string) ([]contract.Contract, error)
	ListExpiring(ctx context.Context, tenantID string, days int, now time.Time) ([]contract.Contract, error)
	CountContracts(ctx context.Context, tenantID string) (contract.Counts, error)
	ListHistory(ctx context.Context, tenantID, contractID string) ([]contract.HistoryEntry, error)
}

// ContractTx is the write handle passed to InTx. Every write made through it
// commits or rolls back together.
type ContractTx interface {
	// GetContractForUpdate reads a row and holds it until the transaction ends.
	GetContractForUpdate(ctx context.Context, tenantID, id string) (contract.Contract, error)
	InsertContract(ctx context.Context, c contract.Contract) (contract.Contract, error)
	UpdateContract(ctx context.Context, c contract.Contract) (contract.Contract, error)
	ReplaceProducts(ctx context.Context, tenantID, contractID string, lines []contract.ProductLine) error
	// MarkRenewed flips status to renewed only if it is not renewed yet.
	// It returns ErrConflict when the flip did not happen.
	MarkRenewed(ctx context.Context, tenantID, id string) (contract.Contract, error)
	DeleteContract(ctx context.Context, tenantID, id string) error
	AppendHistory(ctx context.Context, entry contract.HistoryEntry) (contract.HistoryEntry, error)
	// LatestHistory returns the newest entry with the given action for a
	// contract, or ErrNotFound.
	LatestHistory(ctx context.Context, tenantID, contractID string, action contract.Action) (contract.HistoryEntry, error)
}

// ContractStore persists contracts and their history.
type ContractStore interface {
	ContractReader
	InTx(ctx context.Context, fn func(tx ContractTx) error) error
}

// Package testutil provides shared fixtures and fault-injecting stores for
// ledger tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	"github.com/R3E-Network/contract_ledger/internal/crypto"
)

// EncryptionKey is a fixed 64-hex test key.
const EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// NewCipher returns a cipher over EncryptionKey.
func NewCipher(t testing.TB) *crypto.AmountCipher {
	t.Helper()
	c, err := crypto.NewAmountCipherFromHex(EncryptionKey)
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}
	return c
}

// Principal builds a principal with a user id derived from the role.
func Principal(tenantID string, role auth.Role) auth.Principal {
	return auth.Principal{TenantID: tenantID, UserID: "u-" + string(role), Role: role}
}

// FailingStore wraps a ContractStore and returns Err from the operations
// named in Fail. Other calls pass through.
type FailingStore struct {
	storage.ContractStore

	mu   sync.Mutex
	Err  error
	Fail map[string]bool
}

// NewFailingStore fails the named operations with err.
func NewFailingStore(inner storage.ContractStore, err error, ops ...string) *FailingStore {
	fail := make(map[string]bool, len(ops))
	for _, op := range ops {
		fail[op] = true
	}
	return &FailingStore{ContractStore: inner, Err: err, Fail: fail}
}

func (s *FailingStore) should(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fail[op]
}

// ListAllContracts fails when "ListAllContracts" is armed.
func (s *FailingStore) ListAllContracts(ctx context.Context, tenantID string) ([]contract.Contract, error) {
	if s.should("ListAllContracts") {
		return nil, s.Err
	}
	return s.ContractStore.ListAllContracts(ctx, tenantID)
}

// InTx fails when "InTx" is armed, before fn runs.
func (s *FailingStore) InTx(ctx context.Context, fn func(tx storage.ContractTx) error) error {
	if s.should("InTx") {
		return s.Err
	}
	return s.ContractStore.InTx(ctx, func(tx storage.ContractTx) error {
		if s.should("AppendHistory") {
			return fn(failingHistoryTx{ContractTx: tx, err: s.Err})
		}
		return fn(tx)
	})
}

type failingHistoryTx struct {
	storage.ContractTx
	err error
}

func (t failingHistoryTx) AppendHistory(context.Context, contract.HistoryEntry) (contract.HistoryEntry, error) {
	return contract.HistoryEntry{}, t.err
}

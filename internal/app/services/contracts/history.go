package contracts

import (
	"context"

	"github.com/R3E-Network/contract_ledger/internal/app/domain/contract"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
)

// TimelineEntry is a history row with its field-level changes.
type TimelineEntry struct {
	contract.HistoryEntry
	Changes []contract.Change `json:"changes"`
}

// HistoryRecorder writes audit entries inside the caller's transaction and
// reads them back as a diffed timeline.
type HistoryRecorder struct {
	reader storage.ContractReader
}

func NewHistoryRecorder(reader storage.ContractReader) *HistoryRecorder {
	return &HistoryRecorder{reader: reader}
}

// Record snapshots prev and next and appends the entry through tx, so it
// commits or rolls back with the mutation. Either side may be nil.
func (h *HistoryRecorder) Record(ctx context.Context, tx storage.ContractTx, tenantID, contractID string, action contract.Action, prev, next *contract.Contract, actorID string) error {
	prevSnap, err := contract.TakeSnapshot(prev)
	if err != nil {
		return err
	}
	nextSnap, err := contract.TakeSnapshot(next)
	if err != nil {
		return err
	}
	_, err = tx.AppendHistory(ctx, contract.HistoryEntry{
		ContractID:       contractID,
		TenantID:         tenantID,
		Action:           action,
		PreviousSnapshot: prevSnap,
		NewSnapshot:      nextSnap,
		ChangedBy:        actorID,
	})
	return err
}

// Timeline returns the entries for one contract, newest first.
func (h *HistoryRecorder) Timeline(ctx context.Context, tenantID, contractID string) ([]TimelineEntry, error) {
	entries, err := h.reader.ListHistory(ctx, tenantID, contractID)
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEntry, len(entries))
	for i, e := range entries {
		out[i] = TimelineEntry{
			HistoryEntry: e,
			Changes:      contract.Diff(e.PreviousSnapshot, e.NewSnapshot),
		}
	}
	return out, nil
}

package contract

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Action labels a history entry.
type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionRenewed    Action = "renewed"
	ActionTerminated Action = "terminated"
)

// Snapshot is the JSON field map of a stored contract at one point in time.
// Cipher fields stay as ciphertext. A nil Snapshot means "no record".
type Snapshot []byte

// TakeSnapshot serializes c as stored. A nil contract yields a nil snapshot.
func TakeSnapshot(c *Contract) (Snapshot, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("snapshot contract %s: %w", c.ID, err)
	}
	return Snapshot(b), nil
}

// Status reads the status recorded in the snapshot; empty when absent.
func (s Snapshot) Status() Status {
	if len(s) == 0 {
		return ""
	}
	return Status(gjson.GetBytes(s, "status").String())
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	*s = append((*s)[:0], b...)
	return nil
}

// Value implements driver.Valuer. Snapshots are written as text so the
// driver does not encode them as bytea.
func (s Snapshot) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *Snapshot) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
	case []byte:
		*s = append(Snapshot(nil), v...)
	case string:
		*s = Snapshot(v)
	default:
		return fmt.Errorf("snapshot: unsupported scan type %T", src)
	}
	return nil
}

// HistoryEntry is one immutable audit row.
type HistoryEntry struct {
	ID               string    `json:"id" db:"id"`
	ContractID       string    `json:"contractId" db:"contract_id"`
	TenantID         string    `json:"tenantId" db:"tenant_id"`
	Action           Action    `json:"action" db:"action"`
	PreviousSnapshot Snapshot  `json:"previousSnapshot" db:"previous_snapshot"`
	NewSnapshot      Snapshot  `json:"newSnapshot" db:"new_snapshot"`
	ChangedBy        string    `json:"changedBy" db:"changed_by"`
	ChangedAt        time.Time `json:"changedAt" db:"changed_at"`
}

// Change is one field whose serialized value differs between two snapshots.
// OldValue is null when the field did not exist before.
type Change struct {
	Field    string          `json:"field"`
	OldValue json.RawMessage `json:"oldValue"`
	NewValue json.RawMessage `json:"newValue"`
}

// Diff compares every top-level key of next against prev by serialized
// value. Nested objects are compared whole. Keys only present in prev are
// not reported.
func Diff(prev, next Snapshot) []Change {
	if len(next) == 0 {
		return []Change{}
	}
	changes := []Change{}
	gjson.ParseBytes(next).ForEach(func(key, value gjson.Result) bool {
		field := key.String()
		var old gjson.Result
		if len(prev) > 0 {
			old = gjson.GetBytes(prev, escapePath(field))
		}
		if old.Exists() && old.Raw == value.Raw {
			return true
		}
		change := Change{Field: field, NewValue: json.RawMessage(value.Raw)}
		if old.Exists() {
			change.OldValue = json.RawMessage(old.Raw)
		}
		changes = append(changes, change)
		return true
	})
	return changes
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`,
	`|`, `\|`, `#`, `\#`, `@`, `\@`, `!`, `\!`,
)

func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

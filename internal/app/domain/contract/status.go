package contract

// Status is a contract lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPOCDemo    Status = "poc_demo"
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusRenewed    Status = "renewed"
)

// Statuses lists every state in display order.
var Statuses = []Status{StatusDraft, StatusPOCDemo, StatusActive, StatusExpired, StatusTerminated, StatusRenewed}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// transitions holds the status changes reachable through UpdateStatus.
// renewed has no entry on either side: only a renewal produces it.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusPOCDemo, StatusActive, StatusTerminated},
	StatusPOCDemo:    {StatusDraft, StatusActive, StatusTerminated},
	StatusActive:     {StatusExpired, StatusTerminated},
	StatusExpired:    {StatusActive, StatusTerminated},
	StatusTerminated: nil,
	StatusRenewed:    nil,
}

// CanTransition reports whether a direct status change from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Renewable reports whether a contract in status s may be renewed.
func Renewable(s Status) bool {
	return s != StatusRenewed
}

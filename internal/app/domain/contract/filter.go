package contract

import (
	"strings"
	"time"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// sortColumns maps accepted sort keys to column names.
var sortColumns = map[string]string{
	"createdAt":      "created_at",
	"updatedAt":      "updated_at",
	"startDate":      "start_date",
	"endDate":        "end_date",
	"title":          "title",
	"contractNumber": "contract_number",
	"status":         "status",
}

// ListFilter narrows a contract listing. Zero values mean "no constraint".
type ListFilter struct {
	ContractType       Type
	Status             Status
	Search             string
	StartDateFrom      *time.Time
	StartDateTo        *time.Time
	ExpiringWithinDays int
	SortBy             string
	SortOrder          string
	Page               int
	Limit              int
}

// Normalize clamps paging and replaces unknown sort keys with defaults.
func (f ListFilter) Normalize() ListFilter {
	if _, ok := sortColumns[f.SortBy]; !ok {
		f.SortBy = "createdAt"
	}
	f.SortOrder = strings.ToUpper(f.SortOrder)
	if f.SortOrder != "ASC" {
		f.SortOrder = "DESC"
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// SortColumn returns the column for the normalized sort key.
func (f ListFilter) SortColumn() string {
	if col, ok := sortColumns[f.SortBy]; ok {
		return col
	}
	return "created_at"
}

// Offset is the number of rows skipped for the current page.
func (f ListFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// SortValueLess orders two contracts by the normalized sort key, ascending.
func (f ListFilter) SortValueLess(a, b Contract) bool {
	switch f.SortBy {
	case "updatedAt":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "startDate":
		return a.StartDate.Before(b.StartDate)
	case "endDate":
		return timeValue(a.EndDate).Before(timeValue(b.EndDate))
	case "title":
		return a.Title < b.Title
	case "contractNumber":
		return stringValue(a.ContractNumber) < stringValue(b.ContractNumber)
	case "status":
		return a.Status < b.Status
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

// Matches applies the filter to c in memory. now anchors ExpiringWithinDays.
func (f ListFilter) Matches(c Contract, now time.Time) bool {
	if f.ContractType != "" && c.ContractType != f.ContractType {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystack := []string{c.Title, stringValue(c.ContractNumber), c.PartyA, c.PartyB}
		found := false
		for _, h := range haystack {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StartDateFrom != nil && c.StartDate.Before(*f.StartDateFrom) {
		return false
	}
	if f.StartDateTo != nil && c.StartDate.After(*f.StartDateTo) {
		return false
	}
	if f.ExpiringWithinDays > 0 {
		if c.EndDate == nil {
			return false
		}
		if !WithinWindow(*c.EndDate, now, f.ExpiringWithinDays) {
			return false
		}
	}
	return true
}

// WithinWindow reports whether end falls between today and today+days,
// inclusive on both ends, comparing calendar dates in UTC.
func WithinWindow(end, now time.Time, days int) bool {
	today := truncateDay(now)
	limit := today.AddDate(0, 0, days)
	day := truncateDay(end)
	return !day.Before(today) && !day.After(limit)
}

// Page is one page of a listing.
type Page struct {
	Items      []Contract
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// NewPage computes the page count for total rows.
func NewPage(items []Contract, total int, f ListFilter) Page {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return Page{Items: items, Total: total, Page: f.Page, Limit: f.Limit, TotalPages: pages}
}

// Counts summarizes a tenant's contracts for the dashboard.
type Counts struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"byStatus"`
	ByType     map[Type]int   `json:"byType"`
	Expiring30 int            `json:"expiringWithin30Days"`
	Expiring7  int            `json:"expiringWithin7Days"`
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

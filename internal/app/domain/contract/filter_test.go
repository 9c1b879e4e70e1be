package contract

import (
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	f := ListFilter{SortBy: "amount; DROP TABLE", SortOrder: "asc", Page: -3, Limit: 1000}.Normalize()
	if f.SortBy != "createdAt" || f.SortColumn() != "created_at" {
		t.Fatalf("unknown sort key should fall back, got %q", f.SortBy)
	}
	if f.SortOrder != "ASC" {
		t.Fatalf("order = %q", f.SortOrder)
	}
	if f.Page != 1 || f.Limit != MaxPageLimit {
		t.Fatalf("paging = %d/%d", f.Page, f.Limit)
	}

	f = ListFilter{}.Normalize()
	if f.Limit != DefaultPageLimit || f.SortOrder != "DESC" {
		t.Fatalf("defaults = %+v", f)
	}
	if (ListFilter{Page: 3, Limit: 20}).Offset() != 40 {
		t.Fatal("offset for page 3 should be 40")
	}
}

func TestMatches(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := now.AddDate(0, 0, 10)
	c := sampleContract()
	c.EndDate = &end

	tests := []struct {
		name   string
		filter ListFilter
		want   bool
	}{
		{"empty", ListFilter{}, true},
		{"status match", ListFilter{Status: StatusActive}, true},
		{"status mismatch", ListFilter{Status: StatusDraft}, false},
		{"type mismatch", ListFilter{ContractType: TypeNDA}, false},
		{"search party case-insensitive", ListFilter{Search: "THEM"}, true},
		{"search number", ListFilter{Search: "2024-001"}, true},
		{"search miss", ListFilter{Search: "nothing"}, false},
		{"expiring inside window", ListFilter{ExpiringWithinDays: 30}, true},
		{"expiring outside window", ListFilter{ExpiringWithinDays: 7}, false},
		{"start after range", ListFilter{StartDateTo: timePtr(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(c, now); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWithinWindowBoundaries(t *testing.T) {
	now := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	if !WithinWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), now, 7) {
		t.Fatal("today should be inside the window")
	}
	if !WithinWindow(time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC), now, 7) {
		t.Fatal("today+7 should be inside the window")
	}
	if WithinWindow(time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), now, 7) {
		t.Fatal("yesterday should be outside the window")
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage(nil, 41, ListFilter{Page: 2, Limit: 20})
	if p.TotalPages != 3 {
		t.Fatalf("total pages = %d", p.TotalPages)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

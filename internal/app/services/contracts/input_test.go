package contracts

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFieldDistinguishesAbsentFromNull(t *testing.T) {
	var in UpdateInput
	if err := json.Unmarshal([]byte(`{"memo": null, "title": "x"}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.Memo.Set || in.Memo.Value != nil {
		t.Fatalf("memo should be an explicit null: %+v", in.Memo)
	}
	if !in.Title.Set || *in.Title.Value != "x" {
		t.Fatalf("title = %+v", in.Title)
	}
	if in.PartyA.Set {
		t.Fatal("absent key reported as set")
	}

	memo := "old"
	ptr := &memo
	in.Memo.applyPtr(&ptr)
	if ptr != nil {
		t.Fatal("explicit null should clear the field")
	}
	Set("new").applyPtr(&ptr)
	if ptr == nil || *ptr != "new" {
		t.Fatal("set field should assign")
	}
}

func TestDateParsing(t *testing.T) {
	var d Date
	if err := json.Unmarshal([]byte(`"2026-01-01"`), &d); err != nil {
		t.Fatalf("plain date: %v", err)
	}
	if !d.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", d.Time)
	}
	if err := json.Unmarshal([]byte(`"2026-01-01T15:04:05+09:00"`), &d); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if d.Day() != 1 || d.Hour() != 0 {
		t.Fatalf("rfc3339 should truncate to the UTC day, got %v", d.Time)
	}
	if err := json.Unmarshal([]byte(`"01/02/2026"`), &d); err == nil {
		t.Fatal("expected error for unsupported layout")
	}
	out, _ := json.Marshal(NewDate(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)))
	if string(out) != `"2026-03-04"` {
		t.Fatalf("marshal = %s", out)
	}
}

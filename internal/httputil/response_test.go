package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

func TestWriteErrorUsesServiceError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(logger.WithTraceID(req.Context(), "trace-1"))
	rec := httptest.NewRecorder()

	WriteError(rec, req, svcerrors.NotFound("contract", "c-1"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(svcerrors.CodeNotFound) {
		t.Errorf("code = %s", body.Error.Code)
	}
	if body.Error.TraceID != "trace-1" {
		t.Errorf("traceId = %q", body.Error.TraceID)
	}
}

func TestWriteErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Title string `json:"title"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"title":"x"}`, false},
		{"unknown field", `{"title":"x","extra":1}`, true},
		{"trailing data", `{"title":"x"}{}`, true},
		{"wrong type", `{"title":1}`, true},
		{"empty", ``, true},
		{"syntax", `{"title":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v payload
			err := DecodeJSON(httptest.NewRecorder(), req, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !svcerrors.HasCode(err, svcerrors.CodeInvalidInput) {
				t.Fatalf("err code = %v, want INVALID_INPUT", err)
			}
		})
	}
}

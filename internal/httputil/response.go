// Package httputil holds the JSON request and response helpers shared by the
// HTTP handlers and middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// MaxBodyBytes bounds every decoded request body.
const MaxBodyBytes = 8 << 20

// ErrorBody is the error envelope written by WriteError.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"traceId,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the error envelope. Errors that are not service
// errors become INTERNAL_ERROR without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}
	WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}

// WriteErrorResponse writes an explicit error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := ErrorBody{Error: ErrorDetail{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.TraceID = logger.GetTraceID(r.Context())
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes a single JSON document from the request body into v.
// Unknown fields and trailing data are rejected as INVALID_INPUT.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return svcerrors.InvalidInput("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return svcerrors.InvalidInput("request body must contain a single JSON document")
	}
	return nil
}

func decodeError(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		maxErr    *http.MaxBytesError
		se        *svcerrors.ServiceError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, io.EOF):
		return svcerrors.InvalidInput("request body is required")
	case errors.As(err, &syntaxErr):
		return svcerrors.InvalidInput(fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
	case errors.As(err, &typeErr):
		return svcerrors.InvalidField(typeErr.Field, fmt.Sprintf("expected %s", typeErr.Type))
	case errors.As(err, &maxErr):
		return svcerrors.InvalidInput(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return svcerrors.InvalidField(field, "unknown field")
	default:
		return svcerrors.InvalidInput(err.Error())
	}
}

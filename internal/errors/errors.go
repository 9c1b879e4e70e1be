// Package errors defines the typed service errors surfaced by the ledger.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of service error.
type ErrorCode string

const (
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeAlreadyRenewed       ErrorCode = "ALREADY_RENEWED"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken         ErrorCode = "INVALID_TOKEN"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeMalformedCiphertext  ErrorCode = "MALFORMED_CIPHERTEXT"
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeConfiguration        ErrorCode = "CONFIGURATION_ERROR"
	CodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error carrying a code, an HTTP status and optional details.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value detail and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// NotFound reports a resource absent from the caller's tenant scope.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s %s not found", resource, id), nil).
		WithDetails("id", id)
}

// AlreadyRenewed reports a renew call on a contract that already has a renewal.
func AlreadyRenewed(id string) *ServiceError {
	return newError(CodeAlreadyRenewed, http.StatusConflict, "contract has already been renewed", nil).
		WithDetails("id", id)
}

// InvalidTransition reports a status change not allowed by the lifecycle table.
func InvalidTransition(from, to string) *ServiceError {
	return newError(CodeInvalidTransition, http.StatusConflict,
		fmt.Sprintf("status transition %s -> %s is not allowed", from, to), nil).
		WithDetails("from", from).
		WithDetails("to", to)
}

func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

func InvalidInput(message string) *ServiceError {
	return newError(CodeInvalidInput, http.StatusBadRequest, message, nil)
}

// InvalidField reports a validation failure on a named input field.
func InvalidField(field, message string) *ServiceError {
	return InvalidInput(fmt.Sprintf("%s: %s", field, message)).WithDetails("field", field)
}

// Decryption classifies a ciphertext failure. The cause is kept for errors.Is.
func Decryption(code ErrorCode, err error) *ServiceError {
	return newError(code, http.StatusInternalServerError, "stored ciphertext could not be decrypted", err)
}

// Configuration reports a startup-fatal misconfiguration.
func Configuration(message string, err error) *ServiceError {
	return newError(CodeConfiguration, http.StatusInternalServerError, message, err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a coded client error.
type Error struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Is implements the errors.Is interface for error matching.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	// Match by code if target has a code
	if t.Code != "" {
		return e.Code == t.Code
	}
	if t.Message != "" {
		return e.Message == t.Message
	}
	return false
}

// Error codes
const (
	ErrCodeIdentityConflict      = "identity_conflict"
	ErrCodeInvalidOperation      = "invalid_operation"
	ErrCodeConcurrencyViolation  = "concurrency_violation"
	ErrCodeTypeMismatch          = "type_mismatch"
	ErrCodeCertificateMismatch   = "certificate_mismatch"
	ErrCodeUnsupportedChangeType = "unsupported_change_type"
	ErrCodeConfirmationTimeout   = "confirmation_timeout"
	ErrCodeMalformedResponse     = "malformed_response"
	ErrCodeNotFound              = "not_found"
	ErrCodeServer                = "server_error"
)

// Sentinels for errors.Is. Use Errorf for errors carrying details.
var (
	ErrIdentityConflict      = &Error{Code: ErrCodeIdentityConflict}
	ErrInvalidOperation      = &Error{Code: ErrCodeInvalidOperation}
	ErrConcurrencyViolation  = &Error{Code: ErrCodeConcurrencyViolation}
	ErrTypeMismatch          = &Error{Code: ErrCodeTypeMismatch}
	ErrCertificateMismatch   = &Error{Code: ErrCodeCertificateMismatch}
	ErrUnsupportedChangeType = &Error{Code: ErrCodeUnsupportedChangeType}
	ErrConfirmationTimeout   = &Error{Code: ErrCodeConfirmationTimeout}
	ErrMalformedResponse     = &Error{Code: ErrCodeMalformedResponse}
	ErrNotFound              = &Error{Code: ErrCodeNotFound}
	ErrServer                = &Error{Code: ErrCodeServer}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// ConcurrencyError reports a document whose change vector did not match
// the server's.
type ConcurrencyError struct {
	ID       string `json:"Id"`
	Expected string `json:"ExpectedChangeVector,omitempty"`
	Actual   string `json:"ActualChangeVector,omitempty"`
	Message  string `json:"Message,omitempty"`
}

func (e *ConcurrencyError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("document %q has change vector %q, expected %q", e.ID, e.Actual, e.Expected)
	}
	return ErrCodeConcurrencyViolation + ": " + msg
}

// Is matches ErrConcurrencyViolation.
func (e *ConcurrencyError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == ErrCodeConcurrencyViolation
}

// BatchError aggregates per-document failures of a partially applied batch.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("batch had %d failed documents: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	return e.Errs
}

// ConcurrencyErrors returns the concurrency errors carried by err, whether it
// is a single ConcurrencyError or a BatchError.
func ConcurrencyErrors(err error) []*ConcurrencyError {
	var res []*ConcurrencyError
	var be *BatchError
	if errors.As(err, &be) {
		for _, e := range be.Errs {
			res = append(res, ConcurrencyErrors(e)...)
		}
		return res
	}
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		res = append(res, ce)
	}
	return res
}

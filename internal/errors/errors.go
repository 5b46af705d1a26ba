// Package errors defines the error taxonomy shared by the local store, the
// outbox writer and the sync coordinator.
//
// Errors are sentinel *InternalError values matched by code, so a storage
// failure wrapped three times is still errors.Is(err, ErrStorageUnavailable).
// Callers attach context with the fluent builder in builder.go and finish the
// chain with Mark.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// Local persistence cannot be read or written. Fatal to the attempted
	// operation and never retried automatically.
	ErrStorageUnavailable = new(ErrCodeStorageUnavailable, "local storage unavailable")

	// Transient transport failures. A sync pass ending with one of these is
	// retried by the next trigger, never in a loop.
	ErrNetworkUnavailable = new(ErrCodeNetworkUnavailable, "network unavailable")
	ErrTimeout            = new(ErrCodeTimeout, "request timed out")

	// The server refused one mutation. Only that outbox entry is affected.
	ErrMutationRejected = new(ErrCodeMutationRejected, "mutation rejected by server")

	// The server no longer recognises the stored delta cursor.
	ErrWatermarkUnrecognized = new(ErrCodeWatermarkUnrecognized, "watermark unrecognized")

	// The local schema cannot be used by this build.
	ErrSchemaVersionMismatch = new(ErrCodeSchemaVersionMismatch, "schema version mismatch")

	ErrNotFound         = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists    = new(ErrCodeAlreadyExists, "resource already exists")
	ErrValidation       = new(ErrCodeValidation, "validation error")
	ErrInvalidOperation = new(ErrCodeInvalidOperation, "invalid operation")
	ErrPermissionDenied = new(ErrCodePermissionDenied, "permission denied")
	ErrHTTPClient       = new(ErrCodeHTTPClient, "http client error")
	ErrSystem           = new(ErrCodeSystemError, "system error")
)

const (
	ErrCodeStorageUnavailable    = "storage_unavailable"
	ErrCodeNetworkUnavailable    = "network_unavailable"
	ErrCodeTimeout               = "timeout"
	ErrCodeMutationRejected      = "mutation_rejected"
	ErrCodeWatermarkUnrecognized = "watermark_unrecognized"
	ErrCodeSchemaVersionMismatch = "schema_version_mismatch"
	ErrCodeNotFound              = "not_found"
	ErrCodeAlreadyExists         = "already_exists"
	ErrCodeValidation            = "validation_error"
	ErrCodeInvalidOperation      = "invalid_operation"
	ErrCodePermissionDenied      = "permission_denied"
	ErrCodeHTTPClient            = "http_client_error"
	ErrCodeSystemError           = "system_error"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Op      string // Logical operation name
	Err     error  // Underlying error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped errors
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

// Code returns the taxonomy code of err, or the system error code when err
// carries no mark.
func Code(err error) string {
	for _, e := range []*InternalError{
		ErrStorageUnavailable, ErrNetworkUnavailable, ErrTimeout,
		ErrMutationRejected, ErrWatermarkUnrecognized, ErrSchemaVersionMismatch,
		ErrNotFound, ErrAlreadyExists, ErrValidation, ErrInvalidOperation,
		ErrPermissionDenied, ErrHTTPClient,
	} {
		if errors.Is(err, e) {
			return e.Code
		}
	}
	return ErrCodeSystemError
}

// IsTransient reports whether err should be retried by the next natural sync
// trigger rather than surfaced as a permanent failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrTimeout)
}

func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

func IsWatermarkUnrecognized(err error) bool {
	return errors.Is(err, ErrWatermarkUnrecognized)
}

func IsSchemaVersionMismatch(err error) bool {
	return errors.Is(err, ErrSchemaVersionMismatch)
}

func IsMutationRejected(err error) bool {
	return errors.Is(err, ErrMutationRejected)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsPermissionDenied checks if an error is a permission denied error
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Hints returns the user-facing hints attached with WithHint.
func Hints(err error) []string {
	return errors.GetAllHints(err)
}

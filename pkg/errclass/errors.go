package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Retryable: e.Retryable}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Retryable: e.Retryable}
}

// Wrap returns a new Error of the same class carrying cause.
func (e *Error) Wrap(cause error, msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Retryable: e.Retryable, Cause: cause}
}

// All stable error classes.
var (
	ErrChainConflict     = &Error{Code: "E_CHAIN_CONFLICT", Retryable: true}
	ErrChainBroken       = &Error{Code: "E_CHAIN_BROKEN"}
	ErrContentTooLarge   = &Error{Code: "E_CONTENT_TOO_LARGE"}
	ErrPairedField       = &Error{Code: "E_PAIRED_FIELD"}
	ErrInvalidEntry      = &Error{Code: "E_INVALID_ENTRY"}
	ErrSnapshotCorrupt   = &Error{Code: "E_SNAPSHOT_CORRUPT"}
	ErrNotFound          = &Error{Code: "E_NOT_FOUND"}
	ErrRetentionPolicy   = &Error{Code: "E_RETENTION_POLICY"}
	ErrApplyFailed       = &Error{Code: "E_APPLY_FAILED"}
	ErrLeaseConflict     = &Error{Code: "E_LEASE_CONFLICT", Retryable: true}
	ErrLeaseNotHeld      = &Error{Code: "E_LEASE_NOT_HELD"}
	ErrConfigInvalid     = &Error{Code: "E_CONFIG_INVALID"}
	ErrNameInvalid       = &Error{Code: "E_NAME_INVALID"}
	ErrFencingMismatch   = &Error{Code: "E_FENCING_MISMATCH"}
	ErrFormatUnsupported = &Error{Code: "E_FORMAT_UNSUPPORTED"}
)

// IsRetryable reports whether err, or any error it wraps, is a retryable class.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Code returns the class code of err, or "" if err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

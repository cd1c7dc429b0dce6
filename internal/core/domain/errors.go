// Package domain provides the canonical types and error taxonomy for the
// dispute session engine.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an engine error.
type ErrorType string

const (
	// ErrorTypeValidation indicates the command was well-formed but violates a
	// dispute rule (value too high, deadline passed, wrong supplier).
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeAuthentication indicates the caller could not be identified.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeAuthorization indicates the caller's role does not permit the command.
	ErrorTypeAuthorization ErrorType = "authorization"

	// ErrorTypeConflict indicates the lot is in a state that forbids the command.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeNotFound indicates a lot or participant was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUnavailable indicates a transient failure; the caller may retry.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeFatal indicates corrupted or inconsistent state.
	ErrorTypeFatal ErrorType = "fatal"
)

// ErrorCode identifies the specific rule that rejected a command.
type ErrorCode string

const (
	ErrorCodeInvalidRequest            ErrorCode = "invalid_request"
	ErrorCodeInvalidValue              ErrorCode = "invalid_value"
	ErrorCodeValueNotBelowFloor        ErrorCode = "value_not_below_floor"
	ErrorCodeValueNotBelowLeading      ErrorCode = "value_not_below_leading"
	ErrorCodeNotOpenForBidding         ErrorCode = "not_open_for_bidding"
	ErrorCodeSupplierNotRegistered     ErrorCode = "supplier_not_registered"
	ErrorCodeWrongSupplier             ErrorCode = "wrong_supplier"
	ErrorCodeTooLate                   ErrorCode = "too_late"
	ErrorCodeStaleBid                  ErrorCode = "stale_bid"
	ErrorCodeSealedBidAlreadySubmitted ErrorCode = "sealed_bid_already_submitted"
	ErrorCodeNotEligibleForRound       ErrorCode = "not_eligible_for_round"
	ErrorCodeReasonRequired            ErrorCode = "reason_required"
	ErrorCodeUnauthenticated           ErrorCode = "unauthenticated"
	ErrorCodeRoleMismatch              ErrorCode = "role_mismatch"
	ErrorCodeAlreadyStarted            ErrorCode = "already_started"
	ErrorCodeRegistrationClosed        ErrorCode = "registration_closed"
	ErrorCodeRestartUnavailable        ErrorCode = "restart_unavailable"
	ErrorCodeLotClosed                 ErrorCode = "lot_closed"
	ErrorCodeLotExists                 ErrorCode = "lot_exists"
	ErrorCodeLotNotFound               ErrorCode = "lot_not_found"
	ErrorCodeStorageUnavailable        ErrorCode = "storage_unavailable"
	ErrorCodeSessionStopped            ErrorCode = "session_stopped"
	ErrorCodeLogCorrupt                ErrorCode = "log_corrupt"
)

// Error is the canonical error returned by every engine command. Callers
// compare against the sentinel values below with errors.Is, which matches on
// Code so a sentinel re-messaged with WithMessage still matches.
type Error struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is the specific rule that failed
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Retryable marks transient failures
	Retryable bool `json:"retryable,omitempty"`

	cause error
}

// Sentinel errors, one per rejection rule.
var (
	ErrInvalidRequest            = newError(ErrorTypeValidation, ErrorCodeInvalidRequest, "invalid request")
	ErrInvalidValue              = newError(ErrorTypeValidation, ErrorCodeInvalidValue, "bid value must be positive")
	ErrValueNotBelowFloor        = newError(ErrorTypeValidation, ErrorCodeValueNotBelowFloor, "bid does not beat the leading value by the minimum decrement")
	ErrValueNotBelowLeading      = newError(ErrorTypeValidation, ErrorCodeValueNotBelowLeading, "counter-offer must be strictly below the leading value")
	ErrNotOpenForBidding         = newError(ErrorTypeValidation, ErrorCodeNotOpenForBidding, "lot is not open for bidding")
	ErrSupplierNotRegistered     = newError(ErrorTypeValidation, ErrorCodeSupplierNotRegistered, "supplier is not registered for this lot")
	ErrWrongSupplier             = newError(ErrorTypeValidation, ErrorCodeWrongSupplier, "tie-break offer belongs to another supplier")
	ErrTooLate                   = newError(ErrorTypeValidation, ErrorCodeTooLate, "tie-break window has closed")
	ErrStaleBid                  = newError(ErrorTypeValidation, ErrorCodeStaleBid, "bid timestamp precedes the last processed bid")
	ErrSealedBidAlreadySubmitted = newError(ErrorTypeValidation, ErrorCodeSealedBidAlreadySubmitted, "a sealed bid was already submitted in this round")
	ErrNotEligibleForRound       = newError(ErrorTypeValidation, ErrorCodeNotEligibleForRound, "supplier is not eligible for the current round")
	ErrReasonRequired            = newError(ErrorTypeValidation, ErrorCodeReasonRequired, "a reason is required")
	ErrUnauthenticated           = newError(ErrorTypeAuthentication, ErrorCodeUnauthenticated, "invalid or missing credentials")
	ErrRoleMismatch              = newError(ErrorTypeAuthorization, ErrorCodeRoleMismatch, "role does not permit this command")
	ErrAlreadyStarted            = newError(ErrorTypeConflict, ErrorCodeAlreadyStarted, "dispute session already started")
	ErrRegistrationClosed        = newError(ErrorTypeConflict, ErrorCodeRegistrationClosed, "registration is closed")
	ErrRestartUnavailable        = newError(ErrorTypeConflict, ErrorCodeRestartUnavailable, "restart is not available")
	ErrLotClosed                 = newError(ErrorTypeConflict, ErrorCodeLotClosed, "lot is closed")
	ErrLotExists                 = newError(ErrorTypeConflict, ErrorCodeLotExists, "lot already exists")
	ErrLotNotFound               = newError(ErrorTypeNotFound, ErrorCodeLotNotFound, "lot not found")
	ErrStorageUnavailable        = &Error{Type: ErrorTypeUnavailable, Code: ErrorCodeStorageUnavailable, Message: "storage unavailable", Retryable: true}
	ErrSessionStopped            = &Error{Type: ErrorTypeUnavailable, Code: ErrorCodeSessionStopped, Message: "lot session is shutting down", Retryable: true}
	ErrLogCorrupt                = newError(ErrorTypeFatal, ErrorCodeLogCorrupt, "persisted log is inconsistent")
)

func newError(errType ErrorType, code ErrorCode, message string) *Error {
	return &Error{Type: errType, Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target carries the same error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithMessage returns a copy of the error with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error that records cause for errors.Unwrap.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	if cause != nil {
		cp.Message = fmt.Sprintf("%s: %v", e.Message, cause)
	}
	return &cp
}

// AsError extracts an *Error from err, if one is present in the chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient engine error.
func IsRetryable(err error) bool {
	de, ok := AsError(err)
	return ok && de.Retryable
}

package apperrors

import (
	"errors"
	"fmt"
)

// --- Standard Error Definitions ---

// These sentinel errors define common application-level error conditions.
// They can be checked using errors.Is.
var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates a missing or malformed required input.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrNATS indicates a general NATS communication error.
	ErrNATS = errors.New("nats communication error")
	// ErrUnauthorized indicates an authorization failure.
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrDuplicate indicates a conflict due to duplicate data (e.g., unique constraint).
	ErrDuplicate = errors.New("duplicate resource")
	// ErrConflict indicates a general conflict state (e.g., optimistic locking failure).
	ErrConflict = errors.New("resource conflict")
	// ErrBadRequest indicates a malformed or invalid request from the client/caller.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")
	// ErrRateLimited indicates an operation was rate limited.
	ErrRateLimited = errors.New("rate limited")
)

// Connection lifecycle errors.
var (
	// ErrConfiguration indicates missing gateway credentials. Requires operator action.
	ErrConfiguration = errors.New("configuration error")
	// ErrLimitReached indicates the account's plan instance limit is exhausted.
	ErrLimitReached = errors.New("instance limit reached")
	// ErrProviderUnavailable indicates a network failure or 5xx from the gateway.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected indicates a 4xx business rejection from the gateway.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrPairingUnavailable indicates the gateway returned no usable QR payload.
	ErrPairingUnavailable = errors.New("pairing material unavailable")
)

// ProviderError carries the gateway's raw response for diagnostics.
// Kind is one of ErrProviderUnavailable, ErrProviderRejected or ErrPairingUnavailable.
type ProviderError struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the Kind sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewProviderError builds a ProviderError.
func NewProviderError(kind error, op string, statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, StatusCode: statusCode, Message: message, Err: cause}
}

// --- Specific Standard Error Checkers ---

// IsNotFoundError checks if the error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if the error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflictError checks if the error is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnauthorizedError checks if the error is or wraps ErrUnauthorized.
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsDuplicateError checks if the error is or wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsBadRequestError checks if the error is or wraps ErrBadRequest.
func IsBadRequestError(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

// IsTimeoutError checks if the error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRateLimitedError checks if the error is or wraps ErrRateLimited.
func IsRateLimitedError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsConfigurationError checks if the error is or wraps ErrConfiguration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsLimitReachedError checks if the error is or wraps ErrLimitReached.
func IsLimitReachedError(err error) bool {
	return errors.Is(err, ErrLimitReached)
}

// IsProviderUnavailableError checks if the error is or wraps ErrProviderUnavailable.
func IsProviderUnavailableError(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsProviderRejectedError checks if the error is or wraps ErrProviderRejected.
func IsProviderRejectedError(err error) bool {
	return errors.Is(err, ErrProviderRejected)
}

// IsPairingUnavailableError checks if the error is or wraps ErrPairingUnavailable.
func IsPairingUnavailableError(err error) bool {
	return errors.Is(err, ErrPairingUnavailable)
}

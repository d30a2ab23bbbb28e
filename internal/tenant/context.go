package tenant

import (
	"context"
	"errors"
)

// Key for tenant values in context
type contextKey string

const (
	accountIDKey contextKey = "accountID"
	requestIDKey contextKey = "requestID"
)

// ErrAccountIDNotFound is returned when no account ID is found in context
var ErrAccountIDNotFound = errors.New("account ID not found in context")

// WithAccountID adds the owning account ID to the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// FromContext extracts the account ID from the context
func FromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	if !ok || accountID == "" {
		return "", ErrAccountIDNotFound
	}
	return accountID, nil
}

// AccountIDOr returns the account ID from the context or fallback when absent
func AccountIDOr(ctx context.Context, fallback string) string {
	if accountID, err := FromContext(ctx); err == nil {
		return accountID
	}
	return fallback
}

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that heal on redelivery: provider timeouts,
	// 5xx/429 responses, network errors and ledger write failures.
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks input that will never process: unparsable
	// references, unknown plans, missing tenants. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrSecurity marks forged or cross-tenant notifications.
	ErrSecurity = errors.New("security violation")
	// ErrNotFound marks a resource that no longer exists. Late notifications
	// for it are stale, not fatal.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a lost compare-and-set. Callers re-read and retry.
	ErrConflict = errors.New("state changed concurrently")

	ErrInvalidSignature = fmt.Errorf("%w: invalid notification signature", ErrSecurity)
	ErrCrossTenant      = fmt.Errorf("%w: payment references another tenant", ErrSecurity)
	ErrEventInProgress  = errors.New("event is being processed by another delivery")
	ErrOrdersLimit      = fmt.Errorf("%w: orders limit reached", ErrValidation)
)

// ProviderError is a non-2xx answer from the payment provider.
type ProviderError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: status=%d body=%s", e.Operation, e.StatusCode, e.Body)
}

// Unwrap classifies the response: 404 is a stale resource, every other
// non-2xx is retryable.
func (e *ProviderError) Unwrap() error {
	if e.StatusCode == 404 {
		return ErrNotFound
	}
	return ErrTransient
}

// ReferenceError describes why an external reference could not be decoded.
type ReferenceError struct {
	Field  string
	Reason string
}

func (e *ReferenceError) Error() string {
	if e.Field == "" {
		return "external reference: " + e.Reason
	}
	return fmt.Sprintf("external reference field %q: %s", e.Field, e.Reason)
}

func (e *ReferenceError) Unwrap() error { return ErrValidation }

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRetryable reports whether err leaves an event eligible for redelivery.
// Unclassified errors are treated as retryable so nothing is dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrSecurity) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrLockNotAcquired    = errors.New("could not acquire lock")

	// Payment / webhook errors
	ErrPlanNotFound       = errors.New("plan not found")
	ErrPriceNotFound      = errors.New("price not found")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMissingMetadata    = errors.New("missing userId or planId in event metadata")
	ErrMissingCredentials = errors.New("payment provider credentials are not configured")
)

// InsufficientCreditsError is a recoverable business error: callers branch on
// it (e.g. prompt a purchase flow) instead of treating it as a system fault.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// UnsupportedProviderError fails PaymentService construction when the
// configured provider name matches no known adapter.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported payment provider: %q", e.Provider)
}

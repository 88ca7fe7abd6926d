package repository

import (
	"context"

	"ai-saas-billing/internal/domain/model"
)

// UserRepository is the port for the minimal user shape billing needs.
type UserRepository interface {
	FindByEmail(ctx context.Context, tx Tx, email string) (*model.User, error)
	FindByCustomerID(ctx context.Context, tx Tx, customerID string) (*model.User, error)
	// SetCustomerID persists the provider customer mapping onto the user row
	// keyed by email.
	SetCustomerID(ctx context.Context, tx Tx, email, customerID string) error
}

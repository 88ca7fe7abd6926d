package repository

import (
	"context"

	"ai-saas-billing/internal/domain/model"
)

// PaymentRepository is the port over payment lifecycle records.
type PaymentRepository interface {
	// Insert persists a new payment row. A unique-constraint violation on the
	// provider subscription/payment id maps to domain.ErrAlreadyExists, which
	// makes concurrent duplicate webhooks safe.
	Insert(ctx context.Context, tx Tx, p *model.Payment) error

	// Update mutates the mutable fields of an existing row (status, periods,
	// trial bounds, cancellation flag, price, interval) keyed by p.ID.
	Update(ctx context.Context, tx Tx, p *model.Payment) error

	// FindBySubscriptionID returns the row holding the provider subscription
	// id, or domain.ErrNotFound. Locks the row when tx is a live transaction.
	FindBySubscriptionID(ctx context.Context, tx Tx, subscriptionID string) (*model.Payment, error)

	// FindByProviderPaymentID returns the row holding the provider
	// payment-intent id (one-time payments), or domain.ErrNotFound.
	FindByProviderPaymentID(ctx context.Context, tx Tx, paymentID string) (*model.Payment, error)

	// ListByUser returns all payment rows for a user, newest first.
	ListByUser(ctx context.Context, tx Tx, userID string) ([]*model.Payment, error)
}

package adapter

import (
	"context"

	"ai-saas-billing/internal/domain/model"
)

// CreateCheckoutParams carries the caller side of checkout creation. Metadata
// is forwarded to the provider and must round-trip through webhook events.
type CreateCheckoutParams struct {
	PlanID     string
	PriceID    string
	Email      string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutResult struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkoutUrl"`
}

// PaymentProvider is the hex port every payment provider implements.
// Exactly one adapter is active per deployment, selected at startup.
type PaymentProvider interface {
	Name() string

	// CreateCheckout creates a provider checkout session and returns its id
	// and redirect URL. May create or look up a provider-side customer and
	// persist the mapping onto the user row keyed by email.
	CreateCheckout(ctx context.Context, params CreateCheckoutParams) (*CheckoutResult, error)

	// GetSubscriptionsByUserID maps stored payment rows to the
	// provider-agnostic shape. Pure read; returns an empty list on any query
	// failure rather than erroring to the caller.
	GetSubscriptionsByUserID(ctx context.Context, userID string) ([]model.Subscription, error)

	// HandleWebhookEvent verifies the provider signature over the raw payload
	// and dispatches the normalized event into the reconciliation engine.
	// Returns domain.ErrInvalidSignature when verification fails.
	HandleWebhookEvent(ctx context.Context, payload []byte, signature string) error
}

// File: internal/usecase/payment_service.go
package usecase

import (
	"context"

	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	port "ai-saas-billing/internal/domain/ports/adapter"
)

// PaymentService holds exactly one active provider adapter, chosen by
// configuration at construction, and delegates the three operations to it.
// Provider selection never happens per-request.
type PaymentService struct {
	adapter port.PaymentProvider
}

// NewPaymentService picks the adapter whose Name matches the configured
// provider. Fails fast with UnsupportedProviderError when none matches.
func NewPaymentService(provider string, adapters ...port.PaymentProvider) (*PaymentService, error) {
	for _, a := range adapters {
		if a != nil && a.Name() == provider {
			return &PaymentService{adapter: a}, nil
		}
	}
	return nil, &domain.UnsupportedProviderError{Provider: provider}
}

func (s *PaymentService) Provider() string { return s.adapter.Name() }

func (s *PaymentService) CreateCheckout(ctx context.Context, params port.CreateCheckoutParams) (*port.CheckoutResult, error) {
	return s.adapter.CreateCheckout(ctx, params)
}

func (s *PaymentService) GetSubscriptionsByUserID(ctx context.Context, userID string) ([]model.Subscription, error) {
	return s.adapter.GetSubscriptionsByUserID(ctx, userID)
}

func (s *PaymentService) HandleWebhookEvent(ctx context.Context, payload []byte, signature string) error {
	return s.adapter.HandleWebhookEvent(ctx, payload, signature)
}

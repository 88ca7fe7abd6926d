// File: internal/infra/adapters/payment/creem_adapter.go
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-saas-billing/internal/config"
	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	port "ai-saas-billing/internal/domain/ports/adapter"
	"ai-saas-billing/internal/domain/ports/repository"
	"ai-saas-billing/internal/infra/logging"
	"ai-saas-billing/internal/infra/metrics"
	"ai-saas-billing/internal/usecase"
)

var _ port.PaymentProvider = (*CreemAdapter)(nil)

// CreemAdapter integrates the Creem REST API (JSON bodies, x-api-key auth).
// The creem-signature header carries a hex HMAC-SHA256 over the raw payload.
type CreemAdapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string

	catalog   *config.Catalog
	payments  repository.PaymentRepository
	reconcile usecase.ReconcileUseCase

	client *http.Client
	log    *zerolog.Logger
}

func NewCreemAdapter(cfg config.CreemConfig, catalog *config.Catalog, payments repository.PaymentRepository, reconcile usecase.ReconcileUseCase, logger *zerolog.Logger) (*CreemAdapter, error) {
	if cfg.APIKey == "" || cfg.WebhookSecret == "" {
		return nil, domain.ErrMissingCredentials
	}
	baseURL := "https://api.creem.io/v1"
	if cfg.TestMode {
		baseURL = "https://test-api.creem.io/v1"
	}
	return &CreemAdapter{
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       baseURL,
		catalog:       catalog,
		payments:      payments,
		reconcile:     reconcile,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           logger,
	}, nil
}

func (a *CreemAdapter) Name() string { return "creem" }

// ---- wire shapes ----

type creemWebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Type      string          `json:"type"` // older payloads
	Object    json.RawMessage `json:"object"`
}

type creemCheckoutObject struct {
	ID       string `json:"id"`
	Customer *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"customer"`
	Order *struct {
		ID       string `json:"id"`
		Type     string `json:"type"` // recurring | one-time | onetime
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"order"`
	Subscription *creemSubscriptionObject `json:"subscription"`
	Product      *struct {
		ID            string `json:"id"`
		BillingPeriod string `json:"billing_period"`
	} `json:"product"`
	Metadata map[string]string `json:"metadata"`
}

type creemSubscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Product  *struct {
		ID            string `json:"id"`
		BillingPeriod string `json:"billing_period"`
	} `json:"product"`
	Status             string `json:"status"`
	CurrentPeriodStart string `json:"current_period_start_date"`
	CurrentPeriodEnd   string `json:"current_period_end_date"`
	CanceledAt         string `json:"canceled_at"`
	TrialStart         string `json:"trial_start"`
	TrialEnd           string `json:"trial_end"`
	Interval           string `json:"interval"`
	Items              []struct {
		ProductID string `json:"product_id"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// ---- webhook handling ----

func (a *CreemAdapter) HandleWebhookEvent(ctx context.Context, payload []byte, signature string) error {
	start := time.Now()
	defer func() { metrics.ObserveWebhookDuration(a.Name(), time.Since(start)) }()

	if !a.verifySignature(payload, signature) {
		metrics.IncWebhookSignatureFailure(a.Name())
		return domain.ErrInvalidSignature
	}

	var event creemWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.IncWebhookEvent(a.Name(), "unknown", "bad_payload")
		return fmt.Errorf("%w: malformed creem event: %v", domain.ErrInvalidArgument, err)
	}
	eventType := event.EventType
	if eventType == "" {
		eventType = event.Type
	}

	ctx = logging.WithEventID(ctx, event.ID)
	log := logging.With(ctx, a.log)
	log.Info().Str("event_type", eventType).Msg("handling creem webhook event")

	var err error
	switch eventType {
	case "checkout.completed":
		err = a.handleCheckoutCompleted(ctx, &event)
	case "subscription.update":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionUpdated)
	case "subscription.canceled":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionCanceled)
	case "subscription.expired":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionExpired)
	default:
		log.Warn().Str("event_type", eventType).Msg("unhandled creem webhook event type")
		metrics.IncWebhookEvent(a.Name(), eventType, "ignored")
		return nil
	}

	if err != nil {
		metrics.IncWebhookEvent(a.Name(), eventType, "error")
		return err
	}
	metrics.IncWebhookEvent(a.Name(), eventType, "ok")
	return nil
}

func (a *CreemAdapter) verifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	received, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, received)
}

func (a *CreemAdapter) handleCheckoutCompleted(ctx context.Context, event *creemWebhookEvent) error {
	var checkout creemCheckoutObject
	if err := json.Unmarshal(event.Object, &checkout); err != nil {
		return fmt.Errorf("%w: malformed checkout object: %v", domain.ErrInvalidArgument, err)
	}

	ev := &model.CheckoutEvent{
		Provider: a.Name(),
		EventID:  event.ID,
		UserID:   checkout.Metadata["userId"],
		PlanID:   checkout.Metadata["planId"],
		PriceID:  checkout.Metadata["priceId"],
	}
	if checkout.Customer != nil {
		ev.CustomerID = checkout.Customer.ID
	}
	if checkout.Product != nil && ev.PriceID == "" {
		// Creem uses the product id as the price id.
		ev.PriceID = checkout.Product.ID
	}
	if checkout.Order != nil {
		ev.Amount = checkout.Order.Amount
		ev.Currency = checkout.Order.Currency
		if checkout.Order.Type == "one-time" || checkout.Order.Type == "onetime" {
			ev.PaymentIntentID = checkout.Order.ID
		}
	}

	// Recurring checkouts embed the subscription in the same event; the
	// reconciliation engine funnels them into the subscription path.
	if checkout.Subscription != nil && checkout.Order != nil && checkout.Order.Type == "recurring" {
		ev.Subscription = a.normalizeSubscription(checkout.Subscription, &checkout)
	}
	return a.reconcile.HandleCheckoutCompleted(ctx, ev)
}

func (a *CreemAdapter) handleSubscription(ctx context.Context, event *creemWebhookEvent, dispatch func(context.Context, *model.SubscriptionEvent) error) error {
	var sub creemSubscriptionObject
	if err := json.Unmarshal(event.Object, &sub); err != nil {
		return fmt.Errorf("%w: malformed subscription object: %v", domain.ErrInvalidArgument, err)
	}
	return dispatch(ctx, a.normalizeSubscription(&sub, nil))
}

func (a *CreemAdapter) normalizeSubscription(sub *creemSubscriptionObject, checkout *creemCheckoutObject) *model.SubscriptionEvent {
	ev := &model.SubscriptionEvent{
		Provider:          a.Name(),
		SubscriptionID:    sub.ID,
		UserID:            sub.Metadata["userId"],
		PlanID:            sub.Metadata["planId"],
		CustomerID:        sub.Customer,
		Status:            a.transformStatus(sub.Status),
		Interval:          a.transformInterval(sub, checkout),
		PeriodStart:       rfc3339Time(sub.CurrentPeriodStart),
		PeriodEnd:         rfc3339Time(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CanceledAt != "",
		TrialStart:        rfc3339Time(sub.TrialStart),
		TrialEnd:          rfc3339Time(sub.TrialEnd),
	}
	switch {
	case sub.Product != nil:
		ev.PriceID = sub.Product.ID
	case len(sub.Items) > 0:
		ev.PriceID = sub.Items[0].ProductID
	case checkout != nil && checkout.Product != nil:
		ev.PriceID = checkout.Product.ID
	}
	return ev
}

func (a *CreemAdapter) transformStatus(status string) model.PaymentStatus {
	statusMap := map[string]model.PaymentStatus{
		"active":     model.PaymentStatusActive,
		"canceled":   model.PaymentStatusCanceled,
		"cancelled":  model.PaymentStatusCanceled,
		"expired":    model.PaymentStatusCanceled,
		"incomplete": model.PaymentStatusIncomplete,
		"past_due":   model.PaymentStatusPastDue,
		"trialing":   model.PaymentStatusTrialing,
		"trial":      model.PaymentStatusTrialing,
		"unpaid":     model.PaymentStatusUnpaid,
		"paused":     model.PaymentStatusPaused,
		"pending":    model.PaymentStatusIncomplete,
		"failed":     model.PaymentStatusFailed,
		"completed":  model.PaymentStatusCompleted,
	}
	if mapped, ok := statusMap[strings.ToLower(status)]; ok {
		return mapped
	}
	a.log.Warn().Str("status", status).Msg("unknown creem status, defaulting to failed")
	return model.PaymentStatusFailed
}

func (a *CreemAdapter) transformInterval(sub *creemSubscriptionObject, checkout *creemCheckoutObject) model.PlanInterval {
	interval := sub.Interval
	if interval == "" && sub.Product != nil {
		interval = sub.Product.BillingPeriod
	}
	if interval == "" && checkout != nil && checkout.Product != nil {
		interval = checkout.Product.BillingPeriod
	}
	if interval == "" {
		a.log.Warn().Str("subscription_id", sub.ID).Msg("no interval found, defaulting to month")
		return model.PlanIntervalMonth
	}
	switch strings.ToLower(interval) {
	case "monthly", "month", "every-month":
		return model.PlanIntervalMonth
	case "yearly", "year", "annual", "every-year":
		return model.PlanIntervalYear
	default:
		a.log.Warn().Str("interval", interval).Str("subscription_id", sub.ID).
			Msg("unknown interval, defaulting to month")
		return model.PlanIntervalMonth
	}
}

// ---- checkout ----

func (a *CreemAdapter) CreateCheckout(ctx context.Context, params port.CreateCheckoutParams) (*port.CheckoutResult, error) {
	if _, ok := a.catalog.PlanByID(params.PlanID); !ok {
		return nil, domain.ErrPlanNotFound
	}
	if _, ok := a.catalog.PriceByID(params.PlanID, params.PriceID); !ok {
		return nil, domain.ErrPriceNotFound
	}

	meta := map[string]string{"planId": params.PlanID, "priceId": params.PriceID}
	for k, v := range params.Metadata {
		meta[k] = v
	}

	body := map[string]interface{}{
		// creem uses the price id as the product id
		"product_id":  params.PriceID,
		"customer":    map[string]string{"email": params.Email},
		"success_url": params.SuccessURL,
		"metadata":    meta,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/checkouts", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.IncCheckoutSession(a.Name(), "error")
		return nil, fmt.Errorf("create creem checkout: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.IncCheckoutSession(a.Name(), "error")
		return nil, fmt.Errorf("creem API /checkouts: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID          string `json:"id"`
		CheckoutURL string `json:"checkout_url"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		metrics.IncCheckoutSession(a.Name(), "error")
		return nil, fmt.Errorf("parse creem checkout response: %w", err)
	}
	metrics.IncCheckoutSession(a.Name(), "ok")
	return &port.CheckoutResult{ID: result.ID, CheckoutURL: result.CheckoutURL}, nil
}

func (a *CreemAdapter) GetSubscriptionsByUserID(ctx context.Context, userID string) ([]model.Subscription, error) {
	records, err := a.payments.ListByUser(ctx, repository.NoTX, userID)
	if err != nil {
		a.log.Error().Err(err).Str("user_id", userID).Msg("fetching subscriptions failed")
		return []model.Subscription{}, nil
	}
	subs := make([]model.Subscription, 0, len(records))
	for _, rec := range records {
		subs = append(subs, rec.AsSubscription())
	}
	return subs, nil
}

func rfc3339Time(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

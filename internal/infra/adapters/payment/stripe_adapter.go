// File: internal/infra/adapters/payment/stripe_adapter.go
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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

const (
	stripeAPIBase = "https://api.stripe.com/v1"

	// Stripe recommends rejecting signed payloads older than five minutes.
	stripeSignatureTolerance = 5 * time.Minute
)

var _ port.PaymentProvider = (*StripeAdapter)(nil)

// StripeAdapter talks to the Stripe REST API directly (form-encoded requests,
// bearer auth) and verifies webhook signatures itself.
type StripeAdapter struct {
	secretKey     string
	webhookSecret string

	catalog   *config.Catalog
	users     repository.UserRepository
	payments  repository.PaymentRepository
	reconcile usecase.ReconcileUseCase

	client *http.Client
	log    *zerolog.Logger

	// overridable in tests
	now func() time.Time
}

func NewStripeAdapter(cfg config.StripeConfig, catalog *config.Catalog, users repository.UserRepository, payments repository.PaymentRepository, reconcile usecase.ReconcileUseCase, logger *zerolog.Logger) (*StripeAdapter, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, domain.ErrMissingCredentials
	}
	return &StripeAdapter{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		catalog:       catalog,
		users:         users,
		payments:      payments,
		reconcile:     reconcile,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           logger,
		now:           time.Now,
	}, nil
}

func (a *StripeAdapter) Name() string { return "stripe" }

// ---- wire shapes ----

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"` // payment | subscription
	Customer      string            `json:"customer"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	TrialStart        int64             `json:"trial_start"`
	TrialEnd          int64             `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
			Plan struct {
				Interval string `json:"interval"`
			} `json:"plan"`
		} `json:"data"`
	} `json:"items"`
}

// ---- webhook handling ----

func (a *StripeAdapter) HandleWebhookEvent(ctx context.Context, payload []byte, signature string) error {
	start := a.now()
	defer func() { metrics.ObserveWebhookDuration(a.Name(), time.Since(start)) }()

	if err := a.verifySignature(payload, signature); err != nil {
		metrics.IncWebhookSignatureFailure(a.Name())
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.IncWebhookEvent(a.Name(), "unknown", "bad_payload")
		return fmt.Errorf("%w: malformed stripe event: %v", domain.ErrInvalidArgument, err)
	}

	ctx = logging.WithEventID(ctx, event.ID)
	log := logging.With(ctx, a.log)
	log.Info().Str("event_type", event.Type).Msg("handling stripe webhook event")

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = a.handleCheckoutCompleted(ctx, &event)
	case "customer.subscription.created":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionCreated)
	case "customer.subscription.updated":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionUpdated)
	case "customer.subscription.deleted":
		err = a.handleSubscription(ctx, &event, a.reconcile.HandleSubscriptionCanceled)
	default:
		log.Warn().Str("event_type", event.Type).Msg("unhandled stripe webhook event type")
		metrics.IncWebhookEvent(a.Name(), event.Type, "ignored")
		return nil
	}

	if err != nil {
		metrics.IncWebhookEvent(a.Name(), event.Type, "error")
		return err
	}
	metrics.IncWebhookEvent(a.Name(), event.Type, "ok")
	return nil
}

// verifySignature checks the Stripe-Signature header: a comma-separated list
// of t=<unix ts> and v1=<hex hmac-sha256 over "<ts>.<payload>">.
func (a *StripeAdapter) verifySignature(payload []byte, header string) error {
	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return domain.ErrInvalidSignature
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := a.now().Sub(time.Unix(tsInt, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

func (a *StripeAdapter) handleCheckoutCompleted(ctx context.Context, event *stripeEvent) error {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return fmt.Errorf("%w: malformed checkout session: %v", domain.ErrInvalidArgument, err)
	}

	// Subscription checkouts are recorded from the separate
	// customer.subscription.created event that carries the billing periods.
	if session.Mode != "payment" {
		a.log.Debug().Str("session_id", session.ID).Str("mode", session.Mode).
			Msg("non-payment checkout session, deferring to subscription events")
		return nil
	}

	ev := &model.CheckoutEvent{
		Provider:        a.Name(),
		EventID:         event.ID,
		UserID:          session.Metadata["userId"],
		PlanID:          session.Metadata["planId"],
		PriceID:         session.Metadata["priceId"],
		CustomerID:      session.Customer,
		PaymentIntentID: session.PaymentIntent,
		Amount:          session.AmountTotal,
		Currency:        session.Currency,
	}
	return a.reconcile.HandleCheckoutCompleted(ctx, ev)
}

func (a *StripeAdapter) handleSubscription(ctx context.Context, event *stripeEvent, dispatch func(context.Context, *model.SubscriptionEvent) error) error {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("%w: malformed subscription object: %v", domain.ErrInvalidArgument, err)
	}

	ev := &model.SubscriptionEvent{
		Provider:          a.Name(),
		SubscriptionID:    sub.ID,
		UserID:            sub.Metadata["userId"],
		PlanID:            sub.Metadata["planId"],
		CustomerID:        sub.Customer,
		Status:            a.transformStatus(sub.Status),
		Interval:          a.transformInterval(&sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		TrialStart:        unixTime(sub.TrialStart),
		TrialEnd:          unixTime(sub.TrialEnd),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ev.PriceID = item.Price.ID
		ev.Amount = item.Price.UnitAmount
		ev.Currency = item.Price.Currency
		ev.PeriodStart = unixTime(item.CurrentPeriodStart)
		ev.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return dispatch(ctx, ev)
}

func (a *StripeAdapter) transformStatus(status string) model.PaymentStatus {
	statusMap := map[string]model.PaymentStatus{
		"active":             model.PaymentStatusActive,
		"canceled":           model.PaymentStatusCanceled,
		"incomplete":         model.PaymentStatusIncomplete,
		"incomplete_expired": model.PaymentStatusIncompleteExpired,
		"past_due":           model.PaymentStatusPastDue,
		"trialing":           model.PaymentStatusTrialing,
		"unpaid":             model.PaymentStatusUnpaid,
		"paused":             model.PaymentStatusPaused,
	}
	if mapped, ok := statusMap[status]; ok {
		return mapped
	}
	a.log.Warn().Str("status", status).Msg("unknown stripe status, defaulting to failed")
	return model.PaymentStatusFailed
}

func (a *StripeAdapter) transformInterval(sub *stripeSubscription) model.PlanInterval {
	if len(sub.Items.Data) == 0 {
		a.log.Warn().Str("subscription_id", sub.ID).Msg("no interval found, defaulting to month")
		return model.PlanIntervalMonth
	}
	switch sub.Items.Data[0].Plan.Interval {
	case "month":
		return model.PlanIntervalMonth
	case "year":
		return model.PlanIntervalYear
	default:
		a.log.Warn().Str("interval", sub.Items.Data[0].Plan.Interval).Str("subscription_id", sub.ID).
			Msg("unknown interval, defaulting to month")
		return model.PlanIntervalMonth
	}
}

// ---- checkout ----

func (a *StripeAdapter) CreateCheckout(ctx context.Context, params port.CreateCheckoutParams) (*port.CheckoutResult, error) {
	if _, ok := a.catalog.PlanByID(params.PlanID); !ok {
		return nil, domain.ErrPlanNotFound
	}
	price, ok := a.catalog.PriceByID(params.PlanID, params.PriceID)
	if !ok {
		return nil, domain.ErrPriceNotFound
	}
	if err := validateRedirectURL(params.SuccessURL); err != nil {
		return nil, err
	}
	if err := validateRedirectURL(params.CancelURL); err != nil {
		return nil, err
	}

	customerID, err := a.createOrGetCustomer(ctx, params.Email, params.Metadata["userId"])
	if err != nil {
		metrics.IncCheckoutSession(a.Name(), "error")
		return nil, err
	}

	form := url.Values{}
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("customer", customerID)
	form.Set("locale", "auto")

	mode := "payment"
	if price.Type == model.PaymentTypeSubscription {
		mode = "subscription"
	}
	form.Set("mode", mode)

	// Metadata must round-trip through webhook events on both the session
	// and, for subscriptions, the subscription object itself.
	meta := map[string]string{"planId": params.PlanID, "priceId": params.PriceID}
	for k, v := range params.Metadata {
		meta[k] = v
	}
	for k, v := range meta {
		form.Set("metadata["+k+"]", v)
		if mode == "subscription" {
			form.Set("subscription_data[metadata]["+k+"]", v)
		}
	}
	if mode == "subscription" && price.TrialPeriodDays > 0 {
		form.Set("subscription_data[trial_period_days]", strconv.Itoa(price.TrialPeriodDays))
	}
	if mode == "payment" {
		for k, v := range meta {
			form.Set("payment_intent_data[metadata]["+k+"]", v)
		}
		form.Set("invoice_creation[enabled]", "true")
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := a.postForm(ctx, "/checkout/sessions", form, &session); err != nil {
		metrics.IncCheckoutSession(a.Name(), "error")
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	metrics.IncCheckoutSession(a.Name(), "ok")
	return &port.CheckoutResult{ID: session.ID, CheckoutURL: session.URL}, nil
}

// createOrGetCustomer looks the customer up by email and creates one when
// absent, persisting the mapping onto the user row either way.
func (a *StripeAdapter) createOrGetCustomer(ctx context.Context, email, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: userId missing from checkout metadata", domain.ErrInvalidArgument)
	}

	// A stored mapping skips the Stripe round trip on repeat checkouts.
	if u, err := a.users.FindByEmail(ctx, repository.NoTX, email); err == nil && u.CustomerID != nil && *u.CustomerID != "" {
		return *u.CustomerID, nil
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	q := url.Values{"email": {email}, "limit": {"1"}}
	if err := a.getJSON(ctx, "/customers?"+q.Encode(), &list); err != nil {
		return "", fmt.Errorf("list stripe customers: %w", err)
	}

	if len(list.Data) > 0 {
		customerID := list.Data[0].ID
		// The customer may outlive a deleted-and-recreated user row; restore
		// the mapping when it is missing.
		if _, err := a.users.FindByCustomerID(ctx, repository.NoTX, customerID); err != nil {
			a.log.Info().Str("customer_id", customerID).Str("email", logEmail(email)).
				Msg("relinking stripe customer to user")
			if err := a.users.SetCustomerID(ctx, repository.NoTX, email, customerID); err != nil {
				return "", err
			}
		}
		return customerID, nil
	}

	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[userId]", userID)
	var customer struct {
		ID string `json:"id"`
	}
	if err := a.postForm(ctx, "/customers", form, &customer); err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if err := a.users.SetCustomerID(ctx, repository.NoTX, email, customer.ID); err != nil {
		return "", err
	}
	return customer.ID, nil
}

func (a *StripeAdapter) GetSubscriptionsByUserID(ctx context.Context, userID string) ([]model.Subscription, error) {
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

// ---- HTTP plumbing ----

func (a *StripeAdapter) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stripeAPIBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, out)
}

func (a *StripeAdapter) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stripeAPIBase+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *StripeAdapter) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return fmt.Errorf("stripe API %s: status %d: %s", req.URL.Path, resp.StatusCode, apiErr.Error.Message)
	}
	return json.Unmarshal(body, out)
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}

func validateRedirectURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: redirect URL %q must be absolute", domain.ErrInvalidArgument, raw)
	}
	return nil
}

func logEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

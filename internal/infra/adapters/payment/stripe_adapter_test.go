package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-saas-billing/internal/config"
	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
)

func nopLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

// recordingReconciler captures dispatched events instead of touching storage.
type recordingReconciler struct {
	checkouts []*model.CheckoutEvent
	created   []*model.SubscriptionEvent
	updated   []*model.SubscriptionEvent
	canceled  []*model.SubscriptionEvent
	expired   []*model.SubscriptionEvent
	err       error
}

func (r *recordingReconciler) HandleCheckoutCompleted(ctx context.Context, ev *model.CheckoutEvent) error {
	r.checkouts = append(r.checkouts, ev)
	return r.err
}
func (r *recordingReconciler) HandleSubscriptionCreated(ctx context.Context, ev *model.SubscriptionEvent) error {
	r.created = append(r.created, ev)
	return r.err
}
func (r *recordingReconciler) HandleSubscriptionUpdated(ctx context.Context, ev *model.SubscriptionEvent) error {
	r.updated = append(r.updated, ev)
	return r.err
}
func (r *recordingReconciler) HandleSubscriptionCanceled(ctx context.Context, ev *model.SubscriptionEvent) error {
	r.canceled = append(r.canceled, ev)
	return r.err
}
func (r *recordingReconciler) HandleSubscriptionExpired(ctx context.Context, ev *model.SubscriptionEvent) error {
	r.expired = append(r.expired, ev)
	return r.err
}

func testStripeAdapter(t *testing.T, rec *recordingReconciler) *StripeAdapter {
	t.Helper()
	a, err := NewStripeAdapter(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
	}, config.NewCatalog(config.DefaultPlans(), nil), nil, nil, rec, nopLogger())
	if err != nil {
		t.Fatalf("NewStripeAdapter: %v", err)
	}
	return a
}

func stripeSign(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// stubUserRepo serves the customer-mapping lookups without a database.
type stubUserRepo struct {
	users map[string]*model.User // keyed by email
	set   map[string]string     // email -> customer id written back
}

var _ repository.UserRepository = (*stubUserRepo)(nil)

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: map[string]*model.User{}, set: map[string]string{}}
}

func (r *stubUserRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.User, error) {
	if u, ok := r.users[email]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (r *stubUserRepo) FindByCustomerID(ctx context.Context, tx repository.Tx, customerID string) (*model.User, error) {
	for _, u := range r.users {
		if u.CustomerID != nil && *u.CustomerID == customerID {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *stubUserRepo) SetCustomerID(ctx context.Context, tx repository.Tx, email, customerID string) error {
	r.set[email] = customerID
	return nil
}

// noNetwork fails the test on any outbound HTTP call.
type noNetwork struct{ t *testing.T }

func (n noNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.t.Errorf("unexpected HTTP call to %s", req.URL)
	return nil, errors.New("network disabled in tests")
}

func TestStripeCustomerLookupUsesStoredMapping(t *testing.T) {
	users := newStubUserRepo()
	cid := "cus_stored"
	users.users["u@example.com"] = &model.User{ID: "u1", Email: "u@example.com", CustomerID: &cid}

	a, err := NewStripeAdapter(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
	}, config.NewCatalog(config.DefaultPlans(), nil), users, nil, &recordingReconciler{}, nopLogger())
	if err != nil {
		t.Fatalf("NewStripeAdapter: %v", err)
	}
	a.client = &http.Client{Transport: noNetwork{t}}

	got, err := a.createOrGetCustomer(context.Background(), "u@example.com", "u1")
	if err != nil {
		t.Fatalf("createOrGetCustomer: %v", err)
	}
	if got != "cus_stored" {
		t.Errorf("customer id = %q, want cus_stored", got)
	}

	t.Run("missing userId rejected before any call", func(t *testing.T) {
		_, err := a.createOrGetCustomer(context.Background(), "u@example.com", "")
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("err = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestNewStripeAdapterRequiresCredentials(t *testing.T) {
	_, err := NewStripeAdapter(config.StripeConfig{}, nil, nil, nil, nil, nopLogger())
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
	_, err = NewStripeAdapter(config.StripeConfig{SecretKey: "sk"}, nil, nil, nil, nil, nopLogger())
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Errorf("missing webhook secret: err = %v, want ErrMissingCredentials", err)
	}
}

func TestStripeSignatureVerification(t *testing.T) {
	rec := &recordingReconciler{}
	a := testStripeAdapter(t, rec)
	now := time.Now()
	a.now = func() time.Time { return now }

	payload := []byte(`{"id":"evt_1","type":"unknown.event","data":{"object":{}}}`)

	t.Run("valid signature accepted", func(t *testing.T) {
		if err := a.HandleWebhookEvent(context.Background(), payload, stripeSign("whsec_test", now, payload)); err != nil {
			t.Errorf("HandleWebhookEvent: %v", err)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		err := a.HandleWebhookEvent(context.Background(), payload, stripeSign("whsec_other", now, payload))
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Errorf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		sig := stripeSign("whsec_test", now, payload)
		err := a.HandleWebhookEvent(context.Background(), []byte(`{"tampered":true}`), sig)
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Errorf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		stale := now.Add(-10 * time.Minute)
		err := a.HandleWebhookEvent(context.Background(), payload, stripeSign("whsec_test", stale, payload))
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Errorf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("garbage header rejected", func(t *testing.T) {
		for _, h := range []string{"", "v1=abc", "t=notanumber,v1=abc"} {
			err := a.HandleWebhookEvent(context.Background(), payload, h)
			if !errors.Is(err, domain.ErrInvalidSignature) {
				t.Errorf("header %q: err = %v, want ErrInvalidSignature", h, err)
			}
		}
	})
}

func TestStripeWebhookDispatch(t *testing.T) {
	sign := func(a *StripeAdapter, payload []byte) string {
		return stripeSign("whsec_test", a.now(), payload)
	}

	t.Run("payment-mode checkout dispatches one-time event", func(t *testing.T) {
		rec := &recordingReconciler{}
		a := testStripeAdapter(t, rec)
		payload := []byte(`{
			"id": "evt_co",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_1",
				"mode": "payment",
				"customer": "cus_1",
				"payment_intent": "pi_1",
				"amount_total": 19900,
				"currency": "usd",
				"metadata": {"userId": "u1", "planId": "lifetime", "priceId": "price_lifetime"}
			}}
		}`)
		if err := a.HandleWebhookEvent(context.Background(), payload, sign(a, payload)); err != nil {
			t.Fatalf("HandleWebhookEvent: %v", err)
		}
		if len(rec.checkouts) != 1 {
			t.Fatalf("checkout events = %d, want 1", len(rec.checkouts))
		}
		ev := rec.checkouts[0]
		if ev.UserID != "u1" || ev.PlanID != "lifetime" || ev.PaymentIntentID != "pi_1" || ev.Amount != 19900 {
			t.Errorf("unexpected event: %+v", ev)
		}
	})

	t.Run("subscription-mode checkout is deferred", func(t *testing.T) {
		rec := &recordingReconciler{}
		a := testStripeAdapter(t, rec)
		payload := []byte(`{
			"id": "evt_co2",
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_2", "mode": "subscription",
				"metadata": {"userId": "u1", "planId": "pro"}}}
		}`)
		if err := a.HandleWebhookEvent(context.Background(), payload, sign(a, payload)); err != nil {
			t.Fatalf("HandleWebhookEvent: %v", err)
		}
		if len(rec.checkouts) != 0 {
			t.Errorf("checkout events = %d, want 0 (handled by subscription events)", len(rec.checkouts))
		}
	})

	t.Run("subscription created event is normalized", func(t *testing.T) {
		rec := &recordingReconciler{}
		a := testStripeAdapter(t, rec)
		payload := []byte(`{
			"id": "evt_sub",
			"type": "customer.subscription.created",
			"data": {"object": {
				"id": "sub_1",
				"customer": "cus_1",
				"status": "trialing",
				"cancel_at_period_end": false,
				"trial_start": 1700000000,
				"trial_end": 1701000000,
				"metadata": {"userId": "u1", "planId": "pro"},
				"items": {"data": [{
					"current_period_start": 1700000000,
					"current_period_end": 1702592000,
					"price": {"id": "price_pro_monthly", "unit_amount": 990, "currency": "usd"},
					"plan": {"interval": "month"}
				}]}
			}}
		}`)
		if err := a.HandleWebhookEvent(context.Background(), payload, sign(a, payload)); err != nil {
			t.Fatalf("HandleWebhookEvent: %v", err)
		}
		if len(rec.created) != 1 {
			t.Fatalf("created events = %d, want 1", len(rec.created))
		}
		ev := rec.created[0]
		if ev.SubscriptionID != "sub_1" || ev.Status != model.PaymentStatusTrialing {
			t.Errorf("event = %s/%s, want sub_1/trialing", ev.SubscriptionID, ev.Status)
		}
		if ev.Interval != model.PlanIntervalMonth || ev.PriceID != "price_pro_monthly" {
			t.Errorf("interval/price = %s/%s", ev.Interval, ev.PriceID)
		}
		if ev.PeriodEnd == nil || ev.PeriodEnd.Unix() != 1702592000 {
			t.Errorf("period end = %v, want unix 1702592000", ev.PeriodEnd)
		}
	})

	t.Run("subscription deleted maps to cancel", func(t *testing.T) {
		rec := &recordingReconciler{}
		a := testStripeAdapter(t, rec)
		payload := []byte(`{
			"id": "evt_del",
			"type": "customer.subscription.deleted",
			"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "canceled",
				"metadata": {"userId": "u1", "planId": "pro"},
				"items": {"data": []}}}
		}`)
		if err := a.HandleWebhookEvent(context.Background(), payload, sign(a, payload)); err != nil {
			t.Fatalf("HandleWebhookEvent: %v", err)
		}
		if len(rec.canceled) != 1 {
			t.Fatalf("canceled events = %d, want 1", len(rec.canceled))
		}
	})

	t.Run("unhandled event type is acknowledged", func(t *testing.T) {
		rec := &recordingReconciler{}
		a := testStripeAdapter(t, rec)
		payload := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{}}}`)
		if err := a.HandleWebhookEvent(context.Background(), payload, sign(a, payload)); err != nil {
			t.Errorf("HandleWebhookEvent: %v", err)
		}
	})
}

func TestStripeStatusNormalization(t *testing.T) {
	a := testStripeAdapter(t, &recordingReconciler{})

	cases := map[string]model.PaymentStatus{
		"active":             model.PaymentStatusActive,
		"trialing":           model.PaymentStatusTrialing,
		"canceled":           model.PaymentStatusCanceled,
		"incomplete":         model.PaymentStatusIncomplete,
		"incomplete_expired": model.PaymentStatusIncompleteExpired,
		"past_due":           model.PaymentStatusPastDue,
		"unpaid":             model.PaymentStatusUnpaid,
		"paused":             model.PaymentStatusPaused,
		"weird_status":       model.PaymentStatusFailed,
		"":                   model.PaymentStatusFailed,
	}
	for in, want := range cases {
		if got := a.transformStatus(in); got != want {
			t.Errorf("transformStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStripeIntervalNormalization(t *testing.T) {
	a := testStripeAdapter(t, &recordingReconciler{})

	sub := &stripeSubscription{}
	if got := a.transformInterval(sub); got != model.PlanIntervalMonth {
		t.Errorf("empty items: interval = %s, want month", got)
	}

	sub.Items.Data = make([]struct {
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
	}, 1)

	for in, want := range map[string]model.PlanInterval{
		"month":  model.PlanIntervalMonth,
		"year":   model.PlanIntervalYear,
		"weekly": model.PlanIntervalMonth,
	} {
		sub.Items.Data[0].Plan.Interval = in
		if got := a.transformInterval(sub); got != want {
			t.Errorf("transformInterval(%q) = %s, want %s", in, got, want)
		}
	}
}

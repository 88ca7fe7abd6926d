package model

import "time"

type PaymentType string

const (
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeOneTime      PaymentType = "one_time"
)

type PlanInterval string

const (
	PlanIntervalMonth PlanInterval = "month"
	PlanIntervalYear  PlanInterval = "year"
)

// PaymentStatus is the provider-agnostic status bucket. Unrecognized provider
// statuses are normalized to PaymentStatusFailed rather than dropped.
type PaymentStatus string

const (
	PaymentStatusActive            PaymentStatus = "active"
	PaymentStatusTrialing          PaymentStatus = "trialing"
	PaymentStatusPaused            PaymentStatus = "paused"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusIncomplete        PaymentStatus = "incomplete"
	PaymentStatusIncompleteExpired PaymentStatus = "incomplete_expired"
	PaymentStatusPastDue           PaymentStatus = "past_due"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusCanceled          PaymentStatus = "canceled"
	PaymentStatusProcessing        PaymentStatus = "processing"
)

// Payment is one checkout/subscription lifecycle record. Rows are created on
// the first successful checkout event and mutated in place on later
// subscription lifecycle events keyed by SubscriptionID; never deleted.
type Payment struct {
	ID       string // UUID
	PriceID  string
	Type     PaymentType
	Interval PlanInterval // zero value for one-time payments

	UserID     string
	CustomerID string // provider-side customer identity

	PaymentID      *string // provider payment-intent id (one-time only)
	SubscriptionID *string // provider subscription id (recurring only)

	Status   PaymentStatus
	Amount   int64
	Currency string

	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	TrialStart        *time.Time
	TrialEnd          *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is the provider-agnostic read shape returned to callers.
type Subscription struct {
	ID                 string         `json:"id"`
	CustomerID         string         `json:"customerId"`
	Status             PaymentStatus  `json:"status"`
	PriceID            string         `json:"priceId"`
	Type               PaymentType    `json:"type"`
	Interval           PlanInterval   `json:"interval,omitempty"`
	CurrentPeriodStart *time.Time     `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time     `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool           `json:"cancelAtPeriodEnd"`
	TrialStart         *time.Time     `json:"trialStart,omitempty"`
	TrialEnd           *time.Time     `json:"trialEnd,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// AsSubscription maps a stored payment row to the read shape.
func (p *Payment) AsSubscription() Subscription {
	return Subscription{
		ID:                 p.ID,
		CustomerID:         p.CustomerID,
		Status:             p.Status,
		PriceID:            p.PriceID,
		Type:               p.Type,
		Interval:           p.Interval,
		CurrentPeriodStart: p.PeriodStart,
		CurrentPeriodEnd:   p.PeriodEnd,
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		TrialStart:         p.TrialStart,
		TrialEnd:           p.TrialEnd,
		CreatedAt:          p.CreatedAt,
	}
}

// CheckoutEvent is the normalized checkout-completed webhook payload.
// Adapters fill it from provider-specific shapes before reconciliation.
type CheckoutEvent struct {
	Provider   string
	EventID    string
	UserID     string
	PlanID     string
	PriceID    string
	CustomerID string

	// One-time payments carry the provider payment-intent id.
	PaymentIntentID string
	Amount          int64
	Currency        string

	// Recurring checkouts carry the embedded subscription, when the provider
	// includes one in the checkout event (Creem does; Stripe sends a separate
	// customer.subscription.created event).
	Subscription *SubscriptionEvent
}

// SubscriptionEvent is the normalized subscription lifecycle payload.
type SubscriptionEvent struct {
	Provider       string
	SubscriptionID string
	UserID         string
	PlanID         string
	PriceID        string
	CustomerID     string

	Status   PaymentStatus
	Interval PlanInterval
	Amount   int64
	Currency string

	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	TrialStart        *time.Time
	TrialEnd          *time.Time
}

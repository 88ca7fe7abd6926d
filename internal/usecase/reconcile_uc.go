// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ai-saas-billing/internal/config"
	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
	"ai-saas-billing/internal/infra/logging"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

// ReconcileUseCase is the provider-agnostic half of webhook handling. The
// adapters verify signatures and normalize payloads; this engine owns the
// idempotency guard, the payment upsert, and the credit grant, all committed
// in one transaction.
type ReconcileUseCase interface {
	HandleCheckoutCompleted(ctx context.Context, ev *model.CheckoutEvent) error
	HandleSubscriptionCreated(ctx context.Context, ev *model.SubscriptionEvent) error
	HandleSubscriptionUpdated(ctx context.Context, ev *model.SubscriptionEvent) error
	HandleSubscriptionCanceled(ctx context.Context, ev *model.SubscriptionEvent) error
	HandleSubscriptionExpired(ctx context.Context, ev *model.SubscriptionEvent) error
}

type reconcileUC struct {
	payments repository.PaymentRepository
	credits  CreditUseCase
	catalog  *config.Catalog
	tm       repository.TransactionManager
	log      *zerolog.Logger
}

func NewReconcileUseCase(payments repository.PaymentRepository, credits CreditUseCase, catalog *config.Catalog, tm repository.TransactionManager, logger *zerolog.Logger) *reconcileUC {
	return &reconcileUC{payments: payments, credits: credits, catalog: catalog, tm: tm, log: logger}
}

func (u *reconcileUC) HandleCheckoutCompleted(ctx context.Context, ev *model.CheckoutEvent) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleCheckoutCompleted")()
	if ev.UserID == "" || ev.PlanID == "" {
		return domain.ErrMissingMetadata
	}

	// Providers that embed the subscription in the checkout event (Creem)
	// funnel into the subscription path so both providers grant identically.
	if ev.Subscription != nil {
		sub := *ev.Subscription
		if sub.UserID == "" {
			sub.UserID = ev.UserID
		}
		if sub.PlanID == "" {
			sub.PlanID = ev.PlanID
		}
		if sub.CustomerID == "" {
			sub.CustomerID = ev.CustomerID
		}
		if sub.Amount == 0 {
			sub.Amount = ev.Amount
		}
		if sub.Currency == "" {
			sub.Currency = ev.Currency
		}
		return u.HandleSubscriptionCreated(ctx, &sub)
	}

	if ev.PaymentIntentID == "" {
		return fmt.Errorf("%w: checkout %s carries no payment intent", domain.ErrInvalidArgument, ev.EventID)
	}

	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		// Idempotency guard: webhook redelivery must not re-grant credits.
		existing, err := u.payments.FindByProviderPaymentID(ctx, tx, ev.PaymentIntentID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			u.log.Info().Str("provider", ev.Provider).Str("payment_intent", ev.PaymentIntentID).
				Msg("payment already recorded, skipping (idempotent)")
			return nil
		}

		now := time.Now()
		intentID := ev.PaymentIntentID
		p := &model.Payment{
			ID:          uuid.NewString(),
			PriceID:     ev.PriceID,
			Type:        model.PaymentTypeOneTime,
			UserID:      ev.UserID,
			CustomerID:  ev.CustomerID,
			PaymentID:   &intentID,
			Status:      model.PaymentStatusCompleted,
			Amount:      ev.Amount,
			Currency:    normalizeCurrency(ev.Currency),
			PeriodStart: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := u.payments.Insert(ctx, tx, p); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				// Lost the race against a concurrent duplicate delivery.
				u.log.Info().Str("payment_intent", ev.PaymentIntentID).Msg("duplicate payment insert, skipping")
				return nil
			}
			return err
		}
		return u.grantForPlan(ctx, tx, ev.PlanID, ev.UserID, p.ID, nil)
	})
}

func (u *reconcileUC) HandleSubscriptionCreated(ctx context.Context, ev *model.SubscriptionEvent) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleSubscriptionCreated")()
	if ev.UserID == "" || ev.PlanID == "" {
		return domain.ErrMissingMetadata
	}
	if ev.SubscriptionID == "" {
		return fmt.Errorf("%w: subscription event carries no subscription id", domain.ErrInvalidArgument)
	}

	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		existing, err := u.payments.FindBySubscriptionID(ctx, tx, ev.SubscriptionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if existing != nil {
			u.log.Info().Str("provider", ev.Provider).Str("subscription_id", ev.SubscriptionID).
				Msg("subscription already recorded, skipping (idempotent)")
			return nil
		}

		now := time.Now()
		subID := ev.SubscriptionID
		p := &model.Payment{
			ID:                uuid.NewString(),
			PriceID:           ev.PriceID,
			Type:              model.PaymentTypeSubscription,
			Interval:          ev.Interval,
			UserID:            ev.UserID,
			CustomerID:        ev.CustomerID,
			SubscriptionID:    &subID,
			Status:            ev.Status,
			Amount:            ev.Amount,
			Currency:          normalizeCurrency(ev.Currency),
			PeriodStart:       ev.PeriodStart,
			PeriodEnd:         ev.PeriodEnd,
			CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
			TrialStart:        ev.TrialStart,
			TrialEnd:          ev.TrialEnd,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := u.payments.Insert(ctx, tx, p); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				u.log.Info().Str("subscription_id", ev.SubscriptionID).Msg("duplicate subscription insert, skipping")
				return nil
			}
			return err
		}
		return u.grantForPlan(ctx, tx, ev.PlanID, ev.UserID, p.ID, ev.PeriodEnd)
	})
}

func (u *reconcileUC) HandleSubscriptionUpdated(ctx context.Context, ev *model.SubscriptionEvent) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleSubscriptionUpdated")()
	return u.mutateSubscription(ctx, ev.SubscriptionID, func(p *model.Payment) {
		if ev.PriceID != "" {
			p.PriceID = ev.PriceID
		}
		if ev.Interval != "" {
			p.Interval = ev.Interval
		}
		p.Status = ev.Status
		applyPeriods(p, ev)
		p.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	})
}

func (u *reconcileUC) HandleSubscriptionCanceled(ctx context.Context, ev *model.SubscriptionEvent) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleSubscriptionCanceled")()
	return u.mutateSubscription(ctx, ev.SubscriptionID, func(p *model.Payment) {
		status := ev.Status
		if status == "" {
			status = model.PaymentStatusCanceled
		}
		p.Status = status
		applyPeriods(p, ev)
		p.CancelAtPeriodEnd = true
	})
}

func (u *reconcileUC) HandleSubscriptionExpired(ctx context.Context, ev *model.SubscriptionEvent) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleSubscriptionExpired")()
	return u.mutateSubscription(ctx, ev.SubscriptionID, func(p *model.Payment) {
		// Expiry maps to canceled; the row itself is kept forever.
		p.Status = model.PaymentStatusCanceled
		applyPeriods(p, ev)
		p.CancelAtPeriodEnd = true
	})
}

func (u *reconcileUC) mutateSubscription(ctx context.Context, subscriptionID string, mutate func(*model.Payment)) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription event carries no subscription id", domain.ErrInvalidArgument)
	}
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.payments.FindBySubscriptionID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		mutate(p)
		p.UpdatedAt = time.Now()
		if err := u.payments.Update(ctx, tx, p); err != nil {
			return err
		}
		u.log.Info().Str("subscription_id", subscriptionID).Str("status", string(p.Status)).
			Msg("subscription record updated")
		return nil
	})
}

// grantForPlan applies the credit-granting policy for a freshly recorded
// payment, inside the reconciliation transaction. Plans without a credit
// declaration grant nothing.
func (u *reconcileUC) grantForPlan(ctx context.Context, tx repository.Tx, planID, userID, paymentID string, periodEnd *time.Time) error {
	plan, ok := u.catalog.PlanByID(planID)
	if !ok {
		u.log.Warn().Str("plan_id", planID).Msg("plan not in catalog, recording payment without credits")
		return nil
	}
	if plan.Credit == nil {
		return nil
	}

	var expiresAt *time.Time
	creditsType := model.CreditsTypeOneTimePayment
	if plan.Kind == config.PlanKindSubscription {
		creditsType = model.CreditsTypeSubscriptionPayment
		expiresAt = periodEnd
	} else if plan.Credit.ExpireDays > 0 {
		t := time.Now().AddDate(0, 0, plan.Credit.ExpireDays)
		expiresAt = &t
	}

	_, err := u.credits.IncreaseCredits(ctx, IncreaseCreditsParams{
		UserID:      userID,
		Credits:     plan.Credit.Amount,
		CreditsType: creditsType,
		PaymentID:   &paymentID,
		ExpiresAt:   expiresAt,
		Description: fmt.Sprintf("Credits from %s plan: %s", plan.Kind, planID),
		Tx:          tx,
	})
	if err != nil {
		return err
	}
	u.log.Info().Str("user_id", userID).Str("plan_id", planID).Int64("credits", plan.Credit.Amount).
		Msg("plan credits granted")
	return nil
}

func applyPeriods(p *model.Payment, ev *model.SubscriptionEvent) {
	if ev.PeriodStart != nil {
		p.PeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		p.PeriodEnd = ev.PeriodEnd
	}
	if ev.TrialStart != nil {
		p.TrialStart = ev.TrialStart
	}
	if ev.TrialEnd != nil {
		p.TrialEnd = ev.TrialEnd
	}
}

func normalizeCurrency(c string) string {
	if c == "" {
		return "usd"
	}
	return strings.ToLower(c)
}

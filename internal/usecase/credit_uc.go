// File: internal/usecase/credit_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ai-saas-billing/internal/config"
	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
	"ai-saas-billing/internal/infra/logging"
)

// Compile-time check
var _ CreditUseCase = (*creditUC)(nil)

// Locker serializes spends per user. Optional: a nil locker relies on the
// row locks taken by ListValidGrants inside the spend transaction alone.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type IncreaseCreditsParams struct {
	UserID      string
	Credits     int64
	CreditsType model.CreditsType
	PaymentID   *string
	ExpiresAt   *time.Time
	Description string
	// Tx joins the caller's transaction when set. Webhook reconciliation MUST
	// pass its transaction so the payment upsert and the grant commit
	// atomically.
	Tx repository.Tx
}

type DecreaseCreditsParams struct {
	UserID      string
	Credits     int64
	CreditsType model.CreditsType
	Description string
	Tx          repository.Tx
}

type DecreaseCreditsResult struct {
	RemainingCredits int64  `json:"remainingCredits"`
	TransactionID    string `json:"transactionId"`
}

type CreditHistory struct {
	Entries []*model.CreditEntry `json:"entries"`
	Total   int64                `json:"total"`
	Page    int                  `json:"page"`
	Limit   int                  `json:"limit"`
}

type RegistrationBonusResult struct {
	Granted bool  `json:"granted"`
	Credits int64 `json:"credits"`
}

type CreditUseCase interface {
	// GetBalance sums valid grants, splitting out the daily-bonus portion.
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	// IncreaseCredits appends one grant row.
	IncreaseCredits(ctx context.Context, params IncreaseCreditsParams) (*model.CreditEntry, error)
	// DecreaseCredits consumes credits FIFO across valid grants and appends
	// one immutable debit audit row, all inside one transaction.
	DecreaseCredits(ctx context.Context, params DecreaseCreditsParams) (*DecreaseCreditsResult, error)
	// GetHistory pages the user's full ledger, newest first.
	GetHistory(ctx context.Context, userID string, page, limit, days int) (*CreditHistory, error)
	// GrantRegistrationBonus grants the one-time signup bonus. A repeat call
	// for the same user reports Granted=false instead of failing; the store's
	// unique index makes the guarantee hold under concurrent calls.
	GrantRegistrationBonus(ctx context.Context, userID string) (*RegistrationBonusResult, error)
	// AuditExpired writes one deduct_expired audit row per grant whose expiry
	// passed after since. Grants themselves are never mutated; expiry stays a
	// query-time filter. Returns the number of rows written and the total
	// credits written off.
	AuditExpired(ctx context.Context, since time.Time) (int, int64, error)
}

const maxHistoryPageSize = 100

type creditUC struct {
	credits repository.CreditRepository
	tm      repository.TransactionManager
	locker  Locker
	lockTTL time.Duration
	log     *zerolog.Logger
}

func NewCreditUseCase(credits repository.CreditRepository, tm repository.TransactionManager, locker Locker, lockTTL time.Duration, logger *zerolog.Logger) *creditUC {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &creditUC{credits: credits, tm: tm, locker: locker, lockTTL: lockTTL, log: logger}
}

func (u *creditUC) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	defer logging.TraceDuration(u.log, "CreditUC.GetBalance")()
	grants, err := u.credits.ListValidGrants(ctx, repository.NoTX, userID)
	if err != nil {
		return model.Balance{}, err
	}
	var b model.Balance
	for _, g := range grants {
		b.Total += g.Credits
		if g.CreditsType == model.CreditsTypeDailyBonus {
			b.DailyBonus += g.Credits
		}
	}
	return b, nil
}

func (u *creditUC) IncreaseCredits(ctx context.Context, params IncreaseCreditsParams) (*model.CreditEntry, error) {
	defer logging.TraceDuration(u.log, "CreditUC.IncreaseCredits")()
	if params.UserID == "" || params.Credits <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	entry, err := u.credits.InsertEntry(ctx, params.Tx, repository.CreditEntryInput{
		UserID:      params.UserID,
		PaymentID:   params.PaymentID,
		Type:        model.TransactionTypeCredit,
		CreditsType: params.CreditsType,
		Credits:     params.Credits,
		Description: params.Description,
		ExpiresAt:   params.ExpiresAt,
	})
	if err != nil {
		u.log.Error().Err(err).Str("user_id", params.UserID).Int64("credits", params.Credits).Msg("increase credits failed")
		return nil, err
	}
	u.log.Info().Str("user_id", params.UserID).Int64("credits", params.Credits).
		Str("credits_type", string(params.CreditsType)).Msg("credits granted")
	return entry, nil
}

func (u *creditUC) DecreaseCredits(ctx context.Context, params DecreaseCreditsParams) (*DecreaseCreditsResult, error) {
	defer logging.TraceDuration(u.log, "CreditUC.DecreaseCredits")()
	if params.UserID == "" || params.Credits <= 0 {
		return nil, domain.ErrInvalidArgument
	}

	if u.locker != nil {
		token, err := u.locker.TryLock(ctx, spendLockKey(params.UserID), u.lockTTL)
		if err != nil {
			return nil, err
		}
		defer func() { _ = u.locker.Unlock(ctx, spendLockKey(params.UserID), token) }()
	}

	var result *DecreaseCreditsResult
	consume := func(ctx context.Context, tx repository.Tx) error {
		r, err := u.consume(ctx, tx, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	var err error
	if params.Tx != nil {
		// Join the caller's unit of work.
		err = consume(ctx, params.Tx)
	} else {
		err = u.tm.WithTx(ctx, pgx.TxOptions{}, consume)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// consume walks valid grants in consumption order, deducting from each until
// the requested amount is covered, then appends the debit audit row. Partial
// deduction is never visible: any error rolls back the enclosing transaction.
func (u *creditUC) consume(ctx context.Context, tx repository.Tx, params DecreaseCreditsParams) (*DecreaseCreditsResult, error) {
	grants, err := u.credits.ListValidGrants(ctx, tx, params.UserID)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, g := range grants {
		total += g.Credits
	}
	if total < params.Credits {
		return nil, &domain.InsufficientCreditsError{Required: params.Credits, Available: total}
	}

	remaining := params.Credits
	var sources []string
	for _, g := range orderForConsumption(grants) {
		if remaining <= 0 {
			break
		}
		deduct := g.Credits
		if deduct > remaining {
			deduct = remaining
		}
		if err := u.credits.UpdateRemaining(ctx, tx, g.ID, g.Credits-deduct); err != nil {
			return nil, err
		}
		remaining -= deduct
		sources = append(sources, describeSource(g, deduct))
	}

	description := params.Description
	if description == "" {
		description = "Sources: " + strings.Join(sources, "; ")
	}
	// Debit rows never expire and carry no payment back-reference; they are
	// permanent consumption records.
	debit, err := u.credits.InsertEntry(ctx, tx, repository.CreditEntryInput{
		UserID:      params.UserID,
		Type:        model.TransactionTypeDebit,
		CreditsType: params.CreditsType,
		Credits:     -params.Credits,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	u.log.Info().Str("user_id", params.UserID).Int64("credits", params.Credits).
		Str("credits_type", string(params.CreditsType)).Str("transaction_id", debit.TransactionID).
		Msg("credits consumed")
	return &DecreaseCreditsResult{
		RemainingCredits: total - params.Credits,
		TransactionID:    debit.TransactionID,
	}, nil
}

func (u *creditUC) GetHistory(ctx context.Context, userID string, page, limit, days int) (*CreditHistory, error) {
	defer logging.TraceDuration(u.log, "CreditUC.GetHistory")()
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	entries, total, err := u.credits.ListHistory(ctx, userID, page, limit, days)
	if err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("get credit history failed")
		return nil, err
	}
	return &CreditHistory{Entries: entries, Total: total, Page: page, Limit: limit}, nil
}

func (u *creditUC) AuditExpired(ctx context.Context, since time.Time) (int, int64, error) {
	defer logging.TraceDuration(u.log, "CreditUC.AuditExpired")()
	var count int
	var total int64
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		expired, err := u.credits.ListExpiredSince(ctx, tx, since)
		if err != nil {
			return err
		}
		for _, g := range expired {
			_, err := u.credits.InsertEntry(ctx, tx, repository.CreditEntryInput{
				UserID:      g.UserID,
				Type:        model.TransactionTypeDebit,
				CreditsType: model.CreditsTypeExpired,
				Credits:     -g.Credits,
				Description: fmt.Sprintf("Expired grant %s: %d credits written off", g.TransactionID, g.Credits),
			})
			if err != nil {
				return err
			}
			count++
			total += g.Credits
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return count, total, nil
}

func (u *creditUC) GrantRegistrationBonus(ctx context.Context, userID string) (*RegistrationBonusResult, error) {
	defer logging.TraceDuration(u.log, "CreditUC.GrantRegistrationBonus")()
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}

	_, err := u.credits.InsertEntry(ctx, repository.NoTX, repository.CreditEntryInput{
		UserID:      userID,
		Type:        model.TransactionTypeCredit,
		CreditsType: model.CreditsTypeFirstRegistration,
		Credits:     config.FirstRegistrationBonus,
		Description: "First registration bonus",
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		u.log.Info().Str("user_id", userID).Msg("registration bonus already granted")
		return &RegistrationBonusResult{Granted: false}, nil
	}
	if err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("registration bonus grant failed")
		return nil, err
	}
	u.log.Info().Str("user_id", userID).Int64("credits", config.FirstRegistrationBonus).
		Msg("registration bonus granted")
	return &RegistrationBonusResult{Granted: true, Credits: config.FirstRegistrationBonus}, nil
}

// orderForConsumption keeps the store's expiring-first order but moves
// daily-bonus grants to the front, so bonuses are always spent first.
func orderForConsumption(grants []*model.CreditEntry) []*model.CreditEntry {
	ordered := make([]*model.CreditEntry, 0, len(grants))
	for _, g := range grants {
		if g.CreditsType == model.CreditsTypeDailyBonus {
			ordered = append(ordered, g)
		}
	}
	for _, g := range grants {
		if g.CreditsType != model.CreditsTypeDailyBonus {
			ordered = append(ordered, g)
		}
	}
	return ordered
}

func describeSource(g *model.CreditEntry, amount int64) string {
	source := "admin"
	if g.PaymentID != nil && *g.PaymentID != "" {
		source = *g.PaymentID
	}
	if g.ExpiresAt != nil {
		return fmt.Sprintf("%d from %s (expires: %s)", amount, source, g.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%d from %s (permanent)", amount, source)
}

func spendLockKey(userID string) string { return "credits:spend:" + userID }

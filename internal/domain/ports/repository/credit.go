package repository

import (
	"context"
	"time"

	"ai-saas-billing/internal/domain/model"
)

// CreditEntryInput carries the caller-supplied fields of a new ledger row;
// id, transactionId and createdAt are generated by the store.
type CreditEntryInput struct {
	UserID      string
	PaymentID   *string
	Type        model.TransactionType
	CreditsType model.CreditsType
	Credits     int64
	Description string
	ExpiresAt   *time.Time
}

// CreditRepository is the port over the credit-ledger table.
type CreditRepository interface {
	// InsertEntry appends one ledger row and returns the persisted row
	// including the generated id and transactionId.
	InsertEntry(ctx context.Context, tx Tx, in CreditEntryInput) (*model.CreditEntry, error)

	// ListValidGrants returns unexpired grant rows with remaining balance,
	// in consumption order: expiring grants before permanent ones, then
	// soonest-to-expire first, then oldest first. When tx is a live
	// transaction the rows are locked (SELECT ... FOR UPDATE) so concurrent
	// spends cannot read the same snapshot.
	ListValidGrants(ctx context.Context, tx Tx, userID string) ([]*model.CreditEntry, error)

	// UpdateRemaining sets a grant row's remaining balance. The caller must
	// guarantee newBalance >= 0.
	UpdateRemaining(ctx context.Context, tx Tx, entryID string, newBalance int64) error

	// ListHistory pages a user's full ledger newest-first, optionally
	// windowed to the last `days` days (0 = no window). Returns the page and
	// the total row count for the filter.
	ListHistory(ctx context.Context, userID string, page, pageSize, days int) ([]*model.CreditEntry, int64, error)

	// ListExpiredSince returns grant rows whose expiry passed after the given
	// time and that still hold a positive remaining balance. Used by the
	// expiry auditor to write deduct_expired audit rows; the grants
	// themselves are never mutated for expiry.
	ListExpiredSince(ctx context.Context, tx Tx, since time.Time) ([]*model.CreditEntry, error)
}

package model

import "time"

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// CreditsType tags the provenance of a ledger entry.
type CreditsType string

const (
	// grants
	CreditsTypeFirstRegistration   CreditsType = "add_first_registration"
	CreditsTypeSubscriptionPayment CreditsType = "add_subscription_payment"
	CreditsTypeOneTimePayment      CreditsType = "add_one_time_payment"
	CreditsTypeDailyBonus          CreditsType = "add_daily_bonus"
	CreditsTypeAdmin               CreditsType = "add_admin"
	CreditsTypeRefund              CreditsType = "add_refund"
	// debits
	CreditsTypeAIUse    CreditsType = "deduct_ai_use"
	CreditsTypeAIText   CreditsType = "ai_text"
	CreditsTypeAIImage  CreditsType = "ai_image"
	CreditsTypeAISpeech CreditsType = "ai_speech"
	CreditsTypeAIVideo  CreditsType = "ai_video"
	CreditsTypeExpired  CreditsType = "deduct_expired"
)

// CreditEntry is one ledger row: a grant or a debit.
//
// On grant rows Credits holds the REMAINING balance of that grant and is
// decremented as the grant is consumed, never below zero. On debit rows
// Credits is the negative amount consumed in one transaction and the row is
// immutable after creation.
type CreditEntry struct {
	ID            string          `json:"id"`            // UUID
	TransactionID string          `json:"transactionId"` // ULID; externally unique and lexically orderable
	UserID        string          `json:"userId"`
	PaymentID     *string         `json:"paymentId,omitempty"` // nil for admin/system grants and for debit rows
	Type          TransactionType `json:"type"`
	CreditsType   CreditsType     `json:"creditsType"`
	Credits       int64           `json:"credits"`
	Description   string          `json:"description,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"` // nil = never expires
	CreatedAt     time.Time       `json:"createdAt"`
}

// Expired reports whether the entry is invisible to balance and consumption
// queries. Expiry is a query-time filter only; the row is never mutated for it.
func (e *CreditEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Balance is the spendable total with the daily-bonus portion split out for
// UI transparency. Bonus credits are fully fungible; they are just spent first.
type Balance struct {
	Total      int64 `json:"total"`
	DailyBonus int64 `json:"dailyBonus"`
}

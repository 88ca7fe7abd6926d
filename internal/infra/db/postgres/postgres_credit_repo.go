package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/oklog/ulid/v2"

	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
	"ai-saas-billing/internal/infra/metrics"
)

var _ repository.CreditRepository = (*creditRepo)(nil)

type creditRepo struct{ pool *pgxpool.Pool }

func NewCreditRepo(pool *pgxpool.Pool) *creditRepo {
	return &creditRepo{pool: pool}
}

const creditColumns = `id, transaction_id, user_id, payment_id, transaction_type, credits_type, credits, description, expires_at, created_at`

func (r *creditRepo) InsertEntry(ctx context.Context, tx repository.Tx, in repository.CreditEntryInput) (*model.CreditEntry, error) {
	entry := &model.CreditEntry{
		ID:            uuid.NewString(),
		TransactionID: ulid.Make().String(),
		UserID:        in.UserID,
		PaymentID:     in.PaymentID,
		Type:          in.Type,
		CreditsType:   in.CreditsType,
		Credits:       in.Credits,
		Description:   in.Description,
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     time.Now(),
	}
	const q = `
INSERT INTO credits (` + creditColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`
	_, err := execSQL(ctx, r.pool, tx, q,
		entry.ID, entry.TransactionID, entry.UserID, entry.PaymentID, entry.Type,
		entry.CreditsType, entry.Credits, entry.Description, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// The one-per-user first-registration index fired.
			return nil, domain.ErrAlreadyExists
		}
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
			return nil, err
		}
		return nil, domain.ErrOperationFailed
	}
	switch {
	case entry.Credits > 0:
		metrics.AddCreditsGranted(string(entry.CreditsType), entry.Credits)
	case entry.CreditsType != model.CreditsTypeExpired:
		// Expiry write-offs are counted separately by the auditor.
		metrics.AddCreditsSpent(-entry.Credits)
	}
	return entry, nil
}

func (r *creditRepo) ListValidGrants(ctx context.Context, tx repository.Tx, userID string) ([]*model.CreditEntry, error) {
	q := `
SELECT ` + creditColumns + `
  FROM credits
 WHERE user_id=$1
   AND transaction_type='credit'
   AND credits > 0
   AND (expires_at IS NULL OR expires_at >= NOW())
 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END,
          expires_at ASC, created_at ASC`
	// Inside a spend transaction the grants are locked so two concurrent
	// spends cannot deduct from the same snapshot.
	if inTx(tx) {
		q += " FOR UPDATE"
	}
	q += ";"

	rows, err := queryRows(ctx, r.pool, tx, q, userID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidExecContext):
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *creditRepo) UpdateRemaining(ctx context.Context, tx repository.Tx, entryID string, newBalance int64) error {
	const q = `UPDATE credits SET credits=$2 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, entryID, newBalance)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
			return err
		}
		return domain.ErrOperationFailed
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *creditRepo) ListHistory(ctx context.Context, userID string, page, pageSize, days int) ([]*model.CreditEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where := ` WHERE user_id=$1`
	args := []interface{}{userID}
	if days > 0 {
		where += ` AND created_at >= NOW() - ($2::int * INTERVAL '1 day')`
		args = append(args, days)
	}

	row, err := pickRow(ctx, r.pool, nil, `SELECT COUNT(*) FROM credits`+where+`;`, args...)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := row.Scan(&total); err != nil {
		return nil, 0, domain.ErrReadDatabaseRow
	}

	offset := (page - 1) * pageSize
	q := `SELECT ` + creditColumns + ` FROM credits` + where +
		` ORDER BY created_at DESC` +
		` LIMIT ` + strconv.Itoa(pageSize) + ` OFFSET ` + strconv.Itoa(offset) + `;`
	rows, err := queryRows(ctx, r.pool, nil, q, args...)
	if err != nil {
		return nil, 0, domain.ErrOperationFailed
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *creditRepo) ListExpiredSince(ctx context.Context, tx repository.Tx, since time.Time) ([]*model.CreditEntry, error) {
	// The NOT EXISTS clause keeps the expiry auditor idempotent across
	// restarts: a grant whose write-off row already references its
	// transaction id is not reported again.
	const q = `
SELECT ` + creditColumns + `
  FROM credits c
 WHERE c.transaction_type='credit'
   AND c.credits > 0
   AND c.expires_at IS NOT NULL
   AND c.expires_at < NOW()
   AND c.expires_at >= $1
   AND NOT EXISTS (
         SELECT 1 FROM credits d
          WHERE d.user_id = c.user_id
            AND d.transaction_type = 'debit'
            AND d.credits_type = 'deduct_expired'
            AND d.description LIKE '%' || c.transaction_id || '%'
       )
 ORDER BY c.expires_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, since)
	if err != nil {
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*model.CreditEntry, error) {
	var out []*model.CreditEntry
	for rows.Next() {
		e := new(model.CreditEntry)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.UserID, &e.PaymentID, &e.Type,
			&e.CreditsType, &e.Credits, &e.Description, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

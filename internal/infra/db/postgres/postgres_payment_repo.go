package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
	"ai-saas-billing/internal/infra/metrics"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, price_id, type, interval, user_id, customer_id, payment_id, subscription_id,
       status, amount, currency, period_start, period_end, cancel_at_period_end,
       trial_start, trial_end, created_at, updated_at`

// uniqueViolation is the Postgres error code raised when a partial unique
// index on payment_id / subscription_id rejects a duplicate webhook insert.
const uniqueViolation = "23505"

func (r *paymentRepo) Insert(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	const q = `
INSERT INTO payments (` + paymentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18);`
	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.PriceID, p.Type, nullIfEmpty(string(p.Interval)), p.UserID, p.CustomerID,
		p.PaymentID, p.SubscriptionID, p.Status, p.Amount, p.Currency,
		p.PeriodStart, p.PeriodEnd, p.CancelAtPeriodEnd,
		p.TrialStart, p.TrialEnd, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
			return err
		}
		return domain.ErrOperationFailed
	}
	metrics.IncPayment(string(p.Type), string(p.Status))
	if p.Amount > 0 {
		metrics.AddPaymentRevenue(p.Currency, p.Amount)
	}
	return nil
}

func (r *paymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	p.UpdatedAt = time.Now()
	const q = `
UPDATE payments
   SET price_id=$2, interval=$3, status=$4, amount=$5, currency=$6,
       period_start=$7, period_end=$8, cancel_at_period_end=$9,
       trial_start=$10, trial_end=$11, updated_at=$12
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.PriceID, nullIfEmpty(string(p.Interval)), p.Status, p.Amount, p.Currency,
		p.PeriodStart, p.PeriodEnd, p.CancelAtPeriodEnd,
		p.TrialStart, p.TrialEnd, p.UpdatedAt)
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

func (r *paymentRepo) FindBySubscriptionID(ctx context.Context, tx repository.Tx, subscriptionID string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_id=$1`
	if inTx(tx) {
		q += ` FOR UPDATE`
	}
	return r.findOne(ctx, tx, q+`;`, subscriptionID)
}

func (r *paymentRepo) FindByProviderPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id=$1`
	if inTx(tx) {
		q += ` FOR UPDATE`
	}
	return r.findOne(ctx, tx, q+`;`, paymentID)
}

func (r *paymentRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE user_id=$1 ORDER BY created_at DESC;`
	rows, err := queryRows(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *paymentRepo) findOne(ctx context.Context, tx repository.Tx, q string, arg interface{}) (*model.Payment, error) {
	row, err := pickRow(ctx, r.pool, tx, q, arg)
	if err != nil {
		return nil, err
	}
	p, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// scanPayment works for both pgx.Row and pgx.Rows via the shared Scan shape.
func scanPayment(row interface {
	Scan(dest ...interface{}) error
}) (*model.Payment, error) {
	p := new(model.Payment)
	var interval *string
	err := row.Scan(&p.ID, &p.PriceID, &p.Type, &interval, &p.UserID, &p.CustomerID,
		&p.PaymentID, &p.SubscriptionID, &p.Status, &p.Amount, &p.Currency,
		&p.PeriodStart, &p.PeriodEnd, &p.CancelAtPeriodEnd,
		&p.TrialStart, &p.TrialEnd, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if interval != nil {
		p.Interval = model.PlanInterval(*interval)
	}
	return p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

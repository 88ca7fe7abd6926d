package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	"ai-saas-billing/internal/domain/ports/repository"
)

func newLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// memTx is the opaque handle handed out by the mock transaction manager.
type memTx struct{}

// snapshotter lets the mock transaction manager roll repos back on error,
// mimicking a real database transaction.
type snapshotter interface {
	snapshot()
	restore()
}

type memTxManager struct {
	repos []snapshotter
}

func newMemTxManager(repos ...snapshotter) *memTxManager {
	return &memTxManager{repos: repos}
}

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	for _, r := range m.repos {
		r.snapshot()
	}
	if err := fn(ctx, memTx{}); err != nil {
		for _, r := range m.repos {
			r.restore()
		}
		return err
	}
	return nil
}

// ---- Mock CreditRepository ----

type memCreditRepo struct {
	mu      sync.Mutex
	entries []*model.CreditEntry
	saved   []*model.CreditEntry
	seq     int

	failInsert error
	failUpdate error
}

var _ repository.CreditRepository = (*memCreditRepo)(nil)

func newMemCreditRepo() *memCreditRepo { return &memCreditRepo{} }

func (r *memCreditRepo) snapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = make([]*model.CreditEntry, len(r.entries))
	for i, e := range r.entries {
		c := *e
		r.saved[i] = &c
	}
}

func (r *memCreditRepo) restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.saved
	r.saved = nil
}

func (r *memCreditRepo) InsertEntry(ctx context.Context, tx repository.Tx, in repository.CreditEntryInput) (*model.CreditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return nil, r.failInsert
	}
	// Mirrors the store's one-per-user unique index on the signup bonus.
	if in.CreditsType == model.CreditsTypeFirstRegistration {
		for _, e := range r.entries {
			if e.UserID == in.UserID && e.CreditsType == model.CreditsTypeFirstRegistration {
				return nil, domain.ErrAlreadyExists
			}
		}
	}
	r.seq++
	e := &model.CreditEntry{
		ID:            fmt.Sprintf("entry-%d", r.seq),
		TransactionID: fmt.Sprintf("01TX%026d", r.seq),
		UserID:        in.UserID,
		PaymentID:     in.PaymentID,
		Type:          in.Type,
		CreditsType:   in.CreditsType,
		Credits:       in.Credits,
		Description:   in.Description,
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     time.Now().Add(time.Duration(r.seq) * time.Millisecond),
	}
	r.entries = append(r.entries, e)
	return e, nil
}

func (r *memCreditRepo) ListValidGrants(ctx context.Context, tx repository.Tx, userID string) ([]*model.CreditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*model.CreditEntry
	for _, e := range r.entries {
		if e.UserID != userID || e.Type != model.TransactionTypeCredit || e.Credits <= 0 {
			continue
		}
		if e.Expired(now) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.CreatedAt.Before(b.CreatedAt)
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
	return out, nil
}

func (r *memCreditRepo) UpdateRemaining(ctx context.Context, tx repository.Tx, entryID string, newBalance int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	for _, e := range r.entries {
		if e.ID == entryID {
			e.Credits = newBalance
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memCreditRepo) ListHistory(ctx context.Context, userID string, page, pageSize, days int) ([]*model.CreditEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.CreditEntry
	cutoff := time.Now().AddDate(0, 0, -days)
	for _, e := range r.entries {
		if e.UserID != userID {
			continue
		}
		if days > 0 && e.CreatedAt.Before(cutoff) {
			continue
		}
		all = append(all, e)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *memCreditRepo) ListExpiredSince(ctx context.Context, tx repository.Tx, since time.Time) ([]*model.CreditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	audited := map[string]bool{}
	for _, e := range r.entries {
		if e.Type == model.TransactionTypeDebit && e.CreditsType == model.CreditsTypeExpired {
			for _, g := range r.entries {
				if strings.Contains(e.Description, g.TransactionID) {
					audited[g.TransactionID] = true
				}
			}
		}
	}
	var out []*model.CreditEntry
	for _, e := range r.entries {
		if e.Type != model.TransactionTypeCredit || e.Credits <= 0 || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(now) || e.ExpiresAt.Before(since) {
			continue
		}
		if audited[e.TransactionID] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// grant seeds a grant row directly, bypassing the usecase.
func (r *memCreditRepo) grant(userID string, credits int64, ct model.CreditsType, paymentID *string, expiresAt *time.Time) *model.CreditEntry {
	e, _ := r.InsertEntry(context.Background(), nil, repository.CreditEntryInput{
		UserID:      userID,
		PaymentID:   paymentID,
		Type:        model.TransactionTypeCredit,
		CreditsType: ct,
		Credits:     credits,
		ExpiresAt:   expiresAt,
	})
	return e
}

func (r *memCreditRepo) byID(id string) *model.CreditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *memCreditRepo) debits(userID string) []*model.CreditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CreditEntry
	for _, e := range r.entries {
		if e.UserID == userID && e.Type == model.TransactionTypeDebit {
			out = append(out, e)
		}
	}
	return out
}

// ---- Mock PaymentRepository ----

type memPaymentRepo struct {
	mu       sync.Mutex
	payments []*model.Payment
	saved    []*model.Payment

	failInsert error
}

var _ repository.PaymentRepository = (*memPaymentRepo)(nil)

func newMemPaymentRepo() *memPaymentRepo { return &memPaymentRepo{} }

func (r *memPaymentRepo) snapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = make([]*model.Payment, len(r.payments))
	for i, p := range r.payments {
		c := *p
		r.saved[i] = &c
	}
}

func (r *memPaymentRepo) restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = r.saved
	r.saved = nil
}

func (r *memPaymentRepo) Insert(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	for _, existing := range r.payments {
		if p.SubscriptionID != nil && existing.SubscriptionID != nil && *p.SubscriptionID == *existing.SubscriptionID {
			return domain.ErrAlreadyExists
		}
		if p.PaymentID != nil && existing.PaymentID != nil && *p.PaymentID == *existing.PaymentID {
			return domain.ErrAlreadyExists
		}
	}
	c := *p
	r.payments = append(r.payments, &c)
	return nil
}

func (r *memPaymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.payments {
		if existing.ID == p.ID {
			c := *p
			r.payments[i] = &c
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memPaymentRepo) FindBySubscriptionID(ctx context.Context, tx repository.Tx, subscriptionID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			c := *p
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPaymentRepo) FindByProviderPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.PaymentID != nil && *p.PaymentID == paymentID {
			c := *p
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPaymentRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memPaymentRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

// ---- Mock Locker ----

type memLocker struct {
	mu     sync.Mutex
	locks  map[string]string
	LockN  int
	Busy   bool
	UnlckN int
}

func newMemLocker() *memLocker { return &memLocker{locks: map[string]string{}} }

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LockN++
	if l.Busy {
		return "", domain.ErrLockNotAcquired
	}
	token := fmt.Sprintf("token-%d", l.LockN)
	l.locks[key] = token
	return token, nil
}

func (l *memLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.UnlckN++
	if l.locks[key] == token {
		delete(l.locks, key)
	}
	return nil
}

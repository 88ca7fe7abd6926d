package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ai-saas-billing/internal/infra/metrics"
	"ai-saas-billing/internal/usecase"
)

// ExpiryAuditor periodically writes audit rows for grants whose expiry has
// passed. Balances are unaffected (expiry is filtered at query time); the
// rows only make the write-off visible in the ledger history.
type ExpiryAuditor struct {
	interval time.Duration
	creditUC usecase.CreditUseCase
	log      *zerolog.Logger

	lastRun time.Time
}

func NewExpiryAuditor(interval time.Duration, creditUC usecase.CreditUseCase, logger *zerolog.Logger) *ExpiryAuditor {
	audLog := logger.With().Str("component", "ExpiryAuditor").Logger()
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpiryAuditor{
		interval: interval,
		creditUC: creditUC,
		log:      &audLog,
		// First pass sweeps the trailing day so restarts don't leave gaps.
		lastRun: time.Now().Add(-24 * time.Hour),
	}
}

func (w *ExpiryAuditor) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("starting expiry auditor")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stopping expiry auditor")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ExpiryAuditor) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	since := w.lastRun
	started := time.Now()
	count, total, err := w.creditUC.AuditExpired(runCtx, since)
	if err != nil {
		w.log.Error().Err(err).Msg("expiry audit error")
		return
	}
	w.lastRun = started
	if count > 0 {
		metrics.AddCreditsExpired(total)
		w.log.Info().Int("grants", count).Int64("credits", total).Msg("expired grants written off")
	}
}

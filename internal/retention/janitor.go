// Package retention implements data retention for the gateway. A background
// janitor periodically prunes old security events and usage ledger rows so
// the hot store does not grow without bound. Usage caches are untouched;
// they roll over with the calendar.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
)

const (
	// DefaultSecurityRetentionDays keeps security events long enough for
	// incident review.
	DefaultSecurityRetentionDays = 90
	// DefaultUsageRetentionDays keeps ledger rows one full year for billing
	// reconciliation.
	DefaultUsageRetentionDays = 365
)

// Janitor periodically prunes expired rows.
type Janitor struct {
	store    store.Store
	interval time.Duration
	log      zerolog.Logger

	// Retention windows in days; zero means the default.
	SecurityDays int
	UsageDays    int

	now func() time.Time
}

// NewJanitor creates a retention janitor that sweeps on the given interval.
func NewJanitor(s store.Store, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:        s,
		interval:     interval,
		log:          log.With().Str("component", "retention").Logger(),
		SecurityDays: DefaultSecurityRetentionDays,
		UsageDays:    DefaultUsageRetentionDays,
		now:          time.Now,
	}
}

// Start runs the janitor until ctx is canceled, sweeping once immediately.
func (j *Janitor) Start(ctx context.Context) {
	j.log.Info().
		Dur("interval", j.interval).
		Int("security_days", j.SecurityDays).
		Int("usage_days", j.UsageDays).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep. Prune failures are logged and the
// next tick retries; nothing is ever deleted twice.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := j.now()
	now := start.UTC()

	var pruned int64
	n, err := j.store.PruneSecurityEvents(ctx, now.AddDate(0, 0, -j.SecurityDays))
	if err != nil {
		j.log.Warn().Err(err).Msg("prune security events failed")
	} else {
		pruned += n
	}

	n, err = j.store.PruneUsage(ctx, now.AddDate(0, 0, -j.UsageDays))
	if err != nil {
		j.log.Warn().Err(err).Msg("prune usage records failed")
	} else {
		pruned += n
	}

	if pruned > 0 {
		j.log.Info().
			Int64("rows", pruned).
			Dur("elapsed", j.now().Sub(start)).
			Msg("retention cycle complete")
	}
}

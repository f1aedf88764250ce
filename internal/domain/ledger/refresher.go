package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Refresher reloads the ledger projection from the Repository so that state
// written by other nodes, or lost to a failed compensation, converges.
// Correctness of concurrent bookings does not depend on it: the store's
// conditional slot update rejects a claim the projection got wrong.
type Refresher struct {
	ledger *Ledger
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
	loc    *time.Location

	// Interval between reloads.
	Interval time.Duration
}

// NewRefresher creates a Refresher that reloads days from today onward in loc.
func NewRefresher(l *Ledger, repo Repository, loc *time.Location, logger zerolog.Logger) *Refresher {
	if loc == nil {
		loc = time.UTC
	}
	return &Refresher{
		ledger:   l,
		repo:     repo,
		logger:   logger.With().Str("component", "ledger-refresher").Logger(),
		now:      time.Now,
		loc:      loc,
		Interval: 30 * time.Second,
	}
}

// Refresh performs one reload and returns the number of days loaded. Days
// reserved, released or opened locally while the store was being read are
// left as they are.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	from := r.now().In(r.loc).Format(DateLayout)
	seen := r.ledger.Generations()
	days, err := r.repo.ListDays(ctx, from)
	if err != nil {
		return 0, err
	}
	if skipped := r.ledger.LoadSince(days, seen); skipped > 0 {
		r.logger.Debug().Int("skipped", skipped).Msg("kept days changed during reload")
		return len(days) - skipped, nil
	}
	return len(days), nil
}

// Start loads once, then reloads every Interval until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	n, err := r.Refresh(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to reload provider days")
		return
	}
	r.logger.Debug().Int("days", n).Msg("provider days reloaded")
}

package scheduler

import (
	"context"
	"time"

	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/events"
	"agency_portal_backend/platform/logger"
)

const (
	defaultStaleRunSweepInterval = 5 * time.Minute
	defaultStaleRunAfter         = 45 * time.Minute

	staleRunMessage = "processing interrupted"
)

// StaleRunStore closes runs whose owner disappeared.
type StaleRunStore interface {
	MarkStaleRuns(ctx context.Context, before time.Time, message string) (repository.StaleRunResult, error)
}

// StaleRunReaper periodically moves runs that have been active for too long
// to error, so a crashed process never leaves a proposal stuck in a
// non-terminal status.
type StaleRunReaper struct {
	store      StaleRunStore
	bus        events.Bus
	log        *logger.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewStaleRunReaper(store StaleRunStore, bus events.Bus, log *logger.Logger, interval, staleAfter time.Duration) *StaleRunReaper {
	if interval <= 0 {
		interval = defaultStaleRunSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleRunAfter
	}

	return &StaleRunReaper{
		store:      store,
		bus:        bus,
		log:        log,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (r *StaleRunReaper) Run(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *StaleRunReaper) sweep(ctx context.Context) {
	before := r.now().Add(-r.staleAfter)

	res, err := r.store.MarkStaleRuns(ctx, before, staleRunMessage)
	if err != nil {
		r.log.Warn("stale bid run sweep failed", "error", err)
		return
	}
	if res.Proposals == 0 {
		return
	}

	r.log.Info("stale bid runs closed", "proposals", res.Proposals, "documents", res.Documents)
	if r.bus != nil {
		r.bus.Publish(ctx, events.BidRunsReaped{
			BaseEvent: events.NewBaseEvent(r.now()),
			Proposals: res.Proposals,
			Documents: res.Documents,
		})
	}
}

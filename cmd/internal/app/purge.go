package app

import (
	"context"
	"time"

	"devicegate/cmd/internal/session"

	"github.com/robfig/cron/v3"
)

// purger removes sessions that have been inactive longer than the retention.
type purger struct {
	log     Logger
	store   session.Store
	retain  time.Duration
	timeout time.Duration
	metrics *Metrics
	now     func() time.Time

	// sweep runs alongside every purge (idle throttle entries).
	sweep func()
}

func (p *purger) run(ctx context.Context) {
	if p.sweep != nil {
		p.sweep()
	}
	if p.retain <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cutoff := p.now().Add(-p.retain)
	n, err := p.store.Purge(ctx, cutoff)
	if err != nil {
		p.log.Error("session.purge.fail", "err", err)
		return
	}
	if p.metrics != nil {
		p.metrics.SessionsPurged(n)
	}
	p.log.Info("session.purge.done", "purged", n, "cutoff", cutoff)
}

// newPurgeScheduler registers the purge job on a cron scheduler. The caller
// starts and stops it.
func newPurgeScheduler(ctx context.Context, schedule string, p *purger) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { p.run(ctx) }); err != nil {
		return nil, err
	}
	return c, nil
}

package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Purger deletes dispatched outbox rows older than a cutoff.
type Purger interface {
	PurgeDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor enforces the outbox retention window. Failed rows are never purged;
// they stay until an operator requeues them.
type Janitor struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	metrics   *Metrics
	log       *zap.SugaredLogger
	now       func() time.Time
}

// NewJanitor returns nil when retention is disabled (zero).
func NewJanitor(store Purger, retention, interval time.Duration, metrics *Metrics, log *zap.SugaredLogger) *Janitor {
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce purges one round and returns the number of rows removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.PurgeDispatchedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox retention: %w", err)
	}
	j.metrics.addPurged(n)
	if n > 0 {
		j.log.Infow("outbox retention purged rows", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run purges on every interval tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Errorw("outbox retention failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package relay drains the transactional outbox into the downstream sinks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/repo"
	"github.com/richardliu001/permissions-service/internal/sink"
)

const (
	defaultBatchSize       = 100
	defaultWorkers         = 8
	defaultPollInterval    = time.Second
	defaultLeaseTimeout    = time.Minute
	defaultDispatchTimeout = 15 * time.Second
	maxIdleBackoff         = 30 * time.Second
	lastErrorLimit         = 2048
)

// Store is the part of the outbox store the relay drives.
type Store interface {
	ClaimBatch(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]model.OutboxMessage, error)
	RenewLease(ctx context.Context, id uint64, owner string, now time.Time, lease time.Duration) error
	MarkDispatched(ctx context.Context, id uint64, owner string, now time.Time) error
	MarkRetry(ctx context.Context, id uint64, owner string, attempts int, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uint64, owner string, attempts int, lastErr string) error
}

// Options tunes a Relay. Zero values take defaults.
type Options struct {
	Owner           string
	BatchSize       int
	Workers         int
	PollInterval    time.Duration
	LeaseTimeout    time.Duration
	DispatchTimeout time.Duration
	Now             func() time.Time
}

// Relay claims pending outbox rows and hands each to the dispatcher for its
// destination. Rows for one aggregate are handled in creation order; distinct
// aggregates run concurrently.
type Relay struct {
	store       Store
	dispatchers map[model.Destination]sink.Dispatcher
	policy      Policy
	metrics     *Metrics
	log         *zap.SugaredLogger

	owner           string
	batchSize       int
	workers         int
	pollInterval    time.Duration
	leaseTimeout    time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
}

// New builds a relay. metrics may be nil.
func New(store Store, dispatchers map[model.Destination]sink.Dispatcher, policy Policy, metrics *Metrics, log *zap.SugaredLogger, opts Options) *Relay {
	r := &Relay{
		store:           store,
		dispatchers:     dispatchers,
		policy:          policy,
		metrics:         metrics,
		owner:           opts.Owner,
		batchSize:       opts.BatchSize,
		workers:         opts.Workers,
		pollInterval:    opts.PollInterval,
		leaseTimeout:    opts.LeaseTimeout,
		dispatchTimeout: opts.DispatchTimeout,
		now:             opts.Now,
	}
	if r.owner == "" {
		r.owner = uuid.NewString()
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.leaseTimeout <= 0 {
		r.leaseTimeout = defaultLeaseTimeout
	}
	if r.dispatchTimeout <= 0 || r.dispatchTimeout >= r.leaseTimeout {
		r.dispatchTimeout = min(defaultDispatchTimeout, r.leaseTimeout/2)
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	r.log = log.With("relay", r.owner)
	return r
}

// Owner is the lease owner id this relay claims rows under.
func (r *Relay) Owner() string { return r.owner }

// Run polls until ctx is done. A full batch is followed immediately by the
// next claim; store errors back off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Infow("outbox relay started",
		"batch_size", r.batchSize,
		"workers", r.workers,
		"lease_timeout", r.leaseTimeout)
	backoff := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("outbox relay stopped")
			return err
		}

		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.log.Errorw("outbox batch failed", "error", err)
			backoff = nextBackoff(backoff, r.pollInterval, maxIdleBackoff)
			if err := sleep(ctx, withJitter(backoff, r.pollInterval)); err != nil {
				return err
			}
			continue
		}
		backoff = r.pollInterval

		if n >= r.batchSize {
			continue
		}
		if err := sleep(ctx, r.pollInterval); err != nil {
			return err
		}
	}
}

// ProcessBatch claims one batch and drives it to completion. It returns the
// number of rows claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := r.store.ClaimBatch(ctx, r.owner, r.batchSize, r.now(), r.leaseTimeout)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, group := range groupByAggregate(msgs) {
		group := group
		g.Go(func() error {
			for _, msg := range group {
				if err := r.handle(ctx, msg); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return len(msgs), g.Wait()
}

// groupByAggregate splits msgs by aggregate id, keeping claim order inside
// each group and first-seen order across groups.
func groupByAggregate(msgs []model.OutboxMessage) [][]model.OutboxMessage {
	index := make(map[uint64]int)
	var groups [][]model.OutboxMessage
	for _, m := range msgs {
		i, ok := index[m.AggregateID]
		if !ok {
			i = len(groups)
			index[m.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func (r *Relay) handle(ctx context.Context, msg model.OutboxMessage) error {
	// rows wait behind the worker limit and their aggregate's earlier rows, so
	// the claim-time lease may be gone by now
	if err := r.store.RenewLease(ctx, msg.ID, r.owner, r.now(), r.leaseTimeout); err != nil {
		switch {
		case errors.Is(err, repo.ErrLeaseLost):
			r.log.Warnw("outbox lease expired before dispatch, skipping",
				"outbox_id", msg.ID,
				"aggregate_id", msg.AggregateID,
				"destination", msg.Destination)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("renew lease %d: %w", msg.ID, err)
		}
	}

	start := time.Now()
	err := r.dispatch(ctx, msg)
	elapsed := time.Since(start)

	// shutdown mid-dispatch: leave the row leased, it is re-claimed after expiry
	if err != nil && ctx.Err() != nil && !sink.IsPermanent(err) {
		r.log.Infow("dispatch interrupted by shutdown", "outbox_id", msg.ID)
		return nil
	}

	markCtx := context.WithoutCancel(ctx)
	fields := []interface{}{
		"outbox_id", msg.ID,
		"aggregate_id", msg.AggregateID,
		"destination", msg.Destination,
		"operation", msg.Operation,
	}

	if err == nil {
		r.metrics.observe(msg.Destination, "dispatched", elapsed)
		if ok, markErr := r.mark(r.store.MarkDispatched(markCtx, msg.ID, r.owner, r.now()), msg, fields...); !ok {
			return markErr
		}
		r.metrics.incDispatched(msg.Destination)
		r.log.Debugw("outbox message dispatched", fields...)
		return nil
	}

	decision := r.policy.Decide(msg.AttemptCount+1, err, r.now())
	lastErr := sink.Truncate(err.Error(), lastErrorLimit)
	fields = append(fields,
		"attempt_count", decision.Attempts,
		"class", decision.Class.String(),
		"timeout", sink.IsTimeout(err),
		"error", err)

	if decision.DeadLetter {
		r.metrics.observe(msg.Destination, "dead_lettered", elapsed)
		if ok, markErr := r.mark(r.store.MarkFailed(markCtx, msg.ID, r.owner, decision.Attempts, lastErr), msg, fields...); !ok {
			return markErr
		}
		r.metrics.incDeadLettered(msg.Destination, decision.Class)
		r.log.Errorw("outbox message dead-lettered", fields...)
		return nil
	}

	r.metrics.observe(msg.Destination, "retried", elapsed)
	if ok, markErr := r.mark(r.store.MarkRetry(markCtx, msg.ID, r.owner, decision.Attempts, decision.NextAttemptAt, lastErr), msg, fields...); !ok {
		return markErr
	}
	r.metrics.incRetried(msg.Destination)
	r.log.Warnw("outbox dispatch failed, retry scheduled",
		append(fields, "next_attempt_at", decision.NextAttemptAt)...)
	return nil
}

func (r *Relay) dispatch(ctx context.Context, msg model.OutboxMessage) error {
	d, ok := r.dispatchers[msg.Destination]
	if !ok {
		return sink.Permanent(fmt.Errorf("%w %q", sink.ErrUnknownDestination, msg.Destination))
	}
	dctx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()
	return d.Dispatch(dctx, msg)
}

// mark reports whether the completion write landed. Losing the lease is not
// a batch error: another relay owns the row now and will finish it.
func (r *Relay) mark(err error, msg model.OutboxMessage, fields ...interface{}) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrLeaseLost):
		r.log.Warnw("outbox lease lost before completion", fields...)
		return false, nil
	default:
		return false, fmt.Errorf("complete outbox %d: %w", msg.ID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d, window time.Duration) time.Duration {
	if d <= 0 || window <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(window)))
}

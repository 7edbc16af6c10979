package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/permissions-service/internal/model"
)

// ErrLeaseLost means the row was re-claimed by another relay after our lease ran out.
var ErrLeaseLost = errors.New("outbox lease lost")

// OutboxStore is the narrow surface over outbox_message.
type OutboxStore interface {
	AppendOutbox(ctx context.Context, tx *gorm.DB, msgs []model.OutboxMessage) error
	ClaimBatch(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]model.OutboxMessage, error)
	RenewLease(ctx context.Context, id uint64, owner string, now time.Time, lease time.Duration) error
	MarkDispatched(ctx context.Context, id uint64, owner string, now time.Time) error
	MarkRetry(ctx context.Context, id uint64, owner string, attempts int, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uint64, owner string, attempts int, lastErr string) error
	ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	Requeue(ctx context.Context, id uint64, now time.Time) (bool, error)
	PurgeDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AppendOutbox writes messages. tx must be the transaction of the change they describe.
func (r *Repository) AppendOutbox(ctx context.Context, tx *gorm.DB, msgs []model.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(msgs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&msgs).Error
}

// olderPending excludes a row while an earlier row for the same aggregate and
// destination is still pending, leased or not.
const olderPending = `NOT EXISTS (
	SELECT 1 FROM outbox_message AS prior
	WHERE prior.aggregate_id = outbox_message.aggregate_id
	  AND prior.destination = outbox_message.destination
	  AND prior.status = ?
	  AND prior.id < outbox_message.id)`

// ClaimBatch leases up to limit eligible rows to owner, oldest first. Rows are
// selected FOR UPDATE SKIP LOCKED so concurrent relays never claim the same row.
func (r *Repository) ClaimBatch(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]model.OutboxMessage, error) {
	var claimed []model.OutboxMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.OutboxMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_eligible_at <= ?", model.OutboxPending, now).
			Where("(lease_until IS NULL OR lease_until <= ?)", now).
			Where(olderPending, model.OutboxPending).
			Order("created_at asc").
			Order("id asc").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		until := now.Add(lease)
		if err := tx.Model(&model.OutboxMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"lease_until": until, "claimed_by": owner}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].LeaseUntil = &until
			rows[i].ClaimedBy = &owner
		}
		claimed = rows
		return nil
	})
	return claimed, err
}

// RenewLease extends owner's lease on a pending row to now+lease. It returns
// ErrLeaseLost once the lease has run out, even if no one re-claimed the row yet.
func (r *Repository) RenewLease(ctx context.Context, id uint64, owner string, now time.Time, lease time.Duration) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ? AND claimed_by = ? AND status = ? AND lease_until > ?", id, owner, model.OutboxPending, now).
		Update("lease_until", now.Add(lease))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkDispatched sets dispatched status.
func (r *Repository) MarkDispatched(ctx context.Context, id uint64, owner string, now time.Time) error {
	return r.complete(ctx, id, owner, map[string]interface{}{
		"status":        model.OutboxDispatched,
		"dispatched_at": now,
	})
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *Repository) MarkRetry(ctx context.Context, id uint64, owner string, attempts int, nextAt time.Time, lastErr string) error {
	return r.complete(ctx, id, owner, map[string]interface{}{
		"status":           model.OutboxPending,
		"attempt_count":    attempts,
		"next_eligible_at": nextAt,
		"last_error":       lastErr,
	})
}

// MarkFailed dead-letters the row; it is never claimed again.
func (r *Repository) MarkFailed(ctx context.Context, id uint64, owner string, attempts int, lastErr string) error {
	return r.complete(ctx, id, owner, map[string]interface{}{
		"status":        model.OutboxFailed,
		"attempt_count": attempts,
		"last_error":    lastErr,
	})
}

func (r *Repository) complete(ctx context.Context, id uint64, owner string, updates map[string]interface{}) error {
	updates["lease_until"] = nil
	updates["claimed_by"] = nil
	res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ? AND claimed_by = ? AND status = ?", id, owner, model.OutboxPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ListFailed returns dead-lettered rows, newest first.
func (r *Repository) ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxFailed).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Requeue moves a dead-lettered row back to pending with a fresh retry budget.
// It reports false when id is not a failed row.
func (r *Repository) Requeue(ctx context.Context, id uint64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxFailed).
		Updates(map[string]interface{}{
			"status":           model.OutboxPending,
			"attempt_count":    0,
			"next_eligible_at": now,
			"lease_until":      nil,
			"claimed_by":       nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PurgeDispatchedBefore deletes dispatched rows older than cutoff.
func (r *Repository) PurgeDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND dispatched_at < ?", model.OutboxDispatched, cutoff).
		Delete(&model.OutboxMessage{})
	return res.RowsAffected, res.Error
}

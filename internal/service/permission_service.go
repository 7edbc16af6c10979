package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/permissions-service/internal/domain"
	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/repo"
)

// Operation selects what a Command does to the aggregate.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Command is one write request. Create and modify carry all four fields;
// delete only needs ID.
type Command struct {
	Operation        Operation
	ID               uint64
	Forename         string
	Surname          string
	PermissionTypeID uint64
	Date             time.Time
}

// State is a step of the command lifecycle.
type State string

const (
	StateStarted             State = "started"
	StateReferencesValidated State = "references_validated"
	StateMutated             State = "mutated"
	StatePersisted           State = "persisted"
	StateCommitted           State = "committed"
	StateAborted             State = "aborted"
)

// PermissionService is the write-path orchestrator plus the read path that
// shares its store. Writes touch only the primary store: the aggregate row and
// its outbox rows commit together, and sinks are fed later by the relay.
type PermissionService struct {
	repo    repo.Gateway
	outbox  repo.OutboxStore
	mutator *domain.Mutator
	log     *zap.SugaredLogger
	now     func() time.Time

	// second cache delete after commit; zero disables it
	invalidateDelay time.Duration
}

const defaultInvalidateDelay = 500 * time.Millisecond

// NewPermissionService returns PermissionService.
func NewPermissionService(r repo.Gateway, outbox repo.OutboxStore, m *domain.Mutator, logger *zap.SugaredLogger) *PermissionService {
	if m == nil {
		m = domain.NewMutator()
	}
	return &PermissionService{
		repo:    r,
		outbox:  outbox,
		mutator: m,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },

		invalidateDelay: defaultInvalidateDelay,
	}
}

// Execute runs cmd in one transaction. Errors before commit are returned as
// they occurred; a concurrent-writer abort comes back as *domain.ConflictError.
// Cancelling ctx after commit has been issued does not undo the write.
func (s *PermissionService) Execute(ctx context.Context, cmd Command) (*model.PermissionSnapshot, error) {
	tr := s.newTrace(cmd)
	var snap model.PermissionSnapshot
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch cmd.Operation {
		case OpCreate:
			snap, err = s.create(ctx, tx, cmd, tr)
		case OpModify:
			snap, err = s.modify(ctx, tx, cmd, tr)
		case OpDelete:
			snap, err = s.remove(ctx, tx, cmd, tr)
		default:
			err = &domain.ValidationError{Fields: map[string]string{"operation": fmt.Sprintf("%q is not supported", cmd.Operation)}}
		}
		return err
	})
	if err != nil {
		if repo.IsConflict(err) {
			err = &domain.ConflictError{ID: cmd.ID, Err: err}
		}
		tr.abort(err)
		return nil, err
	}
	tr.commit(snap.ID)

	if cmd.Operation != OpCreate {
		s.invalidate(context.WithoutCancel(ctx), snap.ID)
	}
	return &snap, nil
}

// invalidate drops the cached snapshot now and again after invalidateDelay. A
// GetPermission that missed the cache and read the row before commit can
// refill the key between the two deletes.
func (s *PermissionService) invalidate(ctx context.Context, id uint64) {
	if err := s.repo.InvalidatePermission(ctx, id); err != nil {
		s.log.Warnw("cache invalidation failed", "permission_id", id, "error", err)
	}
	if s.invalidateDelay <= 0 {
		return
	}
	time.AfterFunc(s.invalidateDelay, func() {
		if err := s.repo.InvalidatePermission(ctx, id); err != nil {
			s.log.Warnw("delayed cache invalidation failed", "permission_id", id, "error", err)
		}
	})
}

// RequestPermission creates a permission.
func (s *PermissionService) RequestPermission(ctx context.Context, forename, surname string, typeID uint64, date time.Time) (*model.PermissionSnapshot, error) {
	return s.Execute(ctx, Command{Operation: OpCreate, Forename: forename, Surname: surname, PermissionTypeID: typeID, Date: date})
}

// ModifyPermission replaces all mutable fields of permission id.
func (s *PermissionService) ModifyPermission(ctx context.Context, id uint64, forename, surname string, typeID uint64, date time.Time) (*model.PermissionSnapshot, error) {
	return s.Execute(ctx, Command{Operation: OpModify, ID: id, Forename: forename, Surname: surname, PermissionTypeID: typeID, Date: date})
}

// DeletePermission removes permission id and returns its last state.
func (s *PermissionService) DeletePermission(ctx context.Context, id uint64) (*model.PermissionSnapshot, error) {
	return s.Execute(ctx, Command{Operation: OpDelete, ID: id})
}

func (s *PermissionService) create(ctx context.Context, tx *gorm.DB, cmd Command, tr *trace) (model.PermissionSnapshot, error) {
	pt, err := s.lookupType(ctx, tx, cmd.PermissionTypeID)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StateReferencesValidated)

	p, err := s.mutator.Create(cmd.Forename, cmd.Surname, cmd.PermissionTypeID, cmd.Date)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StateMutated)

	if err := s.repo.CreatePermission(ctx, tx, p); err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StatePersisted)

	snap := model.NewSnapshot(*p, pt)
	return snap, s.appendOutbox(ctx, tx, model.OperationCreated, p.CreatedAt, snap)
}

func (s *PermissionService) modify(ctx context.Context, tx *gorm.DB, cmd Command, tr *trace) (model.PermissionSnapshot, error) {
	existing, err := s.lockPermission(ctx, tx, cmd.ID)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	pt, err := s.lookupType(ctx, tx, cmd.PermissionTypeID)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StateReferencesValidated)

	updated, err := s.mutator.Apply(*existing, cmd.Forename, cmd.Surname, cmd.PermissionTypeID, cmd.Date)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StateMutated)

	if err := s.repo.UpdatePermission(ctx, tx, updated, existing.Version); err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StatePersisted)

	snap := model.NewSnapshot(*updated, pt)
	return snap, s.appendOutbox(ctx, tx, model.OperationModified, *updated.UpdatedAt, snap)
}

func (s *PermissionService) remove(ctx context.Context, tx *gorm.DB, cmd Command, tr *trace) (model.PermissionSnapshot, error) {
	existing, err := s.lockPermission(ctx, tx, cmd.ID)
	if err != nil {
		return model.PermissionSnapshot{}, err
	}
	// the type only feeds the pre-image description; a missing row is tolerated
	pt, err := s.repo.GetPermissionType(ctx, tx, existing.PermissionTypeID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StateReferencesValidated)
	tr.to(StateMutated)

	if err := s.repo.DeletePermission(ctx, tx, existing.ID, existing.Version); err != nil {
		return model.PermissionSnapshot{}, err
	}
	tr.to(StatePersisted)

	snap := model.NewSnapshot(*existing, pt)
	return snap, s.appendOutbox(ctx, tx, model.OperationDeleted, s.now(), snap)
}

func (s *PermissionService) lockPermission(ctx context.Context, tx *gorm.DB, id uint64) (*model.Permission, error) {
	p, err := s.repo.GetPermissionForUpdate(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.PermissionNotFound(id)
	}
	return p, err
}

// lookupType resolves the type reference. A zero id is left for the mutator
// to reject as a validation error.
func (s *PermissionService) lookupType(ctx context.Context, tx *gorm.DB, id uint64) (*model.PermissionType, error) {
	if id == 0 {
		return nil, nil
	}
	pt, err := s.repo.GetPermissionType(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.TypeNotFound(id)
	}
	return pt, err
}

// appendOutbox writes one row per destination in the caller's transaction.
func (s *PermissionService) appendOutbox(ctx context.Context, tx *gorm.DB, op model.EventOperation, occurredAt time.Time, snap model.PermissionSnapshot) error {
	payload, err := json.Marshal(model.OutboxPayload{
		Operation:  op,
		OccurredAt: occurredAt.UTC(),
		Snapshot:   snap,
	})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	now := s.now()
	msgs := make([]model.OutboxMessage, 0, len(model.Destinations))
	for _, dest := range model.Destinations {
		msgs = append(msgs, model.OutboxMessage{
			AggregateID:    snap.ID,
			Destination:    dest,
			Operation:      op,
			Payload:        string(payload),
			Status:         model.OutboxPending,
			NextEligibleAt: now,
			CreatedAt:      now,
		})
	}
	return s.outbox.AppendOutbox(ctx, tx, msgs)
}

// GetPermission reads one permission, cache first.
func (s *PermissionService) GetPermission(ctx context.Context, id uint64) (*model.PermissionSnapshot, error) {
	cached, err := s.repo.GetCachedPermission(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warnw("cache read failed", "permission_id", id, "error", err)
	}

	p, err := s.repo.GetPermission(ctx, nil, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.PermissionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot(*p, nil)
	if err := s.repo.CachePermission(ctx, snap); err != nil {
		s.log.Warnw("cache write failed", "permission_id", id, "error", err)
	}
	return &snap, nil
}

// ListPermissions returns the permissions matching f.
func (s *PermissionService) ListPermissions(ctx context.Context, f model.PermissionFilter) ([]model.PermissionSnapshot, error) {
	ps, err := s.repo.ListPermissions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]model.PermissionSnapshot, 0, len(ps))
	for _, p := range ps {
		out = append(out, model.NewSnapshot(p, nil))
	}
	return out, nil
}

// ListPermissionTypes returns the reference data.
func (s *PermissionService) ListPermissionTypes(ctx context.Context) ([]model.PermissionType, error) {
	return s.repo.ListPermissionTypes(ctx)
}

// ListFailedOutbox returns dead-lettered outbox rows, newest first.
func (s *PermissionService) ListFailedOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	return s.outbox.ListFailed(ctx, limit)
}

// RequeueOutbox gives a dead-lettered row a fresh retry budget.
func (s *PermissionService) RequeueOutbox(ctx context.Context, id uint64) error {
	ok, err := s.outbox.Requeue(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return &domain.NotFoundError{Resource: domain.ResourceOutboxMessage, ID: id}
	}
	s.log.Infow("outbox message requeued", "outbox_id", id)
	return nil
}

// trace logs the lifecycle of one command.
type trace struct {
	log   *zap.SugaredLogger
	state State
}

func (s *PermissionService) newTrace(cmd Command) *trace {
	t := &trace{
		log: s.log.With("operation", cmd.Operation, "permission_id", cmd.ID),
	}
	t.to(StateStarted)
	return t
}

func (t *trace) to(st State) {
	t.state = st
	t.log.Debugw("command state", "state", st)
}

func (t *trace) abort(err error) {
	from := t.state
	t.state = StateAborted
	t.log.Infow("command aborted", "from", from, "error", err)
}

func (t *trace) commit(id uint64) {
	t.state = StateCommitted
	t.log.Infow("command committed", "assigned_id", id)
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/richardliu001/permissions-service/internal/logger"
	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/repo"
	"github.com/richardliu001/permissions-service/internal/sink"
)

var t0 = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.Migrate(db))
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seed(t *testing.T, store *repo.Repository, db *gorm.DB, msgs ...model.OutboxMessage) []model.OutboxMessage {
	t.Helper()
	for i := range msgs {
		if msgs[i].Payload == "" {
			msgs[i].Payload = `{}`
		}
		msgs[i].Status = model.OutboxPending
		msgs[i].NextEligibleAt = msgs[i].CreatedAt
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return store.AppendOutbox(context.Background(), tx, msgs)
	}))
	return msgs
}

func reload(t *testing.T, db *gorm.DB, id uint64) model.OutboxMessage {
	t.Helper()
	var m model.OutboxMessage
	require.NoError(t, db.First(&m, id).Error)
	return m
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(msg model.OutboxMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%d:%s:%s", msg.AggregateID, msg.Destination, msg.Operation))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func ok(rec *recorder) sink.Dispatcher {
	return sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
		rec.add(msg)
		return nil
	})
}

func newRelay(store Store, dispatchers map[model.Destination]sink.Dispatcher, p Policy, m *Metrics, c *clock) *Relay {
	return New(store, dispatchers, p, m, logger.NewNop(), Options{
		Owner:           "relay-test",
		BatchSize:       10,
		Workers:         4,
		LeaseTimeout:    time.Minute,
		DispatchTimeout: 50 * time.Millisecond,
		Now:             c.Now,
	})
}

func TestProcessBatch_SearchSucceedsEventTimesOut(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	msgs := seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationEventStream, Operation: model.OperationCreated, CreatedAt: t0},
	)

	rec := &recorder{}
	timesOut := sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
		<-ctx.Done()
		return sink.Transient(ctx.Err())
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := &clock{now: t0}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{
		model.DestinationSearchIndex: ok(rec),
		model.DestinationEventStream: timesOut,
	}, noJitter(3), metrics, c)

	n, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	search := reload(t, db, msgs[0].ID)
	assert.Equal(t, model.OutboxDispatched, search.Status)
	require.NotNil(t, search.DispatchedAt)
	assert.Nil(t, search.ClaimedBy)

	event := reload(t, db, msgs[1].ID)
	assert.Equal(t, model.OutboxPending, event.Status)
	assert.Equal(t, 1, event.AttemptCount)
	assert.True(t, event.NextEligibleAt.After(t0))
	require.NotNil(t, event.LastError)
	assert.Contains(t, *event.LastError, "deadline exceeded")
	assert.Nil(t, event.LeaseUntil)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("search-index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retried.WithLabelValues("event-stream")))
}

func TestProcessBatch_DeadLetterAfterMaxRetries(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	msgs := seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationEventStream, Operation: model.OperationCreated, CreatedAt: t0},
	)

	var calls int
	failing := sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
		calls++
		return sink.Transient(errors.New("broker unreachable"))
	})
	c := &clock{now: t0}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{
		model.DestinationEventStream: failing,
	}, noJitter(2), nil, c)

	for i := 0; i < 6; i++ {
		_, err := r.ProcessBatch(context.Background())
		require.NoError(t, err)
		c.Advance(time.Hour)
	}

	assert.Equal(t, 3, calls)
	row := reload(t, db, msgs[0].ID)
	assert.Equal(t, model.OutboxFailed, row.Status)
	assert.Equal(t, 3, row.AttemptCount)

	n, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatch_PermanentErrorSkipsRetries(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	msgs := seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationModified, CreatedAt: t0.Add(time.Second)},
	)

	rec := &recorder{}
	rejectCreated := sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
		if msg.Operation == model.OperationCreated {
			return sink.Permanent(errors.New("mapper_parsing_exception"))
		}
		rec.add(msg)
		return nil
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := &clock{now: t0.Add(time.Second)}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{
		model.DestinationSearchIndex: rejectCreated,
	}, noJitter(5), metrics, c)

	_, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	failed := reload(t, db, msgs[0].ID)
	assert.Equal(t, model.OutboxFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deadLettered.WithLabelValues("search-index", "permanent")))

	// the dead-lettered predecessor no longer blocks its successor
	_, err = r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1:search-index:modified"}, rec.list())
	assert.Equal(t, model.OutboxDispatched, reload(t, db, msgs[1].ID).Status)
}

func TestProcessBatch_PerAggregateOrder(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 2, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0.Add(time.Millisecond)},
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationModified, CreatedAt: t0.Add(time.Second)},
		model.OutboxMessage{AggregateID: 2, Destination: model.DestinationSearchIndex, Operation: model.OperationModified, CreatedAt: t0.Add(2 * time.Second)},
	)

	rec := &recorder{}
	var mu sync.Mutex
	failedOnce := false
	flaky := sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
		mu.Lock()
		if msg.AggregateID == 1 && msg.Operation == model.OperationCreated && !failedOnce {
			failedOnce = true
			mu.Unlock()
			return sink.Transient(errors.New("index unavailable"))
		}
		mu.Unlock()
		rec.add(msg)
		return nil
	})
	c := &clock{now: t0.Add(2 * time.Second)}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{
		model.DestinationSearchIndex: flaky,
	}, noJitter(5), nil, c)

	for i := 0; i < 4; i++ {
		_, err := r.ProcessBatch(context.Background())
		require.NoError(t, err)
		c.Advance(time.Minute)
	}

	calls := rec.list()
	assert.ElementsMatch(t, []string{
		"1:search-index:created",
		"1:search-index:modified",
		"2:search-index:created",
		"2:search-index:modified",
	}, calls)
	indexOf := func(s string) int {
		for i, c := range calls {
			if c == s {
				return i
			}
		}
		return -1
	}
	assert.Less(t, indexOf("1:search-index:created"), indexOf("1:search-index:modified"))
	assert.Less(t, indexOf("2:search-index:created"), indexOf("2:search-index:modified"))
}

func TestProcessBatch_UnknownDestinationDeadLetters(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	msgs := seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationEventStream, Operation: model.OperationCreated, CreatedAt: t0},
	)
	c := &clock{now: t0}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{}, noJitter(5), nil, c)

	_, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	row := reload(t, db, msgs[0].ID)
	assert.Equal(t, model.OutboxFailed, row.Status)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, sink.ErrUnknownDestination.Error())
}

// stubStore hands out fixed rows and records completion calls.
type stubStore struct {
	mu       sync.Mutex
	rows     []model.OutboxMessage
	markErr  error
	marked   []string
	claimErr error
	renewErr error
}

func (s *stubStore) ClaimBatch(ctx context.Context, owner string, limit int, now time.Time, lease time.Duration) ([]model.OutboxMessage, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	rows := s.rows
	s.rows = nil
	return rows, nil
}

func (s *stubStore) RenewLease(ctx context.Context, id uint64, owner string, now time.Time, lease time.Duration) error {
	return s.renewErr
}

func (s *stubStore) record(kind string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, fmt.Sprintf("%s:%d", kind, id))
	return s.markErr
}

func (s *stubStore) MarkDispatched(ctx context.Context, id uint64, owner string, now time.Time) error {
	return s.record("dispatched", id)
}

func (s *stubStore) MarkRetry(ctx context.Context, id uint64, owner string, attempts int, nextAt time.Time, lastErr string) error {
	return s.record("retry", id)
}

func (s *stubStore) MarkFailed(ctx context.Context, id uint64, owner string, attempts int, lastErr string) error {
	return s.record("failed", id)
}

func TestProcessBatch_LeaseLostIsNotABatchError(t *testing.T) {
	store := &stubStore{
		rows:    []model.OutboxMessage{{ID: 1, AggregateID: 1, Destination: model.DestinationSearchIndex}},
		markErr: repo.ErrLeaseLost,
	}
	rec := &recorder{}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{model.DestinationSearchIndex: ok(rec)}, noJitter(3), nil, &clock{now: t0})

	n, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dispatched:1"}, store.marked)
}

func TestProcessBatch_SkipsRowWhenRenewalFails(t *testing.T) {
	store := &stubStore{
		rows:     []model.OutboxMessage{{ID: 1, AggregateID: 1, Destination: model.DestinationSearchIndex}},
		renewErr: repo.ErrLeaseLost,
	}
	rec := &recorder{}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{model.DestinationSearchIndex: ok(rec)}, noJitter(3), nil, &clock{now: t0})

	n, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, rec.list(), "a row whose lease ran out is not dispatched")
	assert.Empty(t, store.marked)

	store.rows = []model.OutboxMessage{{ID: 2, AggregateID: 1, Destination: model.DestinationSearchIndex}}
	store.renewErr = errors.New("connection reset")
	_, err = r.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "renew lease 2")
	assert.Empty(t, rec.list())
}

// stallingStore runs onFirstMark once the first completion lands, holding the
// rest of the batch back the way a slow sink and a full worker queue do.
type stallingStore struct {
	*repo.Repository
	once        sync.Once
	onFirstMark func()
}

func (s *stallingStore) MarkDispatched(ctx context.Context, id uint64, owner string, now time.Time) error {
	err := s.Repository.MarkDispatched(ctx, id, owner, now)
	s.once.Do(s.onFirstMark)
	return err
}

func TestProcessBatch_ExpiredLeaseNotDispatchedTwice(t *testing.T) {
	db := newTestDB(t)
	store := repo.NewRepository(db, nil, 0, logger.NewNop())
	msgs := seed(t, store, db,
		model.OutboxMessage{AggregateID: 1, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 2, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 3, Destination: model.DestinationSearchIndex, Operation: model.OperationCreated, CreatedAt: t0},
		model.OutboxMessage{AggregateID: 2, Destination: model.DestinationSearchIndex, Operation: model.OperationModified, CreatedAt: t0.Add(time.Second)},
	)

	c := &clock{now: t0}
	var (
		mu      sync.Mutex
		seen    []string
		byOwner = map[string][]uint64{}
	)
	sinkFor := func(owner string) map[model.Destination]sink.Dispatcher {
		return map[model.Destination]sink.Dispatcher{
			model.DestinationSearchIndex: sink.DispatcherFunc(func(ctx context.Context, msg model.OutboxMessage) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, fmt.Sprintf("%s:%d:%s", owner, msg.AggregateID, msg.Operation))
				byOwner[owner] = append(byOwner[owner], msg.ID)
				return nil
			}),
		}
	}
	opts := func(owner string) Options {
		return Options{Owner: owner, BatchSize: 10, Workers: 1, LeaseTimeout: time.Minute, DispatchTimeout: 50 * time.Millisecond, Now: c.Now}
	}

	relayB := New(store, sinkFor("B"), noJitter(3), nil, logger.NewNop(), opts("B"))
	stalled := &stallingStore{Repository: store}
	stalled.onFirstMark = func() {
		c.Advance(2 * time.Minute)
		for i := 0; i < 2; i++ {
			_, err := relayB.ProcessBatch(context.Background())
			assert.NoError(t, err)
		}
	}
	relayA := New(stalled, sinkFor("A"), noJitter(3), nil, logger.NewNop(), opts("A"))

	n, err := relayA.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []uint64{msgs[0].ID}, byOwner["A"], "rows whose lease expired in the queue are left to the new owner")
	assert.ElementsMatch(t, []uint64{msgs[1].ID, msgs[2].ID, msgs[3].ID}, byOwner["B"])
	assert.Equal(t, []string{"A:1:created", "B:2:created", "B:3:created", "B:2:modified"}, seen)
	for _, m := range msgs {
		assert.Equal(t, model.OutboxDispatched, reload(t, db, m.ID).Status)
	}
}

func TestProcessBatch_StoreErrorsSurface(t *testing.T) {
	store := &stubStore{
		rows:    []model.OutboxMessage{{ID: 1, AggregateID: 1, Destination: model.DestinationSearchIndex}},
		markErr: errors.New("connection reset"),
	}
	r := newRelay(store, map[model.Destination]sink.Dispatcher{model.DestinationSearchIndex: ok(&recorder{})}, noJitter(3), nil, &clock{now: t0})

	_, err := r.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "complete outbox 1")

	_, err = newRelay(&stubStore{claimErr: errors.New("db down")}, nil, noJitter(3), nil, &clock{now: t0}).
		ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "claim batch")
}

func TestProcessBatch_ShutdownLeavesLease(t *testing.T) {
	store := &stubStore{
		rows: []model.OutboxMessage{{ID: 1, AggregateID: 1, Destination: model.DestinationEventStream}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	blocking := sink.DispatcherFunc(func(dctx context.Context, msg model.OutboxMessage) error {
		cancel()
		<-dctx.Done()
		return sink.Transient(dctx.Err())
	})
	r := newRelay(store, map[model.Destination]sink.Dispatcher{model.DestinationEventStream: blocking}, noJitter(3), nil, &clock{now: t0})

	_, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, store.marked)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newRelay(&stubStore{}, nil, noJitter(3), nil, &clock{now: t0})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGroupByAggregate_KeepsClaimOrder(t *testing.T) {
	groups := groupByAggregate([]model.OutboxMessage{
		{ID: 1, AggregateID: 7},
		{ID: 2, AggregateID: 9},
		{ID: 3, AggregateID: 7},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, uint64(1), groups[0][0].ID)
	assert.Equal(t, uint64(3), groups[0][1].ID)
	assert.Equal(t, uint64(2), groups[1][0].ID)
}

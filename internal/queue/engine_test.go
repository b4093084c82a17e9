package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"queueless/internal/models"
	"queueless/internal/store"
	"queueless/internal/store/sqlite"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []int64
}

func (n *recordingNotifier) QueueChanged(queueID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, queueID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changed)
}

type fixture struct {
	svc      *Service
	store    *sqlite.Store
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clock := &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	svc := NewService(st, Options{Clock: clock, Notifier: notifier, Logger: logger})
	return fixture{svc: svc, store: st, clock: clock, notifier: notifier}
}

func (f fixture) createQueue(t *testing.T, averageMinutes, maxWait int) models.Queue {
	t.Helper()
	ctx := context.Background()
	location, err := f.svc.CreateLocation(ctx, LocationInput{Name: "Front desk"})
	require.NoError(t, err)
	queue, err := f.svc.CreateQueue(ctx, testOwner, QueueInput{
		Name:                      "Counter",
		AverageServiceTimeMinutes: averageMinutes,
		MaxWaitMinutes:            maxWait,
		IsOpen:                    true,
		LocationID:                location.LocationID,
	})
	require.NoError(t, err)
	return queue
}

func (f fixture) join(t *testing.T, queueID int64, name string) models.QueueEntry {
	t.Helper()
	entry, err := f.svc.Join(context.Background(), queueID, name)
	require.NoError(t, err)
	return entry
}

// insertWaiting adds an entry without running promotion.
func (f fixture) insertWaiting(t *testing.T, queueID int64, name string, joinedAt time.Time) models.QueueEntry {
	t.Helper()
	ctx := context.Background()
	var entry models.QueueEntry
	err := f.store.InQueueTx(ctx, queueID, func(tx store.QueueTx) error {
		var err error
		entry, err = tx.InsertEntry(ctx, name, joinedAt)
		return err
	})
	require.NoError(t, err)
	return entry
}

func (f fixture) status(t *testing.T, entryID int64) models.Status {
	t.Helper()
	entry, err := f.store.GetEntry(context.Background(), entryID)
	require.NoError(t, err)
	return entry.Status
}

func (f fixture) servingCount(t *testing.T, queueID int64) int {
	t.Helper()
	_, serving, err := f.store.Snapshot(context.Background(), queueID, []models.Status{models.StatusServing})
	require.NoError(t, err)
	return len(serving)
}

func TestJoinThenPositionWhenAlone(t *testing.T) {
	f := newFixture(t)
	queue := f.createQueue(t, 10, 0)

	entry := f.join(t, queue.QueueID, "  Ada  ")
	assert.Equal(t, "Ada", entry.ClientName)
	assert.Equal(t, models.StatusServing, entry.Status)
	assert.True(t, entry.JoinedAt.Equal(f.clock.Now()))

	pos, err := f.svc.Position(context.Background(), queue.QueueID, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, Position{Position: 1, Ahead: 0, Estimated: 0}, pos)
	assert.Equal(t, 1, f.notifier.count())
}

func TestServeNextScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 10, 0)

	a := f.join(t, queue.QueueID, "A")
	f.clock.Add(time.Minute)
	b := f.join(t, queue.QueueID, "B")

	assert.Equal(t, models.StatusServing, f.status(t, a.EntryID))
	assert.Equal(t, models.StatusWaiting, f.status(t, b.EntryID))

	pos, err := f.svc.Position(ctx, queue.QueueID, b.EntryID)
	require.NoError(t, err)
	assert.Equal(t, Position{Position: 2, Ahead: 1, Estimated: 10}, pos)

	result, err := f.svc.ServeNext(ctx, queue.QueueID)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.NotNil(t, result.Entry)
	require.NotNil(t, result.Promoted)
	assert.Equal(t, a.EntryID, result.Entry.EntryID)
	assert.Equal(t, b.EntryID, result.Promoted.EntryID)

	assert.Equal(t, models.StatusServed, f.status(t, a.EntryID))
	assert.Equal(t, models.StatusServing, f.status(t, b.EntryID))

	pos, err = f.svc.Position(ctx, queue.QueueID, b.EntryID)
	require.NoError(t, err)
	assert.Equal(t, Position{Position: 1, Ahead: 0, Estimated: 0}, pos)
}

func TestServeNextOnEmptyAndUnknownQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)

	result, err := f.svc.ServeNext(ctx, queue.QueueID)
	require.NoError(t, err)
	assert.False(t, result.Applied)

	result, err = f.svc.ServeNext(ctx, 4040)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Zero(t, f.notifier.count())
}

func TestAdvanceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)
	base := f.clock.Now()
	a := f.insertWaiting(t, queue.QueueID, "A", base)
	b := f.insertWaiting(t, queue.QueueID, "B", base.Add(time.Second))

	promoted, ok, err := f.svc.Advance(ctx, queue.QueueID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.EntryID, promoted.EntryID)

	_, before, err := f.store.Snapshot(ctx, queue.QueueID, nil)
	require.NoError(t, err)

	_, ok, err = f.svc.Advance(ctx, queue.QueueID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, after, err := f.store.Snapshot(ctx, queue.QueueID, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, models.StatusWaiting, f.status(t, b.EntryID))
}

func TestAdvanceUnknownQueue(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Advance(context.Background(), 777)
	assert.ErrorIs(t, err, store.ErrQueueNotFound)
}

func TestConcurrentCallersNeverDoublePromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)
	base := f.clock.Now()
	for i := 0; i < 5; i++ {
		f.insertWaiting(t, queue.QueueID, "client", base.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, _, err := f.svc.Advance(ctx, queue.QueueID); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.svc.Join(ctx, queue.QueueID, "late"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.servingCount(t, queue.QueueID))
}

func TestPositionOrdersByJoinTimeThenID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 4, 0)
	same := f.clock.Now()
	first := f.insertWaiting(t, queue.QueueID, "first", same)
	second := f.insertWaiting(t, queue.QueueID, "second", same)
	earliest := f.insertWaiting(t, queue.QueueID, "earliest", same.Add(-time.Minute))

	want := map[int64]int{earliest.EntryID: 1, first.EntryID: 2, second.EntryID: 3}
	for entryID, position := range want {
		pos, err := f.svc.Position(ctx, queue.QueueID, entryID)
		require.NoError(t, err)
		assert.Equal(t, position, pos.Position)
		assert.Equal(t, position-1, pos.Ahead)
		assert.Equal(t, (position-1)*4, pos.Estimated)
	}

	pos, err := f.svc.Position(ctx, queue.QueueID, 9999)
	require.NoError(t, err)
	assert.Equal(t, Position{}, pos)
}

func TestServeAdvancesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)
	a := f.join(t, queue.QueueID, "A")
	b := f.join(t, queue.QueueID, "B")
	c := f.join(t, queue.QueueID, "C")

	// Serving a waiting entry directly is allowed.
	result, err := f.svc.Serve(ctx, c.EntryID)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Nil(t, result.Promoted)
	assert.Equal(t, models.StatusServed, f.status(t, c.EntryID))
	assert.Equal(t, models.StatusServing, f.status(t, a.EntryID))

	result, err = f.svc.Serve(ctx, a.EntryID)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.NotNil(t, result.Promoted)
	assert.Equal(t, b.EntryID, result.Promoted.EntryID)

	// A second click on the same entry changes nothing.
	result, err = f.svc.Serve(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, models.StatusServing, f.status(t, b.EntryID))
}

func TestSkipOnlyAppliesToWaitingEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)
	a := f.join(t, queue.QueueID, "A")
	b := f.join(t, queue.QueueID, "B")

	result, err := f.svc.Skip(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, models.StatusServing, f.status(t, a.EntryID))

	result, err = f.svc.Skip(ctx, b.EntryID)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.StatusSkipped, f.status(t, b.EntryID))
}

func TestUnknownEntryActionsAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Serve(ctx, 31337)
	require.NoError(t, err)
	assert.Equal(t, ActionResult{}, result)

	result, err = f.svc.Skip(ctx, 31337)
	require.NoError(t, err)
	assert.Equal(t, ActionResult{}, result)

	queueID, err := f.svc.GetQueueIDForEntry(ctx, 31337)
	require.NoError(t, err)
	assert.Zero(t, queueID)
}

func TestGetQueueIDForEntry(t *testing.T) {
	f := newFixture(t)
	queue := f.createQueue(t, 5, 0)
	entry := f.join(t, queue.QueueID, "A")

	queueID, err := f.svc.GetQueueIDForEntry(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueID, queueID)
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)

	for _, name := range []string{"", "   ", strings.Repeat("é", models.ClientNameMaxLength+1)} {
		_, err := f.svc.Join(ctx, queue.QueueID, name)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "name %q", name)
		assert.Contains(t, verr.Fields, "client_name")
	}

	_, err := f.svc.Join(ctx, queue.QueueID, strings.Repeat("é", models.ClientNameMaxLength))
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, 999, "Ada")
	assert.ErrorIs(t, err, store.ErrQueueNotFound)
}

func TestJoinClosedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 0)
	_, err := f.svc.EditQueue(ctx, testOwner, queue.QueueID, QueueInput{
		Name:                      queue.Name,
		AverageServiceTimeMinutes: 5,
		IsOpen:                    false,
	})
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, queue.QueueID, "Ada")
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, entries, err := f.store.Snapshot(ctx, queue.QueueID, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExpireStaleExpiresAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 30)
	start := f.clock.Now()

	a := f.join(t, queue.QueueID, "A")
	f.clock.Add(2 * time.Minute)
	b := f.join(t, queue.QueueID, "B")

	f.clock.Set(start.Add(31 * time.Minute))
	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, models.StatusExpired, f.status(t, a.EntryID))
	assert.Equal(t, models.StatusServing, f.status(t, b.EntryID))

	// Nothing brings an expired entry back.
	result, err := f.svc.Serve(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	result, err = f.svc.Skip(ctx, a.EntryID)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, models.StatusExpired, f.status(t, a.EntryID))
}

func TestExpireStaleBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 5, 30)
	now := f.clock.Now()
	stale := f.insertWaiting(t, queue.QueueID, "stale", now.Add(-31*time.Minute))
	fresh := f.insertWaiting(t, queue.QueueID, "fresh", now.Add(-29*time.Minute))

	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, models.StatusExpired, f.status(t, stale.EntryID))
	assert.Equal(t, models.StatusServing, f.status(t, fresh.EntryID))
}

func TestExpireStaleIgnoresUnlimitedQueues(t *testing.T) {
	f := newFixture(t)
	queue := f.createQueue(t, 5, 0)
	a := f.join(t, queue.QueueID, "A")
	b := f.join(t, queue.QueueID, "B")

	f.clock.Add(30 * 24 * time.Hour)
	expired, err := f.svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, models.StatusServing, f.status(t, a.EntryID))
	assert.Equal(t, models.StatusWaiting, f.status(t, b.EntryID))
}

func TestWaitingStatusProjections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := f.createQueue(t, 6, 0)
	a := f.join(t, queue.QueueID, "A")
	b := f.join(t, queue.QueueID, "B")
	c := f.join(t, queue.QueueID, "C")

	projection, err := f.svc.WaitingStatus(ctx, queue.QueueID, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, numericProjection(StateYourTurn, Position{Position: 1}), projection)

	projection, err = f.svc.WaitingStatus(ctx, queue.QueueID, c.EntryID)
	require.NoError(t, err)
	assert.Equal(t, numericProjection(StateWaiting, Position{Position: 3, Ahead: 2, Estimated: 12}), projection)

	_, err = f.svc.Skip(ctx, b.EntryID)
	require.NoError(t, err)
	projection, err = f.svc.WaitingStatus(ctx, queue.QueueID, b.EntryID)
	require.NoError(t, err)
	raw, err := json.Marshal(projection)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"skipped"}`, string(raw))

	_, err = f.svc.Serve(ctx, a.EntryID)
	require.NoError(t, err)
	projection, err = f.svc.WaitingStatus(ctx, queue.QueueID, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StatusProjection{State: StateServed}, projection)

	projection, err = f.svc.WaitingStatus(ctx, queue.QueueID, 4242)
	require.NoError(t, err)
	assert.Equal(t, StatusProjection{State: StateRemoved}, projection)

	projection, err = f.svc.WaitingStatus(ctx, 4242, a.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StatusProjection{State: StateQueueRemoved}, projection)
}

func TestWaitingStatusEntryOfAnotherQueue(t *testing.T) {
	f := newFixture(t)
	first := f.createQueue(t, 5, 0)
	second := f.createQueue(t, 5, 0)
	entry := f.join(t, first.QueueID, "A")

	projection, err := f.svc.WaitingStatus(context.Background(), second.QueueID, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, projection.State)
}

type conflictingStore struct {
	*sqlite.Store
	failures int
	calls    int
}

func (s *conflictingStore) InQueueTx(ctx context.Context, queueID int64, fn func(tx store.QueueTx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return store.ErrConflict
	}
	return s.Store.InQueueTx(ctx, queueID, fn)
}

func TestConflictsAreRetried(t *testing.T) {
	f := newFixture(t)
	queue := f.createQueue(t, 5, 0)

	flaky := &conflictingStore{Store: f.store, failures: 2}
	svc := NewService(flaky, Options{Clock: f.clock, Logger: f.svc.log})
	entry, err := svc.Join(context.Background(), queue.QueueID, "Ada")
	require.NoError(t, err)
	assert.NotZero(t, entry.EntryID)
	assert.Equal(t, 3, flaky.calls)

	broken := &conflictingStore{Store: f.store, failures: 10}
	svc = NewService(broken, Options{Clock: f.clock, Logger: f.svc.log})
	_, err = svc.Join(context.Background(), queue.QueueID, "Bob")
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, int(defaultMaxAttempts), broken.calls)
}

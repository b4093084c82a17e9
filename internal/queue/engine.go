// Package queue holds the queue-entry state machine, the read projections
// polled by clients and the owner-side administration of queues.
//
// Every read-modify-write runs inside store.QueueStore.InQueueTx, so two
// callers touching the same queue are serialized by the store. Promotion is a
// conditional update: a second Advance that finds an entry already serving
// matches no row and is a no-op.
package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"queueless/internal/models"
	"queueless/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxAttempts = 3

var tracer = otel.Tracer("queueless/internal/queue")

// Clock returns the current instant. Implementations must return UTC.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Notifier is told about every committed change to a queue's entries.
type Notifier interface {
	QueueChanged(queueID int64)
}

type nopNotifier struct{}

func (nopNotifier) QueueChanged(int64) {}

type Options struct {
	Clock    Clock
	Notifier Notifier
	Logger   logrus.FieldLogger
	// MaxAttempts bounds how often a transaction that lost a race is retried.
	MaxAttempts uint
}

type Service struct {
	store       store.QueueStore
	clock       Clock
	notifier    Notifier
	log         logrus.FieldLogger
	maxAttempts uint
}

func NewService(st store.QueueStore, options Options) *Service {
	svc := &Service{
		store:       st,
		clock:       options.Clock,
		notifier:    options.Notifier,
		log:         options.Logger,
		maxAttempts: options.MaxAttempts,
	}
	if svc.clock == nil {
		svc.clock = SystemClock{}
	}
	if svc.notifier == nil {
		svc.notifier = nopNotifier{}
	}
	if svc.log == nil {
		svc.log = logrus.StandardLogger()
	}
	if svc.maxAttempts == 0 {
		svc.maxAttempts = defaultMaxAttempts
	}
	return svc
}

// ActionResult reports what a staff action changed. Applied is false when the
// target was unknown or already past the requested state.
type ActionResult struct {
	Applied  bool               `json:"applied"`
	QueueID  int64              `json:"queue_id,omitempty"`
	Entry    *models.QueueEntry `json:"entry,omitempty"`
	Promoted *models.QueueEntry `json:"promoted,omitempty"`
}

// Join adds a waiting entry to an open queue and promotes it when nobody is
// being served.
func (s *Service) Join(ctx context.Context, queueID int64, clientName string) (entry models.QueueEntry, err error) {
	ctx, span := startSpan(ctx, "queue.Join", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	name, err := validateClientName(clientName)
	if err != nil {
		return models.QueueEntry{}, err
	}
	joinedAt := s.clock.Now().UTC()

	err = s.withQueue(ctx, queueID, func(tx store.QueueTx) error {
		if !tx.Queue().IsOpen {
			return ErrQueueClosed
		}
		inserted, err := tx.InsertEntry(ctx, name, joinedAt)
		if err != nil {
			return err
		}
		entry = inserted
		promoted, ok, err := tx.PromoteNext(ctx)
		if err != nil {
			return err
		}
		if ok && promoted.EntryID == inserted.EntryID {
			entry = promoted
		}
		return nil
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	span.SetAttributes(attribute.Int64("entry.id", entry.EntryID))
	s.notifier.QueueChanged(queueID)
	return entry, nil
}

// Advance promotes the oldest waiting entry when no entry is serving. It is
// safe to call any number of times.
func (s *Service) Advance(ctx context.Context, queueID int64) (promoted models.QueueEntry, ok bool, err error) {
	ctx, span := startSpan(ctx, "queue.Advance", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	err = s.withQueue(ctx, queueID, func(tx store.QueueTx) error {
		var err error
		promoted, ok, err = tx.PromoteNext(ctx)
		return err
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if ok {
		s.notifier.QueueChanged(queueID)
	}
	return promoted, ok, nil
}

// Serve marks a waiting or serving entry as served and advances its queue.
func (s *Service) Serve(ctx context.Context, entryID int64) (result ActionResult, err error) {
	ctx, span := startSpan(ctx, "queue.Serve", attribute.Int64("entry.id", entryID))
	defer func() { endSpan(span, err) }()

	return s.finishEntry(ctx, entryID, models.StatusServed)
}

// Skip marks a waiting entry as skipped and advances its queue.
func (s *Service) Skip(ctx context.Context, entryID int64) (result ActionResult, err error) {
	ctx, span := startSpan(ctx, "queue.Skip", attribute.Int64("entry.id", entryID))
	defer func() { endSpan(span, err) }()

	return s.finishEntry(ctx, entryID, models.StatusSkipped)
}

func (s *Service) finishEntry(ctx context.Context, entryID int64, target models.Status) (ActionResult, error) {
	queueID, err := s.GetQueueIDForEntry(ctx, entryID)
	if err != nil {
		return ActionResult{}, err
	}
	if queueID == 0 {
		return ActionResult{}, nil
	}

	result := ActionResult{QueueID: queueID}
	err = s.withQueue(ctx, queueID, func(tx store.QueueTx) error {
		result = ActionResult{QueueID: queueID}
		updated, ok, err := tx.UpdateStatus(ctx, entryID, store.AllowedFrom(target), target)
		if err != nil {
			return err
		}
		if ok {
			result.Applied = true
			result.Entry = &updated
		}
		promoted, ok, err := tx.PromoteNext(ctx)
		if err != nil {
			return err
		}
		if ok {
			result.Promoted = &promoted
		}
		return nil
	})
	if errors.Is(err, store.ErrQueueNotFound) {
		return ActionResult{}, nil
	}
	if err != nil {
		return ActionResult{}, err
	}
	if result.Applied || result.Promoted != nil {
		s.notifier.QueueChanged(queueID)
	}
	return result, nil
}

// ServeNext marks the serving entry as served and promotes the next waiting
// one in a single transaction. An unknown queue is a no-op.
func (s *Service) ServeNext(ctx context.Context, queueID int64) (result ActionResult, err error) {
	ctx, span := startSpan(ctx, "queue.ServeNext", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	err = s.withQueue(ctx, queueID, func(tx store.QueueTx) error {
		result = ActionResult{QueueID: queueID}
		current, ok, err := tx.CurrentServing(ctx)
		if err != nil {
			return err
		}
		if ok {
			served, ok, err := tx.UpdateStatus(ctx, current.EntryID, []models.Status{models.StatusServing}, models.StatusServed)
			if err != nil {
				return err
			}
			if ok {
				result.Entry = &served
			}
		}
		promoted, ok, err := tx.PromoteNext(ctx)
		if err != nil {
			return err
		}
		if ok {
			result.Promoted = &promoted
		}
		result.Applied = result.Entry != nil || result.Promoted != nil
		return nil
	})
	if errors.Is(err, store.ErrQueueNotFound) {
		return ActionResult{}, nil
	}
	if err != nil {
		return ActionResult{}, err
	}
	if result.Applied {
		s.notifier.QueueChanged(queueID)
	}
	return result, nil
}

// GetQueueIDForEntry returns the queue an entry belongs to, or 0 when the
// entry does not exist.
func (s *Service) GetQueueIDForEntry(ctx context.Context, entryID int64) (int64, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if errors.Is(err, store.ErrEntryNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.QueueID, nil
}

// ExpireStale expires every active entry that outlived its queue's max wait
// and advances each queue that lost an entry. It returns the number of
// entries expired.
func (s *Service) ExpireStale(ctx context.Context) (expiredCount int, err error) {
	ctx, span := startSpan(ctx, "queue.ExpireStale")
	defer func() { endSpan(span, err) }()

	now := s.clock.Now().UTC()
	expired, err := retry(ctx, s.maxAttempts, func() ([]models.QueueEntry, error) {
		return s.store.ExpireStale(ctx, now)
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("entries.expired", len(expired)))

	var errs []error
	for _, queueID := range affectedQueues(expired) {
		s.notifier.QueueChanged(queueID)
		if _, _, err := s.Advance(ctx, queueID); err != nil && !errors.Is(err, store.ErrQueueNotFound) {
			s.log.WithError(err).WithField("queue_id", queueID).Warn("advance after expiry failed")
			errs = append(errs, err)
		}
	}
	return len(expired), errors.Join(errs...)
}

func affectedQueues(entries []models.QueueEntry) []int64 {
	seen := make(map[int64]struct{}, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.QueueID]; ok {
			continue
		}
		seen[entry.QueueID] = struct{}{}
		ids = append(ids, entry.QueueID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Service) withQueue(ctx context.Context, queueID int64, fn func(tx store.QueueTx) error) error {
	_, err := retry(ctx, s.maxAttempts, func() (struct{}, error) {
		return struct{}{}, s.store.InQueueTx(ctx, queueID, fn)
	})
	return err
}

// retry reruns op while it fails with store.ErrConflict.
func retry[T any](ctx context.Context, attempts uint, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		value, err := op()
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(attempts))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

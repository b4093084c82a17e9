package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"queueless/internal/models"
	"queueless/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// HistoryCleanupAll passed as days to CleanupHistory removes every terminal
// entry regardless of age.
const HistoryCleanupAll = -1

type QueueInput struct {
	Name                      string `json:"name"`
	Description               string `json:"description"`
	AverageServiceTimeMinutes int    `json:"average_service_time_minutes"`
	MaxWaitMinutes            int    `json:"max_wait_minutes"`
	IsOpen                    bool   `json:"is_open"`
	LocationID                int64  `json:"location_id"`
}

func (in QueueInput) normalize() QueueInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	return in
}

func (in QueueInput) validate(requireLocation bool) error {
	v := &ValidationError{}
	checkText(v, "name", in.Name, true, models.QueueNameMaxLength)
	checkText(v, "description", in.Description, false, models.QueueDescriptionMaxLength)
	checkRange(v, "average_service_time_minutes", in.AverageServiceTimeMinutes, models.AverageServiceTimeMin, models.AverageServiceTimeMax)
	checkRange(v, "max_wait_minutes", in.MaxWaitMinutes, models.MaxWaitMinutesMin, models.MaxWaitMinutesMax)
	if requireLocation && in.LocationID <= 0 {
		v.add("location_id", "is required")
	}
	return v.errOrNil()
}

type LocationInput struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phone_number"`
}

func (s *Service) CreateQueue(ctx context.Context, ownerID string, input QueueInput) (queue models.Queue, err error) {
	ctx, span := startSpan(ctx, "queue.CreateQueue", attribute.Int64("location.id", input.LocationID))
	defer func() { endSpan(span, err) }()

	input = input.normalize()
	if err := input.validate(true); err != nil {
		return models.Queue{}, err
	}
	queue, err = s.store.CreateQueue(ctx, store.CreateQueueInput{
		Name:                      input.Name,
		Description:               input.Description,
		AverageServiceTimeMinutes: input.AverageServiceTimeMinutes,
		MaxWaitMinutes:            input.MaxWaitMinutes,
		IsOpen:                    input.IsOpen,
		OwnerID:                   ownerID,
		LocationID:                input.LocationID,
		CreatedAt:                 s.clock.Now().UTC(),
	})
	if errors.Is(err, store.ErrLocationNotFound) {
		return models.Queue{}, fieldError("location_id", "location does not exist")
	}
	if err != nil {
		return models.Queue{}, err
	}
	s.log.WithField("queue_id", queue.QueueID).WithField("owner_id", ownerID).Info("queue created")
	return queue, nil
}

// EditQueue rewrites a queue's settings. The location of a queue is fixed at
// creation.
func (s *Service) EditQueue(ctx context.Context, ownerID string, queueID int64, input QueueInput) (queue models.Queue, err error) {
	ctx, span := startSpan(ctx, "queue.EditQueue", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	input = input.normalize()
	if err := input.validate(false); err != nil {
		return models.Queue{}, err
	}
	queue, err = s.store.UpdateQueue(ctx, store.UpdateQueueInput{
		QueueID:                   queueID,
		OwnerID:                   ownerID,
		Name:                      input.Name,
		Description:               input.Description,
		AverageServiceTimeMinutes: input.AverageServiceTimeMinutes,
		MaxWaitMinutes:            input.MaxWaitMinutes,
		IsOpen:                    input.IsOpen,
	})
	if err != nil {
		return models.Queue{}, err
	}
	s.notifier.QueueChanged(queueID)
	return queue, nil
}

// DeleteQueue removes an empty queue. Queues that still hold entries, active
// or historical, are refused with store.ErrQueueHasEntries.
func (s *Service) DeleteQueue(ctx context.Context, ownerID string, queueID int64) (err error) {
	ctx, span := startSpan(ctx, "queue.DeleteQueue", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	if err := s.store.DeleteQueue(ctx, queueID, ownerID); err != nil {
		return err
	}
	s.log.WithField("queue_id", queueID).WithField("owner_id", ownerID).Info("queue deleted")
	s.notifier.QueueChanged(queueID)
	return nil
}

// OwnsQueue reports whether ownerID owns queueID. A missing queue is not an
// error.
func (s *Service) OwnsQueue(ctx context.Context, ownerID string, queueID int64) (bool, error) {
	queue, err := s.store.GetQueue(ctx, queueID)
	if errors.Is(err, store.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return queue.OwnerID == ownerID, nil
}

// CleanupHistory deletes terminal entries of a queue joined more than days
// ago, or all of them for HistoryCleanupAll. Active entries are kept.
func (s *Service) CleanupHistory(ctx context.Context, ownerID string, queueID int64, days int) (removed int64, err error) {
	ctx, span := startSpan(ctx, "queue.CleanupHistory", attribute.Int64("queue.id", queueID), attribute.Int("days", days))
	defer func() { endSpan(span, err) }()

	if days < HistoryCleanupAll {
		return 0, fieldError("days", "must be -1 or a non-negative number of days")
	}
	if err := s.requireOwner(ctx, ownerID, queueID); err != nil {
		return 0, err
	}

	var before time.Time
	if days != HistoryCleanupAll {
		before = s.clock.Now().UTC().AddDate(0, 0, -days)
	}
	removed, err = s.store.DeleteHistory(ctx, queueID, before)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.notifier.QueueChanged(queueID)
	}
	return removed, nil
}

// DeleteHistoryEntry deletes one terminal entry of a queue the owner owns and
// returns that queue's id.
func (s *Service) DeleteHistoryEntry(ctx context.Context, ownerID string, entryID int64) (queueID int64, err error) {
	ctx, span := startSpan(ctx, "queue.DeleteHistoryEntry", attribute.Int64("entry.id", entryID))
	defer func() { endSpan(span, err) }()

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	if err := s.requireOwner(ctx, ownerID, entry.QueueID); err != nil {
		if errors.Is(err, store.ErrQueueNotFound) {
			return 0, store.ErrEntryNotFound
		}
		return 0, err
	}
	queueID, err = s.store.DeleteHistoryEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	s.notifier.QueueChanged(queueID)
	return queueID, nil
}

func (s *Service) requireOwner(ctx context.Context, ownerID string, queueID int64) error {
	owned, err := s.OwnsQueue(ctx, ownerID, queueID)
	if err != nil {
		return err
	}
	if !owned {
		return store.ErrQueueNotFound
	}
	return nil
}

func (s *Service) CreateLocation(ctx context.Context, input LocationInput) (location models.ServiceLocation, err error) {
	ctx, span := startSpan(ctx, "queue.CreateLocation")
	defer func() { endSpan(span, err) }()

	input.Name = strings.TrimSpace(input.Name)
	input.Address = strings.TrimSpace(input.Address)
	input.PhoneNumber = strings.TrimSpace(input.PhoneNumber)

	v := &ValidationError{}
	checkText(v, "name", input.Name, true, models.LocationNameMaxLength)
	checkText(v, "address", input.Address, false, models.LocationAddressMaxLength)
	checkText(v, "phone_number", input.PhoneNumber, false, models.LocationPhoneMaxLength)
	if err := v.errOrNil(); err != nil {
		return models.ServiceLocation{}, err
	}

	return s.store.CreateLocation(ctx, store.CreateLocationInput{
		Name:        input.Name,
		Address:     input.Address,
		PhoneNumber: input.PhoneNumber,
		CreatedAt:   s.clock.Now().UTC(),
	})
}

func (s *Service) ListLocations(ctx context.Context) (locations []models.ServiceLocation, err error) {
	ctx, span := startSpan(ctx, "queue.ListLocations")
	defer func() { endSpan(span, err) }()

	locations, err = s.store.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	if locations == nil {
		locations = []models.ServiceLocation{}
	}
	return locations, nil
}

// PurgeHistory deletes terminal entries of every queue joined before cutoff.
func (s *Service) PurgeHistory(ctx context.Context, before time.Time) (removed int64, err error) {
	ctx, span := startSpan(ctx, "queue.PurgeHistory")
	defer func() { endSpan(span, err) }()

	return s.store.PurgeHistory(ctx, before)
}

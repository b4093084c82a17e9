package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"queueless/internal/models"
	"queueless/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// Position is an entry's place among the active entries of its queue.
type Position struct {
	Position  int `json:"position"`
	Ahead     int `json:"ahead"`
	Estimated int `json:"estimated"`
}

type State string

const (
	StateQueueRemoved State = "queue_removed"
	StateRemoved      State = "removed"
	StateYourTurn     State = "your_turn"
	StateServed       State = "served"
	StateSkipped      State = "skipped"
	StateExpired      State = "expired"
	StateWaiting      State = "waiting"
)

// StatusProjection is the answer to a client polling its entry. The numeric
// fields are set only for StateWaiting and StateYourTurn.
type StatusProjection struct {
	State     State `json:"state"`
	Position  *int  `json:"position,omitempty"`
	Ahead     *int  `json:"ahead,omitempty"`
	Estimated *int  `json:"estimated,omitempty"`
}

type Tab string

const (
	TabWaiting Tab = "waiting"
	TabHistory Tab = "history"
)

// ParseTab falls back to TabWaiting for anything it does not recognise.
func ParseTab(raw string) Tab {
	if Tab(strings.ToLower(strings.TrimSpace(raw))) == TabHistory {
		return TabHistory
	}
	return TabWaiting
}

type WaitingEntry struct {
	models.QueueEntry
	Position int `json:"position"`
}

type QueueDetails struct {
	Queue     models.Queue        `json:"queue"`
	Waiting   []WaitingEntry      `json:"waiting"`
	History   []models.QueueEntry `json:"history"`
	ActiveTab Tab                 `json:"active_tab"`
}

type PublicQueue struct {
	QueueID                   int64  `json:"queue_id"`
	Name                      string `json:"name"`
	Description               string `json:"description,omitempty"`
	IsOpen                    bool   `json:"is_open"`
	AverageServiceTimeMinutes int    `json:"average_service_time_minutes"`
	WaitingCount              int    `json:"waiting_count"`
	EstimatedWaitMinutes      int    `json:"estimated_wait_minutes"`
}

// Position ranks entryID among the queue's active entries. An entry that is
// not active yields the zero Position.
func (s *Service) Position(ctx context.Context, queueID, entryID int64) (pos Position, err error) {
	ctx, span := startSpan(ctx, "queue.Position", attribute.Int64("queue.id", queueID), attribute.Int64("entry.id", entryID))
	defer func() { endSpan(span, err) }()

	queue, active, err := s.store.Snapshot(ctx, queueID, models.ActiveStatuses)
	if err != nil {
		return Position{}, err
	}
	return positionOf(queue, active, entryID), nil
}

func positionOf(queue models.Queue, active []models.QueueEntry, entryID int64) Position {
	for i, entry := range active {
		if entry.EntryID != entryID {
			continue
		}
		ahead := i
		return Position{
			Position:  i + 1,
			Ahead:     ahead,
			Estimated: ahead * queue.AverageServiceTimeMinutes,
		}
	}
	return Position{}
}

// WaitingStatus projects an entry for a polling client. A missing queue or
// entry is reported through the projection's state, not as an error.
func (s *Service) WaitingStatus(ctx context.Context, queueID, entryID int64) (projection StatusProjection, err error) {
	ctx, span := startSpan(ctx, "queue.WaitingStatus", attribute.Int64("queue.id", queueID), attribute.Int64("entry.id", entryID))
	defer func() { endSpan(span, err) }()

	queue, entries, err := s.store.Snapshot(ctx, queueID, nil)
	if errors.Is(err, store.ErrQueueNotFound) {
		return StatusProjection{State: StateQueueRemoved}, nil
	}
	if err != nil {
		return StatusProjection{}, err
	}

	var target *models.QueueEntry
	active := make([]models.QueueEntry, 0, len(entries))
	for i := range entries {
		if entries[i].EntryID == entryID {
			target = &entries[i]
		}
		if entries[i].Status.IsActive() {
			active = append(active, entries[i])
		}
	}
	if target == nil {
		return StatusProjection{State: StateRemoved}, nil
	}

	switch target.Status {
	case models.StatusServing:
		return numericProjection(StateYourTurn, Position{Position: 1}), nil
	case models.StatusWaiting:
		return numericProjection(StateWaiting, positionOf(queue, active, entryID)), nil
	case models.StatusServed:
		return StatusProjection{State: StateServed}, nil
	case models.StatusSkipped:
		return StatusProjection{State: StateSkipped}, nil
	case models.StatusExpired:
		return StatusProjection{State: StateExpired}, nil
	default:
		return StatusProjection{}, fmt.Errorf("entry %d has unknown status %d", entryID, target.Status)
	}
}

func numericProjection(state State, pos Position) StatusProjection {
	return StatusProjection{
		State:     state,
		Position:  &pos.Position,
		Ahead:     &pos.Ahead,
		Estimated: &pos.Estimated,
	}
}

// Details returns the owner's view of a queue. A queue owned by someone else
// is reported as not found.
func (s *Service) Details(ctx context.Context, queueID int64, ownerID string, tab Tab) (details QueueDetails, err error) {
	ctx, span := startSpan(ctx, "queue.Details", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	queue, entries, err := s.store.Snapshot(ctx, queueID, nil)
	if err != nil {
		return QueueDetails{}, err
	}
	if queue.OwnerID != ownerID {
		return QueueDetails{}, store.ErrQueueNotFound
	}
	if tab != TabHistory {
		tab = TabWaiting
	}

	details = QueueDetails{
		Queue:     queue,
		Waiting:   []WaitingEntry{},
		History:   []models.QueueEntry{},
		ActiveTab: tab,
	}
	for _, entry := range entries {
		if entry.Status.IsActive() {
			details.Waiting = append(details.Waiting, WaitingEntry{QueueEntry: entry, Position: len(details.Waiting) + 1})
			continue
		}
		details.History = append(details.History, entry)
	}
	sort.SliceStable(details.History, func(i, j int) bool {
		a, b := details.History[i], details.History[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.After(b.JoinedAt)
		}
		return a.EntryID > b.EntryID
	})
	return details, nil
}

// Public is the anonymous summary shown before joining a queue.
func (s *Service) Public(ctx context.Context, queueID int64) (summary PublicQueue, err error) {
	ctx, span := startSpan(ctx, "queue.Public", attribute.Int64("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	queue, waiting, err := s.store.Snapshot(ctx, queueID, []models.Status{models.StatusWaiting})
	if err != nil {
		return PublicQueue{}, err
	}
	return PublicQueue{
		QueueID:                   queue.QueueID,
		Name:                      queue.Name,
		Description:               queue.Description,
		IsOpen:                    queue.IsOpen,
		AverageServiceTimeMinutes: queue.AverageServiceTimeMinutes,
		WaitingCount:              len(waiting),
		EstimatedWaitMinutes:      len(waiting) * queue.AverageServiceTimeMinutes,
	}, nil
}

// Active lists open queues, oldest first.
func (s *Service) Active(ctx context.Context) (queues []models.Queue, err error) {
	ctx, span := startSpan(ctx, "queue.Active")
	defer func() { endSpan(span, err) }()

	queues, err = s.store.ListOpenQueues(ctx)
	if err != nil {
		return nil, err
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	return queues, nil
}

// MyQueues lists the queues of an owner, newest first.
func (s *Service) MyQueues(ctx context.Context, ownerID string) (queues []models.Queue, err error) {
	ctx, span := startSpan(ctx, "queue.MyQueues")
	defer func() { endSpan(span, err) }()

	queues, err = s.store.ListQueuesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	return queues, nil
}

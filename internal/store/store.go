package store

import (
	"context"
	"time"

	"queueless/internal/models"
)

type CreateLocationInput struct {
	Name        string
	Address     string
	PhoneNumber string
	CreatedAt   time.Time
}

type CreateQueueInput struct {
	Name                      string
	Description               string
	AverageServiceTimeMinutes int
	MaxWaitMinutes            int
	IsOpen                    bool
	OwnerID                   string
	LocationID                int64
	CreatedAt                 time.Time
}

type UpdateQueueInput struct {
	QueueID                   int64
	OwnerID                   string
	Name                      string
	Description               string
	AverageServiceTimeMinutes int
	MaxWaitMinutes            int
	IsOpen                    bool
}

// QueueStore persists locations, queues and their entries.
//
// Methods that read a single row return ErrQueueNotFound, ErrEntryNotFound or
// ErrLocationNotFound when nothing matches. Errors caused by a concurrent
// writer are wrapped with ErrConflict.
type QueueStore interface {
	CreateLocation(ctx context.Context, input CreateLocationInput) (models.ServiceLocation, error)
	ListLocations(ctx context.Context) ([]models.ServiceLocation, error)
	GetLocation(ctx context.Context, locationID int64) (models.ServiceLocation, error)

	CreateQueue(ctx context.Context, input CreateQueueInput) (models.Queue, error)
	// UpdateQueue returns ErrQueueNotFound when the queue is missing or owned by someone else.
	UpdateQueue(ctx context.Context, input UpdateQueueInput) (models.Queue, error)
	// DeleteQueue refuses with ErrQueueHasEntries while any entry remains.
	DeleteQueue(ctx context.Context, queueID int64, ownerID string) error
	GetQueue(ctx context.Context, queueID int64) (models.Queue, error)
	ListQueuesByOwner(ctx context.Context, ownerID string) ([]models.Queue, error)
	ListOpenQueues(ctx context.Context) ([]models.Queue, error)

	GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error)
	// Snapshot reads a queue and its entries with the given statuses from a
	// single consistent view. Entries are ordered by joined_at, then entry_id.
	Snapshot(ctx context.Context, queueID int64, statuses []models.Status) (models.Queue, []models.QueueEntry, error)

	// InQueueTx runs fn in a transaction holding the queue's row lock. fn must
	// only use the QueueTx it is given.
	InQueueTx(ctx context.Context, queueID int64, fn func(tx QueueTx) error) error

	// ExpireStale moves every active entry that outlived its queue's max wait
	// to expired in one statement and returns the affected entries.
	ExpireStale(ctx context.Context, now time.Time) ([]models.QueueEntry, error)
	// DeleteHistory removes terminal entries of a queue joined before the
	// cutoff; a zero cutoff removes all of them.
	DeleteHistory(ctx context.Context, queueID int64, before time.Time) (int64, error)
	// DeleteHistoryEntry removes one terminal entry and returns its queue id.
	DeleteHistoryEntry(ctx context.Context, entryID int64) (int64, error)
	// PurgeHistory removes terminal entries of all queues joined before the cutoff.
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// QueueTx is the set of primitives available while a queue is locked.
type QueueTx interface {
	Queue() models.Queue
	InsertEntry(ctx context.Context, clientName string, joinedAt time.Time) (models.QueueEntry, error)
	GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error)
	// UpdateStatus sets the entry to status to only if it currently holds one
	// of from. It reports false when no row matched.
	UpdateStatus(ctx context.Context, entryID int64, from []models.Status, to models.Status) (models.QueueEntry, bool, error)
	CurrentServing(ctx context.Context) (models.QueueEntry, bool, error)
	// PromoteNext moves the oldest waiting entry to serving unless an entry is
	// already serving. It reports false when nothing was promoted.
	PromoteNext(ctx context.Context) (models.QueueEntry, bool, error)
}

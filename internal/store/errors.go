package store

import "errors"

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrEntryNotFound    = errors.New("entry not found")
	ErrLocationNotFound = errors.New("location not found")
	ErrQueueHasEntries  = errors.New("queue has entries")
	ErrEntryActive      = errors.New("entry is still active")
	// ErrConflict marks a transaction that lost a race and may be retried.
	ErrConflict = errors.New("concurrent update conflict")
)

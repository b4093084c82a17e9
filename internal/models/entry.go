package models

import (
	"fmt"
	"strings"
	"time"
)

type QueueEntry struct {
	EntryID    int64     `json:"entry_id"`
	QueueID    int64     `json:"queue_id"`
	ClientName string    `json:"client_name"`
	JoinedAt   time.Time `json:"joined_at"`
	Status     Status    `json:"status"`
}

// Status is the lifecycle state of a queue entry. The zero value is not a
// valid status.
type Status uint8

const (
	StatusWaiting Status = iota + 1
	StatusServing
	StatusServed
	StatusSkipped
	StatusExpired
)

var statusNames = map[Status]string{
	StatusWaiting: "waiting",
	StatusServing: "serving",
	StatusServed:  "served",
	StatusSkipped: "skipped",
	StatusExpired: "expired",
}

// ActiveStatuses are the statuses that occupy a place in the line.
var ActiveStatuses = []Status{StatusWaiting, StatusServing}

// HistoryStatuses are the terminal statuses.
var HistoryStatuses = []Status{StatusServed, StatusSkipped, StatusExpired}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) IsActive() bool {
	switch s {
	case StatusWaiting, StatusServing:
		return true
	case StatusServed, StatusSkipped, StatusExpired:
		return false
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusServed, StatusSkipped, StatusExpired:
		return true
	case StatusWaiting, StatusServing:
		return false
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == value {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown entry status %q", raw)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid entry status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StatusNames returns the stored names of the given statuses.
func StatusNames(statuses []Status) []string {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, status.String())
	}
	return names
}

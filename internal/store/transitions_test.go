package store

import (
	"testing"

	"queueless/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  models.Status
		to    models.Status
		valid bool
	}{
		{models.StatusWaiting, models.StatusServing, true},
		{models.StatusServing, models.StatusServing, false},
		{models.StatusWaiting, models.StatusServed, true},
		{models.StatusServing, models.StatusServed, true},
		{models.StatusSkipped, models.StatusServed, false},
		{models.StatusWaiting, models.StatusSkipped, true},
		{models.StatusServing, models.StatusSkipped, false},
		{models.StatusWaiting, models.StatusExpired, true},
		{models.StatusServing, models.StatusExpired, true},
		{models.StatusExpired, models.StatusWaiting, false},
		{models.StatusExpired, models.StatusServing, false},
		{models.StatusServed, models.StatusExpired, false},
		{models.StatusWaiting, models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%s, %s)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range models.HistoryStatuses {
		for _, to := range []models.Status{models.StatusWaiting, models.StatusServing, models.StatusServed, models.StatusSkipped, models.StatusExpired} {
			if ValidTransition(from, to) {
				t.Fatalf("terminal status %s must not move to %s", from, to)
			}
		}
	}
}

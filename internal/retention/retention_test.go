package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	before  time.Time
	removed int64
	err     error
}

func (f *fakePurger) PurgeHistory(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.removed, f.err
}

func TestRunUsesRetentionWindow(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	purger := &fakePurger{removed: 4}
	job := NewJob(purger, Config{Days: 30}, logger)
	now := time.Date(2024, 6, 30, 3, 30, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	removed, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, removed)
	assert.Equal(t, time.Date(2024, 5, 31, 3, 30, 0, 0, time.UTC), purger.before)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "history purged", hook.LastEntry().Message)
}

func TestRunReportsFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	job := NewJob(&fakePurger{err: errors.New("boom")}, Config{Days: 1}, logger)

	_, err := job.Run(context.Background())
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "history purge failed", hook.LastEntry().Message)
}

func TestStartDisabled(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	job := NewJob(&fakePurger{}, Config{}, logger)

	c, err := Start(job, "")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = job.Run(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	job := NewJob(&fakePurger{}, Config{Days: 7}, logger)

	_, err := Start(job, "every now and then")
	assert.Error(t, err)
}

func TestStartSchedulesJob(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	job := NewJob(&fakePurger{}, Config{Days: 7}, logger)

	c, err := Start(job, DefaultSchedule)
	require.NoError(t, err)
	require.NotNil(t, c)
	defer func() { <-c.Stop().Done() }()

	entries := c.Entries()
	require.Len(t, entries, 1)
	next := entries[0].Schedule.Next(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC)), "next run %s", next)
}

// Package retention purges old queue history on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSchedule = "0 30 3 * * *"
	defaultTimeout  = 5 * time.Minute
)

// Purger deletes terminal entries joined before the cutoff.
type Purger interface {
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Days of history to keep. Zero or less disables the job.
	Days     int
	Schedule string
	Timeout  time.Duration
}

type Job struct {
	purger  Purger
	days    int
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewJob(purger Purger, cfg Config, logger logrus.FieldLogger) *Job {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Job{
		purger:  purger,
		days:    cfg.Days,
		timeout: cfg.Timeout,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.WithField("component", "retention"),
	}
}

// Run purges history older than the retention window once.
func (j *Job) Run(ctx context.Context) (int64, error) {
	if j.days <= 0 {
		return 0, errors.New("history retention is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cutoff := j.now().AddDate(0, 0, -j.days)
	removed, err := j.purger.PurgeHistory(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).WithField("cutoff", cutoff).Error("history purge failed")
		return 0, err
	}
	j.log.WithFields(logrus.Fields{"cutoff": cutoff, "removed": removed}).Info("history purged")
	return removed, nil
}

// Start schedules the job and starts the scheduler. It returns nil when
// retention is disabled. Stop the returned scheduler to end the job.
func Start(job *Job, schedule string) (*cron.Cron, error) {
	if job.days <= 0 {
		return nil, nil
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	logger := cron.PrintfLogger(job.log)
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		_, _ = job.Run(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("schedule history retention %q: %w", schedule, err)
	}
	c.Start()
	job.log.WithFields(logrus.Fields{"schedule": schedule, "days": job.days}).Info("history retention scheduled")
	return c, nil
}

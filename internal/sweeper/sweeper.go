// Package sweeper runs the periodic expiration of entries that waited longer
// than their queue allows.
package sweeper

import (
	"context"
	"errors"
	"expvar"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 30 * time.Second
)

var (
	sweepsTotal    = expvar.NewInt("sweeps_total")
	sweepErrors    = expvar.NewInt("sweep_errors_total")
	entriesExpired = expvar.NewInt("entries_expired_total")
)

// ErrSweepRunning is returned by Sweep when another sweep has not finished.
var ErrSweepRunning = errors.New("sweep already running")

// Expirer expires stale entries and reports how many it touched.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger
	running  int32
}

func New(expirer Expirer, cfg Config, logger logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sweeper{
		expirer:  expirer,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      logger.WithField("component", "sweeper"),
	}
}

// Run sweeps once per interval until ctx is cancelled. A sweep that already
// started when ctx is cancelled runs to completion under its own timeout;
// no sweep starts afterwards.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval.String()).Info("sweeper started")
	defer s.log.Info("sweeper stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		_, _ = s.Sweep(context.WithoutCancel(ctx))
	}
}

// Sweep performs a single expiration pass bounded by the configured timeout.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return 0, ErrSweepRunning
	}
	defer atomic.StoreInt32(&s.running, 0)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	count, err := s.expirer.ExpireStale(ctx)
	sweepsTotal.Add(1)
	entriesExpired.Add(int64(count))
	fields := logrus.Fields{
		"expired":     count,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		sweepErrors.Add(1)
		s.log.WithError(err).WithFields(fields).Error("sweep failed")
		return count, err
	}
	if count > 0 {
		s.log.WithFields(fields).Info("expired stale entries")
	} else {
		s.log.WithFields(fields).Debug("sweep found nothing to expire")
	}
	return count, nil
}

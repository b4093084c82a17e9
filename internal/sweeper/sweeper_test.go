package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	mu      sync.Mutex
	calls   int
	results []error
	called  chan struct{}
	release chan struct{}
	ctxErrs []error
}

func newFakeExpirer(results ...error) *fakeExpirer {
	return &fakeExpirer{results: results, called: make(chan struct{}, 16)}
}

func (f *fakeExpirer) ExpireStale(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	release := f.release
	f.mu.Unlock()

	select {
	case f.called <- struct{}{}:
	default:
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if call <= len(f.results) && f.results[call-1] != nil {
		return 0, f.results[call-1]
	}
	return 2, nil
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitCall(t *testing.T, f *fakeExpirer) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("expirer was not called")
	}
}

func startRun(ctx context.Context, s *Sweeper) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func quietLogger() logrus.FieldLogger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

func TestRunSweepsOnEveryTick(t *testing.T) {
	defer leaktest.Check(t)()

	expirer := newFakeExpirer()
	s := New(expirer, Config{Interval: 5 * time.Millisecond}, quietLogger())
	before := sweepsTotal.Value()
	expiredBefore := entriesExpired.Value()

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, s)
	waitCall(t, expirer)
	waitCall(t, expirer)
	cancel()
	waitDone(t, done)

	calls := expirer.callCount()
	assert.GreaterOrEqual(t, calls, 2)
	assert.EqualValues(t, calls, sweepsTotal.Value()-before)
	assert.EqualValues(t, 2*calls, entriesExpired.Value()-expiredBefore)
}

func TestRunDoesNotSweepAfterCancel(t *testing.T) {
	defer leaktest.Check(t)()

	expirer := newFakeExpirer()
	s := New(expirer, Config{Interval: time.Millisecond}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := startRun(ctx, s)
	waitDone(t, done)

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, expirer.callCount())
}

func TestInFlightSweepFinishesAfterCancel(t *testing.T) {
	defer leaktest.Check(t)()

	expirer := newFakeExpirer()
	expirer.release = make(chan struct{})
	s := New(expirer, Config{Interval: 5 * time.Millisecond, Timeout: time.Second}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, s)
	waitCall(t, expirer)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a sweep was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(expirer.release)
	waitDone(t, done)

	assert.Equal(t, 1, expirer.callCount())
	expirer.mu.Lock()
	defer expirer.mu.Unlock()
	require.Len(t, expirer.ctxErrs, 1)
	assert.NoError(t, expirer.ctxErrs[0])
}

func TestSweepFailureIsLoggedAndLoopContinues(t *testing.T) {
	defer leaktest.Check(t)()

	logger, hook := logtest.NewNullLogger()
	expirer := newFakeExpirer(errors.New("database is down"))
	s := New(expirer, Config{Interval: 5 * time.Millisecond}, logger)
	errorsBefore := sweepErrors.Value()

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, s)
	waitCall(t, expirer)
	waitCall(t, expirer)
	cancel()
	waitDone(t, done)

	assert.EqualValues(t, 1, sweepErrors.Value()-errorsBefore)
	var failed *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Message == "sweep failed" {
			failed = entry
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, logrus.ErrorLevel, failed.Level)
	assert.EqualError(t, failed.Data[logrus.ErrorKey].(error), "database is down")
}

func TestSweepRefusesOverlap(t *testing.T) {
	defer leaktest.Check(t)()

	expirer := newFakeExpirer()
	expirer.release = make(chan struct{})
	s := New(expirer, Config{}, quietLogger())

	result := make(chan error, 1)
	go func() {
		_, err := s.Sweep(context.Background())
		result <- err
	}()
	waitCall(t, expirer)

	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepRunning)

	close(expirer.release)
	assert.NoError(t, <-result)

	count, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

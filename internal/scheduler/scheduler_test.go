package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestRegister_InvalidSpec(t *testing.T) {
	s := newTestScheduler(t)

	err := s.Register("broken", "not a cron", time.Second, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestRegister_Duplicate(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("insights", "*/5 * * * *", time.Second, noop))
	require.Error(t, s.Register("insights", "*/5 * * * *", time.Second, noop))
}

func TestRunNow_UnknownJob(t *testing.T) {
	s := newTestScheduler(t)

	err := s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNow_SkipsWhileRunning(t *testing.T) {
	s := New(zap.NewNop(), telemetry.New())

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	require.NoError(t, s.Register("anomalies", "*/10 * * * *", 5*time.Second, func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}))

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.RunNow(context.Background(), "anomalies") }()
	<-started

	err := s.RunNow(context.Background(), "anomalies")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, s.Stop(context.Background()))
}

func TestRunNow_SkippedTickIsCounted(t *testing.T) {
	metrics := telemetry.New()
	s := New(zap.NewNop(), metrics)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("accrual", "*/15 * * * *", 5*time.Second, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	go func() { _ = s.RunNow(context.Background(), "accrual") }()
	<-started
	_ = s.RunNow(context.Background(), "accrual")
	close(release)

	require.NoError(t, s.Stop(context.Background()))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `ecobin_job_skipped_ticks_total{job="accrual"} 1`)
}

func TestRunNow_ErrorDoesNotStopFutureRuns(t *testing.T) {
	s := newTestScheduler(t)

	var calls atomic.Int32
	require.NoError(t, s.Register("insights", "*/5 * * * *", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	}))

	err := s.RunNow(context.Background(), "insights")
	require.Error(t, err)

	err = s.RunNow(context.Background(), "insights")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunNow_RecoversPanic(t *testing.T) {
	s := newTestScheduler(t)

	var calls atomic.Int32
	require.NoError(t, s.Register("daily_metrics", "0 0 * * *", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	}))

	err := s.RunNow(context.Background(), "daily_metrics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job panicked")

	require.NoError(t, s.RunNow(context.Background(), "daily_metrics"))
}

func TestRunNow_TimeoutAbortsJob(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.Register("slow", "*/5 * * * *", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunNow_DifferentJobsRunConcurrently(t *testing.T) {
	s := newTestScheduler(t)

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	require.NoError(t, s.Register("a", "*/5 * * * *", time.Second, func(ctx context.Context) error {
		close(aStarted)
		select {
		case <-bStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	require.NoError(t, s.Register("b", "*/5 * * * *", time.Second, func(ctx context.Context) error {
		close(bStarted)
		select {
		case <-aStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	errs := make(chan error, 2)
	go func() { errs <- s.RunNow(context.Background(), "a") }()
	go func() { errs <- s.RunNow(context.Background(), "b") }()

	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestStart_FiresOnSchedule(t *testing.T) {
	s := newTestScheduler(t)

	fired := make(chan struct{}, 1)
	require.NoError(t, s.Register("every-second", "@every 1s", time.Second, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job was not triggered by the schedule")
	}
}

func TestStop_RejectsNewRuns(t *testing.T) {
	s := New(zap.NewNop(), nil)
	require.NoError(t, s.Register("insights", "*/5 * * * *", time.Second, func(context.Context) error { return nil }))

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.RunNow(context.Background(), "insights"), ErrStopped)
}

func TestStop_CancelsInFlightOnDeadline(t *testing.T) {
	s := New(zap.NewNop(), nil)

	started := make(chan struct{})
	require.NoError(t, s.Register("long", "*/5 * * * *", time.Minute, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "long") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-done, context.Canceled)
}

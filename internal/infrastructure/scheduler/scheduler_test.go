package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

type fakeJob struct {
	name  string
	runs  atomic.Int32
	ran   chan struct{}
	block chan struct{}
	err   error
}

func newFakeJob(name string) *fakeJob {
	return &fakeJob{name: name, ran: make(chan struct{}, 16)}
}

func (j *fakeJob) Name() string        { return j.name }
func (j *fakeJob) Description() string { return "test job" }

func (j *fakeJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	j.ran <- struct{}{}
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func newTestScheduler(clock *timeutil.ManualClock) *Scheduler {
	return NewScheduler(Config{Clock: clock, Tick: time.Second, Logger: logger.Discard()})
}

func advance(t *testing.T, clock *timeutil.ManualClock, d time.Duration) {
	t.Helper()
	require.True(t, clock.WaitForTimers(1, time.Second), "scheduler loop not waiting")
	clock.Advance(d)
}

func waitRan(t *testing.T, j *fakeJob) {
	t.Helper()
	select {
	case <-j.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s did not run", j.name)
	}
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(clock)
	job := newFakeJob("resync")
	require.NoError(t, s.Register(job, Every(time.Minute)))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	advance(t, clock, 30*time.Second)
	advance(t, clock, 31*time.Second)
	waitRan(t, job)
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestScheduler_NoOverlap(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(clock)
	job := newFakeJob("slow")
	job.block = make(chan struct{})
	require.NoError(t, s.Register(job, Every(time.Second)))
	require.NoError(t, s.Start(context.Background()))

	advance(t, clock, time.Second)
	waitRan(t, job)

	advance(t, clock, 5*time.Second)
	advance(t, clock, 5*time.Second)
	assert.Equal(t, int32(1), job.runs.Load(), "busy job must be skipped")

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_RunNowAndList(t *testing.T) {
	clock := timeutil.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(clock)
	boom := errors.New("boom")
	failing := newFakeJob("b_failing")
	failing.err = boom
	ok := newFakeJob("a_ok")
	require.NoError(t, s.Register(failing, Every(time.Hour)))
	require.NoError(t, s.Register(ok, Every(time.Hour)))

	res, err := s.RunNow(context.Background(), "b_failing")
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a_ok", jobs[0].Name)
	assert.Equal(t, int64(1), jobs[1].FailCount)
	require.NotNil(t, jobs[1].LastRun)
	assert.Equal(t, "boom", jobs[1].LastRun.Error)
	assert.Equal(t, "@every 1h0m0s", jobs[0].Schedule)
}

func TestScheduler_Lifecycle(t *testing.T) {
	s := newTestScheduler(timeutil.NewManualClock(time.Now()))

	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())

	assert.ErrorIs(t, s.Register(nil, Every(time.Second)), ErrNilJob)
	assert.ErrorIs(t, s.Register(newFakeJob("x"), nil), ErrNilSchedule)
	require.NoError(t, s.Register(newFakeJob("x"), Every(time.Second)))
	assert.ErrorIs(t, s.Register(newFakeJob("x"), Every(time.Second)), ErrJobAlreadyExists)
}

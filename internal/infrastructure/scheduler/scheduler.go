// Package scheduler runs the periodic maintenance jobs of the voice engine:
// policy file reloads and live voice state resyncs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voicexp/voicexp/pkg/logger"
	"github.com/voicexp/voicexp/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("scheduler: job cannot be nil")
	ErrNilSchedule             = errors.New("scheduler: schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("scheduler: job already exists")
	ErrJobNotFound             = errors.New("scheduler: job not found")
	ErrSchedulerAlreadyRunning = errors.New("scheduler: already running")
	ErrSchedulerNotRunning     = errors.New("scheduler: not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// JOBS
// ══════════════════════════════════════════════════════════════════════════════

// Job is one unit of periodic maintenance. Name keys it in the scheduler;
// Run's context ends when the scheduler stops.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// Schedule yields the first run time strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobResult records one run. Manual marks runs started through RunNow.
type JobResult struct {
	JobName   string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Manual    bool          `json:"manual,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler polls its jobs every tick on the injected clock. A job never
// overlaps itself: a tick that finds it still running skips it.
type Scheduler struct {
	mu sync.Mutex

	logger *slog.Logger
	clock  timeutil.Clock
	tick   time.Duration

	jobs    map[string]*scheduledJob
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduledJob struct {
	job       Job
	schedule  Schedule
	nextRun   time.Time
	busy      bool
	runCount  int64
	failCount int64
	last      *JobResult
}

type Config struct {
	Logger *slog.Logger
	Clock  timeutil.Clock

	// Tick is how often due jobs are checked.
	Tick time.Duration
}

// DefaultConfig polls once a second on the system clock.
func DefaultConfig() Config {
	return Config{
		Clock: timeutil.SystemClock{},
		Tick:  time.Second,
	}
}

func NewScheduler(config Config) *Scheduler {
	if config.Clock == nil {
		config.Clock = timeutil.SystemClock{}
	}
	if config.Tick <= 0 {
		config.Tick = time.Second
	}
	return &Scheduler{
		logger: logger.OrDefault(config.Logger).With(logger.Component("scheduler")),
		clock:  config.Clock,
		tick:   config.Tick,
		jobs:   make(map[string]*scheduledJob),
	}
}

// Register adds a job with its schedule. The first run is one schedule step
// from now.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	sj := &scheduledJob{job: job, schedule: schedule, nextRun: schedule.Next(s.clock.Now())}
	s.jobs[name] = sj

	s.logger.Info("job registered",
		slog.String("job", name),
		slog.String("schedule", schedule.String()),
		slog.String("description", job.Description()))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the polling loop under a child of ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.runLoop(ctx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		timer := s.clock.NewTimer(s.tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*scheduledJob, 0)
	for _, sj := range s.jobs {
		if sj.busy || now.Before(sj.nextRun) {
			continue
		}
		sj.busy = true
		sj.nextRun = sj.schedule.Next(now)
		due = append(due, sj)
	}
	s.mu.Unlock()

	for _, sj := range due {
		s.wg.Add(1)
		go func(sj *scheduledJob) {
			defer s.wg.Done()
			_, _ = s.execute(ctx, sj, false)
		}(sj)
	}
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) (JobResult, error) {
	name := sj.job.Name()
	started := s.clock.Now()
	err := sj.job.Run(ctx)

	result := JobResult{
		JobName:   name,
		StartedAt: started,
		Duration:  s.clock.Now().Sub(started),
		Success:   err == nil,
		Manual:    manual,
	}
	if err != nil {
		result.Error = err.Error()
	}

	s.mu.Lock()
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	if !manual {
		sj.busy = false
	}
	sj.last = &result
	s.mu.Unlock()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		s.logger.Debug("job cancelled", slog.String("job", name))
	case err != nil:
		s.logger.Error("job failed", slog.String("job", name), logger.Latency(result.Duration), logger.Err(err))
	default:
		s.logger.Debug("job completed", slog.String("job", name), logger.Latency(result.Duration))
	}
	return result, err
}

// RunNow runs a job on the caller goroutine, leaving its next slot untouched.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (JobResult, error) {
	s.mu.Lock()
	sj, exists := s.jobs[jobName]
	s.mu.Unlock()
	if !exists {
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	return s.execute(ctx, sj, true)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	NextRun     time.Time  `json:"next_run"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastRun     *JobResult `json:"last_run,omitempty"`
}

// ListJobs returns every job sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, sj := range s.jobs {
		info := JobInfo{
			Name:        sj.job.Name(),
			Description: sj.job.Description(),
			Schedule:    sj.schedule.String(),
			NextRun:     sj.nextRun,
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
		}
		if sj.last != nil {
			last := *sj.last
			info.LastRun = &last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

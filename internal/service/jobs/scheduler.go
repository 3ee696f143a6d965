package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

// ScheduledJob tracks an interval job. A job never overlaps itself; a tick
// that lands while the previous run is still going is skipped.
type ScheduledJob struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	IsEnabled bool          `json:"is_enabled"`

	task    Task
	running bool
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning        bool       `json:"is_running"`
	ScheduledJobs    int        `json:"scheduled_jobs"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
}

// Scheduler runs interval jobs in the background, used for chain
// verification and payment reconciliation inside the API process.
type Scheduler struct {
	logger     *zap.Logger
	tick       time.Duration
	runTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	jobs    map[string]*ScheduledJob
	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler that checks for due jobs every tick and
// bounds each run by runTimeout.
func NewScheduler(tick, runTimeout time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:     logger.With(zap.String("component", "scheduler")),
		tick:       tick,
		runTimeout: runTimeout,
		now:        time.Now,
		jobs:       make(map[string]*ScheduledJob),
	}
}

// AddJob registers task under name. With immediate set, the first run
// happens on the first tick instead of one interval after start.
func (s *Scheduler) AddJob(name string, interval time.Duration, immediate bool, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.now().Add(interval)
	if immediate {
		next = s.now()
	}
	s.jobs[name] = &ScheduledJob{
		Name:      name,
		Interval:  interval,
		NextRun:   next,
		IsEnabled: interval > 0,
		task:      task,
	}

	s.logger.Info("Added scheduled job",
		zap.String("job", name),
		zap.Duration("interval", interval),
		zap.Time("next_run", next))
}

// RemoveJob removes a scheduled job
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Start begins the scheduling loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.tick)
	s.started = true

	s.wg.Add(1)
	go s.run(runCtx, s.ticker)

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ticker.Stop()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Jobs returns a copy of every registered job.
func (s *Scheduler) Jobs() map[string]ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ScheduledJob, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = *j
	}
	return out
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{IsRunning: s.started, ScheduledJobs: len(s.jobs)}
	for _, j := range s.jobs {
		if j.IsEnabled && (status.NextScheduledRun == nil || j.NextRun.Before(*status.NextScheduledRun)) {
			next := j.NextRun
			status.NextScheduledRun = &next
		}
	}
	return status
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Scheduler stopping due to context cancellation")
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, j := range s.jobs {
		if !j.IsEnabled || j.running || now.Before(j.NextRun) {
			continue
		}
		j.running = true
		j.NextRun = now.Add(j.Interval)
		s.wg.Add(1)
		go s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *ScheduledJob) {
	defer s.wg.Done()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	started := s.now()
	err := j.task(runCtx)
	duration := time.Since(started)

	s.mu.Lock()
	j.running = false
	j.LastRun = &started
	j.Runs++
	if err != nil {
		j.Failures++
		j.LastError = err.Error()
	} else {
		j.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled job failed",
			zap.String("job", j.Name),
			zap.Error(err),
			zap.Duration("duration", duration))
		return
	}
	s.logger.Debug("Scheduled job completed",
		zap.String("job", j.Name),
		zap.Duration("duration", duration))
}

// Package scheduler runs the periodic maintenance jobs of a Kestrel instance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is a named job with a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// RunStatus is the outcome of the last execution of a job.
type RunStatus string

const (
	StatusNeverRun  RunStatus = "never_run"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Status   RunStatus     `json:"status"`
	LastRun  *time.Time    `json:"lastRun,omitempty"`
	NextRun  *time.Time    `json:"nextRun,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Runs     int64         `json:"runs"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	info    JobInfo
}

// Scheduler runs jobs on cron schedules. A job never overlaps with itself:
// a tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Each run gets a context bounded by timeout.
func New(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		timeout: timeout,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job. An empty schedule disables the job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a function")
	}
	if job.Schedule == "" {
		slog.Info("scheduled job disabled", "job", job.Name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	e := &entry{
		job:  job,
		info: JobInfo{Name: job.Name, Schedule: job.Schedule, Status: StatusNeverRun},
	}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e

	slog.Info("scheduled job",
		"job", job.Name,
		"schedule", job.Schedule,
	)
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs_count", len(s.Jobs()))
}

// Stop stops scheduling new runs, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.execute(e)
	return nil
}

// Jobs returns the registered jobs with their last run state.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := e.info
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			info.NextRun = &next
		}
		out = append(out, info)
	}
	return out
}

func (s *Scheduler) execute(e *entry) {
	s.mu.Lock()
	if e.running || s.ctx.Err() != nil {
		s.mu.Unlock()
		slog.Warn("job run skipped", "job", e.job.Name)
		return
	}
	e.running = true
	e.info.Status = StatusRunning
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.info.LastRun = &start
	e.info.Duration = elapsed
	e.info.Runs++
	if err != nil {
		e.info.Status = StatusFailed
		e.info.Error = err.Error()
	} else {
		e.info.Status = StatusCompleted
		e.info.Error = ""
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("job execution failed",
			"job", e.job.Name,
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
		return
	}
	slog.Debug("job execution completed",
		"job", e.job.Name,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// Package scheduler reruns scan sessions on cron schedules. It backs the
// watch command: every job names a target and a schedule, and each firing
// runs one complete session through the supplied RunFunc.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// RunFunc runs one scan session against target and returns its exit code.
type RunFunc func(ctx context.Context, target string) (int, error)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// Job is a scheduled rescan of one target.
type Job struct {
	ID       uuid.UUID
	Target   string
	Schedule string

	cronID   cron.EntryID
	running  bool
	lastRun  time.Time
	lastExit int
	lastErr  error
	runs     int
	skipped  int
}

// JobStatus is a snapshot of a job.
type JobStatus struct {
	ID       uuid.UUID `json:"id"`
	Target   string    `json:"target"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	LastExit int       `json:"last_exit"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
	Skipped  int       `json:"skipped"`
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	cron   *cron.Cron
	run    RunFunc
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Schedules use the standard five-field cron
// format and descriptors such as "@every 6h" or "@daily".
func New(run RunFunc, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		run:    run,
		logger: logger.With("component", "scheduler"),
		jobs:   make(map[uuid.UUID]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules target for periodic rescans.
func (s *Scheduler) Add(target, schedule string) (uuid.UUID, error) {
	if target == "" {
		return uuid.Nil, fmt.Errorf("target is required")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return uuid.Nil, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	job := &Job{ID: uuid.New(), Target: target, Schedule: schedule}

	s.mu.Lock()
	defer s.mu.Unlock()

	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(job.ID) })
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	job.cronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Added watch job", "job_id", job.ID, "target", target, "schedule", schedule)
	return job.ID, nil
}

// Remove unschedules a job. A run in progress is not interrupted.
func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	s.cron.Remove(job.cronID)
	delete(s.jobs, id)

	s.logger.Info("Removed watch job", "job_id", id, "target", job.Target)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler was stopped")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs, cancels running sessions and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	// Cancelled under mu so execute cannot start a run behind the Wait.
	s.cancel()
	s.mu.Unlock()

	if wasRunning {
		s.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running scans: %w", ctx.Err())
	}
}

// RunNow runs a job immediately and waits for it. A job that is already
// running is skipped.
func (s *Scheduler) RunNow(id uuid.UUID) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	s.execute(id)
	return nil
}

// Jobs returns a snapshot of all jobs, ordered by target.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		st := JobStatus{
			ID:       job.ID,
			Target:   job.Target,
			Schedule: job.Schedule,
			Running:  job.running,
			LastRun:  job.lastRun,
			NextRun:  s.cron.Entry(job.cronID).Next,
			LastExit: job.lastExit,
			Runs:     job.runs,
			Skipped:  job.skipped,
		}
		if job.lastErr != nil {
			st.LastErr = job.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Scheduler) execute(id uuid.UUID) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if job.running {
		// Overlapping runs of one job are skipped.
		job.skipped++
		s.mu.Unlock()
		s.logger.Warn("Previous scan still running, skipping", "job_id", id, "target", job.Target)
		return
	}
	job.running = true
	job.lastRun = time.Now()
	target := job.Target
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info("Starting scheduled scan", "job_id", id, "target", target)
	start := time.Now()
	code, err := s.run(s.ctx, target)

	s.mu.Lock()
	job.running = false
	job.runs++
	job.lastExit = code
	job.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled scan failed", "job_id", id, "target", target,
			"exit_code", code, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Info("Scheduled scan finished", "job_id", id, "target", target,
		"exit_code", code, "duration", time.Since(start))
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Schedule is a standard cron expression or descriptor
	// ("*/5 * * * *", "@every 1m", "@hourly").
	Schedule string

	// Run performs one cycle. Errors are logged; the job stays scheduled.
	Run func(ctx context.Context) error
}

// Scheduler runs background jobs such as billing reconciliation and the
// reservation sweep. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	jobs    map[string]cron.EntryID
	running bool
}

// New creates an idle scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: slog.Default().With("component", "scheduler"),
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers job. A job with an empty schedule is skipped.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	if job.Schedule == "" {
		s.logger.Info("schedule not configured, skipping job", "job", job.Name)
		return nil
	}

	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already scheduled", job.Name)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.runJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = id

	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins running scheduled jobs and stops them when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.cron.Start()
	s.running = true
	jobs := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs", jobs)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := time.Now()
	s.logger.Debug("job starting", "job", job.Name)

	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			"job", job.Name,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}

	s.logger.Debug("job completed", "job", job.Name, "duration", time.Since(start))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next activation of the named job.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if !ok {
		return nil
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() || entry.Next.IsZero() {
		return nil
	}
	next := entry.Next
	return &next
}

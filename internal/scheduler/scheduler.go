// Package scheduler starts executions on cron schedules stored in the store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// Starter creates and runs a new execution. Satisfied by *engine.Host.
type Starter interface {
	Start(ctx context.Context, handler string, input json.RawMessage) (string, error)
}

// JobStore is the slice of store.Store the scheduler needs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
}

// Run statuses recorded on a job.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// DefaultTick is how often enabled jobs are checked.
const DefaultTick = 60 * time.Second

// Scheduler polls the store for due scheduled jobs and starts them.
type Scheduler struct {
	store   JobStore
	starter Starter
	parser  cron.Parser
	clock   clock.Clock
	tick    time.Duration
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. Cron expressions use the standard five
// fields and accept descriptors such as @hourly.
func NewScheduler(s JobStore, starter Starter, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:    clk,
		tick:     DefaultTick,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule validates cronExpr and stores a new enabled job for handler.
func (s *Scheduler) Schedule(ctx context.Context, handler, cronExpr string, input json.RawMessage) (*store.ScheduledJob, error) {
	if handler == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "handler is required")
	}
	now := s.clock.Now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		HandlerName:    handler,
		CronExpression: cronExpr,
		Input:          input,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled job created",
		slog.String("job_id", job.ID),
		slog.String("handler", handler),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	if _, err := s.runDue(ctx); err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
	}
}

// runDue starts every enabled job whose next run is not in the future.
// Jobs without a next run are treated as overdue.
func (s *Scheduler) runDue(ctx context.Context) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	ran := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran, nil
}

func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("handler", job.HandlerName),
	)

	status := RunStatusSuccess
	executionID, err := s.starter.Start(ctx, job.HandlerName, job.Input)
	if err != nil {
		status = RunStatusError
		s.logger.Error("scheduled execution failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastExecution: executionID,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every job whose next run passed while the
// process was down, and returns how many ran.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	n, err := s.runDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", n))
	}
	return n, nil
}

package store

import (
	"context"
	"time"
)

// Journal is the append-only, per-execution event log.
//
// Append assigns the next sequence when event.Sequence is zero. An explicit
// sequence that already exists returns the stored record unchanged, which makes
// retried appends idempotent; a sequence beyond the tail is a CONFLICT.
// Backend failures surface as JOURNAL_UNAVAILABLE.
type Journal interface {
	Append(ctx context.Context, executionID string, event *Event) (*Event, error)
	Read(ctx context.Context, executionID string) ([]*Event, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	Journal

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Durable timers
	UpsertTimer(ctx context.Context, timer *Timer) error
	DeleteTimer(ctx context.Context, executionID, operationID string) error
	DeleteTimers(ctx context.Context, executionID string) error
	ListTimers(ctx context.Context, executionID string) ([]*Timer, error)
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

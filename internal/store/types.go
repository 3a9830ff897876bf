package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/durable/pkg/schema"
)

// Execution is one run of a registered handler, identified by ExecutionID.
type Execution struct {
	ID              string                 `json:"id"`
	HandlerName     string                 `json:"handler"`
	Status          schema.ExecutionStatus `json:"status"`
	Input           json.RawMessage        `json:"input,omitempty"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Error           json.RawMessage        `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Event is an immutable record in an execution's journal.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	OperationID string          `json:"operation_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// OperationState is the materialized view of a step or wait, folded from the journal.
type OperationState struct {
	ExecutionID string                 `json:"execution_id"`
	OperationID string                 `json:"operation_id"`
	Kind        schema.OperationKind   `json:"kind"`
	Status      schema.OperationStatus `json:"status"`
	Retries     int                    `json:"retries,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedSeq  int64                  `json:"started_seq"`
	OutcomeSeq  int64                  `json:"outcome_seq,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Timer kinds.
const (
	TimerKindWait          = "wait"
	TimerKindSignalTimeout = "signal_timeout"
)

// Timer is a durable wake-up for a pending wait.
type Timer struct {
	ExecutionID string    `json:"execution_id"`
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	FireAt      time.Time `json:"fire_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScheduledJob is a cron-triggered execution of a handler.
type ScheduledJob struct {
	ID             string          `json:"id"`
	HandlerName    string          `json:"handler"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	LastExecution  string          `json:"last_execution_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	HandlerName string                  `json:"handler,omitempty"`
	Since       *time.Time              `json:"since,omitempty"`
	Limit       int                     `json:"limit,omitempty"`
	Offset      int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	Output          json.RawMessage         `json:"output,omitempty"`
	Error           json.RawMessage         `json:"error,omitempty"`
	CancelRequested *bool                   `json:"cancel_requested,omitempty"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastExecution string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	HandlerName string `json:"handler,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

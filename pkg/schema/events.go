package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the execution journal.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventCancelRequested    = "cancel_requested"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventWaitStarted   = "wait_started"
	EventWaitCompleted = "wait_completed"
	EventWaitFailed    = "wait_failed"

	EventSignalReceived = "signal_received"
)

// IsOperationStart reports whether the event type opens an operation.
// Replay matches these positionally against the handler's calls.
func IsOperationStart(eventType string) bool {
	return eventType == EventStepStarted || eventType == EventWaitStarted
}

// IsOperationOutcome reports whether the event type settles an operation.
func IsOperationOutcome(eventType string) bool {
	switch eventType {
	case EventStepCompleted, EventStepFailed, EventWaitCompleted, EventWaitFailed:
		return true
	}
	return false
}

// IsTerminalEvent reports whether the event type ends an execution.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// OperationStatus is the folded state of a single step or wait.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// OperationKind distinguishes steps from waits in operation identities.
type OperationKind string

const (
	OperationKindStep OperationKind = "step"
	OperationKindWait OperationKind = "wait"
)

// WaitKind enumerates what a wait is waiting on.
type WaitKind string

const (
	WaitKindDuration WaitKind = "duration"
	WaitKindSignal   WaitKind = "signal"
)

// RetryPolicy configures in-invocation retries of a step.
type RetryPolicy struct {
	Max      int           `json:"max" yaml:"max"`                                 // max retry attempts
	Backoff  string        `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | constant | linear | exponential
	Delay    time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`         // initial delay
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap, zero means uncapped
}

// --- Event payloads ---

// ExecutionStartedPayload is journaled when an execution is first run.
type ExecutionStartedPayload struct {
	Handler string          `json:"handler"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// ExecutionCompletedPayload carries the handler's return value.
type ExecutionCompletedPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// ExecutionSuspendedPayload lists the operations the execution is parked on.
type ExecutionSuspendedPayload struct {
	Pending []string `json:"pending"`
}

// StepStartedPayload is journaled before a step body runs.
type StepStartedPayload struct {
	Name string `json:"name,omitempty"`
}

// StepRetryingPayload is journaled for every failed attempt that will be retried.
type StepRetryingPayload struct {
	Attempt int           `json:"attempt"`
	Error   *DurableError `json:"error"`
}

// WaitStartedPayload records what a wait is blocked on and when it expires.
type WaitStartedPayload struct {
	Name       string     `json:"name,omitempty"`
	Kind       WaitKind   `json:"kind"`
	Signal     string     `json:"signal,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	FireAt     *time.Time `json:"fire_at,omitempty"`
	TimeoutAt  *time.Time `json:"timeout_at,omitempty"`
}

// Deadline returns the instant at which the wait's timer fires, if any.
func (p *WaitStartedPayload) Deadline() *time.Time {
	if p.Kind == WaitKindDuration {
		return p.FireAt
	}
	return p.TimeoutAt
}

// WaitCompletedPayload carries the delivering signal for signal waits.
type WaitCompletedPayload struct {
	SignalSequence int64           `json:"signal_sequence,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SignalReceivedPayload is journaled for every delivered signal.
type SignalReceivedPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

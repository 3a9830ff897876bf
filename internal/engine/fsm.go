package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// TransitionHook is called before or after an execution changes status.
// Before-hooks may veto the transition by returning an error.
type TransitionHook func(ctx context.Context, exec *store.Execution, from, to schema.ExecutionStatus) error

// ExecutionUpdater persists status changes; satisfied by store.Store.
type ExecutionUpdater interface {
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// AnyStatus matches every status when registering hooks.
const AnyStatus schema.ExecutionStatus = "*"

// ExecutionFSM manages execution lifecycle transitions. The journal event for a
// transition is written by the caller first; the FSM persists the status row.
type ExecutionFSM struct {
	mu      sync.Mutex
	updater ExecutionUpdater
	now     func() time.Time
	before  map[hookKey][]TransitionHook
	after   map[hookKey][]TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM persisting through updater.
func NewExecutionFSM(updater ExecutionUpdater, now func() time.Time) *ExecutionFSM {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ExecutionFSM{
		updater: updater,
		now:     now,
		before:  make(map[hookKey][]TransitionHook),
		after:   make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. Use AnyStatus as a wildcard.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition. Use AnyStatus as a wildcard.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates exec.Status -> to, runs hooks, and persists the new status
// together with update. exec is updated in place on success.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	from := exec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	for _, hook := range f.hooks(f.before, from, to) {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}

	now := f.now()
	update.Status = &to
	if to == schema.ExecutionStatusRunning && exec.StartedAt == nil && update.StartedAt == nil {
		update.StartedAt = &now
	}
	if to.IsTerminal() && update.CompletedAt == nil {
		update.CompletedAt = &now
	}
	if err := f.updater.UpdateExecution(ctx, exec.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist execution status: %s", err.Error()).WithCause(err)
	}

	exec.Status = to
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}

	// After-hook errors are ignored; hooks log their own failures.
	for _, hook := range f.hooks(f.after, from, to) {
		_ = hook(ctx, exec, from, to)
	}
	return nil
}

func (f *ExecutionFSM) hooks(m map[hookKey][]TransitionHook, from, to schema.ExecutionStatus) []TransitionHook {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TransitionHook
	for _, key := range []hookKey{{from, to}, {AnyStatus, to}, {from, AnyStatus}, {AnyStatus, AnyStatus}} {
		out = append(out, m[key]...)
	}
	return out
}

// IsValidTransition reports whether from -> to is in ValidExecutionTransitions.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusSuspended, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusSuspended: {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

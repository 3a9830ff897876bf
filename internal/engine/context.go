package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// ErrSuspended is returned by every operation once the execution has parked on
// a wait that cannot complete yet. Handlers should return it unchanged; the host
// records the suspension and re-runs the handler when the wait is satisfied.
var ErrSuspended = errors.New("durable: execution suspended")

// TimerStore persists durable timers for pending waits.
type TimerStore interface {
	UpsertTimer(ctx context.Context, timer *store.Timer) error
}

// DurableContext is the handle a handler uses to issue durable operations.
// It carries the replay cursor and the journal writer for one invocation, and
// is passed explicitly rather than stored in context.Context.
//
// Operations must be issued sequentially; use WaitAll for concurrent waits.
type DurableContext struct {
	executionID string
	w           *journalWriter
	r           *replayer
	ids         *identities
	clock       clock.Clock
	timers      TimerStore
	logger      *slog.Logger
	verify      bool

	cancelRequested atomic.Bool

	mu              sync.Mutex
	fatal           error
	suspended       bool
	pending         []string
	cancelled       *schema.DurableError
	cancelJournaled bool
	matched         int

	// unsaved holds step outcomes computed by an earlier attempt of this
	// invocation whose append failed. Shared across host-level retries.
	unsaved *unsavedOutcomes
}

type unsavedOutcome struct {
	eventType string
	result    json.RawMessage
	err       *schema.DurableError
}

type unsavedOutcomes struct {
	mu  sync.Mutex
	ops map[string]*unsavedOutcome
}

func newUnsavedOutcomes() *unsavedOutcomes {
	return &unsavedOutcomes{ops: make(map[string]*unsavedOutcome)}
}

func (u *unsavedOutcomes) put(opID string, o *unsavedOutcome) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops[opID] = o
}

func (u *unsavedOutcomes) take(opID string) *unsavedOutcome {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	o := u.ops[opID]
	delete(u.ops, opID)
	return o
}

// ExecutionID returns the id of the running execution.
func (dc *DurableContext) ExecutionID() string { return dc.executionID }

// Logger returns a logger tagged with the execution and invocation ids.
func (dc *DurableContext) Logger() *slog.Logger { return dc.logger }

// IsReplaying reports whether the handler is still re-issuing recorded operations.
func (dc *DurableContext) IsReplaying() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.r.cursor < len(dc.r.starts)
}

// requestCancel flags the live invocation; the next operation that would run
// for real observes it.
func (dc *DurableContext) requestCancel() { dc.cancelRequested.Store(true) }

// begin assigns the next operation id and matches it against the journal.
// A nil history means the call is new.
func (dc *DurableContext) begin(kind schema.OperationKind, name string) (string, *opHistory, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if err := dc.stickyLocked(); err != nil {
		return "", nil, err
	}
	id := dc.ids.next(kind, name)
	h, err := dc.r.match(id)
	if err != nil {
		return id, nil, dc.failLocked(err)
	}
	if h != nil {
		dc.matched++
	}
	return id, h, nil
}

// frontier is crossed by every operation about to append new events. It is
// where cancellation is observed and where verification stops.
func (dc *DurableContext) frontier(ctx context.Context, opID string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.verify {
		dc.suspended = true
		dc.pending = append(dc.pending, opID)
		return ErrSuspended
	}
	if !dc.cancelRequested.Load() {
		return nil
	}
	if !dc.cancelJournaled {
		if _, err := dc.w.append(ctx, schema.EventCancelRequested, "", nil); err != nil {
			return dc.failLocked(err)
		}
		dc.cancelJournaled = true
	}
	dc.cancelled = schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", dc.executionID).
		WithOperation(opID)
	return dc.cancelled
}

func (dc *DurableContext) stickyLocked() error {
	switch {
	case dc.fatal != nil:
		return dc.fatal
	case dc.suspended:
		return ErrSuspended
	case dc.cancelled != nil:
		return dc.cancelled
	}
	return nil
}

func (dc *DurableContext) append(ctx context.Context, eventType, opID string, payload any) (*store.Event, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	e, err := dc.w.append(ctx, eventType, opID, payload)
	if err != nil {
		return nil, dc.failLocked(err)
	}
	return e, nil
}

func (dc *DurableContext) fail(err error) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.failLocked(err)
}

func (dc *DurableContext) failLocked(err error) error {
	if dc.fatal == nil {
		dc.fatal = err
	}
	return err
}

func (dc *DurableContext) suspend(opIDs []string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.suspended = true
	dc.pending = append(dc.pending, opIDs...)
	return ErrSuspended
}

// invocationState is what settle reads after the handler returned.
type invocationState struct {
	fatal     error
	suspended bool
	pending   []string
	cancelled *schema.DurableError
	matched   int
	remaining []string
}

func (dc *DurableContext) snapshot() invocationState {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return invocationState{
		fatal:     dc.fatal,
		suspended: dc.suspended,
		pending:   append([]string(nil), dc.pending...),
		cancelled: dc.cancelled,
		matched:   dc.matched,
		remaining: dc.r.remaining(),
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/logging"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/internal/streaming"
	"github.com/rendis/durable/pkg/schema"
)

// DefaultJournalRetry is applied when HostConfig.JournalRetry.Max is zero.
var DefaultJournalRetry = schema.RetryPolicy{
	Max:      3,
	Backoff:  "exponential",
	Delay:    100 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// HostConfig holds the optional dependencies of a Host.
type HostConfig struct {
	Journal      store.Journal         // event storage, defaults to the Store
	JournalRetry schema.RetryPolicy    // invocation retries on JOURNAL_UNAVAILABLE
	Breaker      *CircuitBreakerConfig // journal circuit breaker (nil = defaults)
	Hub          streaming.EventHub    // receives every committed event (optional)
	Clock        clock.Clock
	Logger       *slog.Logger
}

// ExecutionResult is the state of an execution after an invocation.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *schema.DurableError   `json:"error,omitempty"`
	Pending     []string               `json:"pending,omitempty"`
}

// InvokeRequest starts or re-enters an execution. An empty ExecutionID
// creates a new execution; a known one is resumed or, when terminal, its
// stored result is returned.
type InvokeRequest struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	Handler     string          `json:"handler"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// VerifyReport is the outcome of a read-only replay.
type VerifyReport struct {
	ExecutionID string               `json:"execution_id"`
	Recorded    int                  `json:"recorded"`
	Matched     int                  `json:"matched"`
	StoppedAt   []string             `json:"stopped_at,omitempty"`
	Error       *schema.DurableError `json:"error,omitempty"`
	OK          bool                 `json:"ok"`
}

// Host runs handlers against their journals. Invocations of one execution are
// serialised; different executions run in parallel.
type Host struct {
	store    store.Store
	journal  *guardedJournal
	registry *Registry
	fsm      *ExecutionFSM
	clock    clock.Clock
	hub      streaming.EventHub
	logger   *slog.Logger
	retry    schema.RetryPolicy
	locks    *keyedMutex

	mu      sync.Mutex
	running map[string]*DurableContext
}

// NewHost creates a Host persisting executions and timers in s.
func NewHost(s store.Store, registry *Registry, cfg HostConfig) *Host {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Journal == nil {
		cfg.Journal = s
	}
	if cfg.JournalRetry.Max == 0 {
		cfg.JournalRetry = DefaultJournalRetry
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.Breaker != nil {
		cbConfig = *cfg.Breaker
	}

	h := &Host{
		store:    s,
		registry: registry,
		fsm:      NewExecutionFSM(s, cfg.Clock.Now),
		clock:    cfg.Clock,
		hub:      cfg.Hub,
		logger:   cfg.Logger,
		retry:    cfg.JournalRetry,
		locks:    newKeyedMutex(),
		running:  make(map[string]*DurableContext),
	}
	h.journal = &guardedJournal{
		journal:  cfg.Journal,
		breaker:  NewCircuitBreaker("journal", cbConfig, cfg.Clock),
		onAppend: h.publish,
	}
	return h
}

// FSM exposes the lifecycle state machine so callers can register hooks.
func (h *Host) FSM() *ExecutionFSM { return h.fsm }

// Registry returns the handler registry.
func (h *Host) Registry() *Registry { return h.registry }

// JournalBreaker returns the stats of the journal circuit breaker.
func (h *Host) JournalBreaker() map[string]any { return h.journal.breaker.Stats() }

// Invoke runs an execution until it completes, fails, is cancelled or suspends.
func (h *Host) Invoke(ctx context.Context, req InvokeRequest) (*ExecutionResult, error) {
	if req.ExecutionID == "" && req.Handler == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "handler is required")
	}
	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := h.locks.lock(id)
	defer unlock()

	exec, err := h.store.GetExecution(ctx, id)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if req.Handler == "" {
			return nil, err
		}
		if exec, err = h.create(ctx, id, req.Handler, req.Input); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case req.Handler != "" && req.Handler != exec.HandlerName:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s belongs to handler %q, not %q", id, exec.HandlerName, req.Handler)
	}
	return h.invoke(ctx, exec)
}

// Start creates and runs a new execution, returning its id. Used by the scheduler.
func (h *Host) Start(ctx context.Context, handler string, input json.RawMessage) (string, error) {
	res, err := h.Invoke(ctx, InvokeRequest{Handler: handler, Input: input})
	if err != nil {
		return "", err
	}
	return res.ExecutionID, nil
}

// Resume re-runs a known execution from its journal.
func (h *Host) Resume(ctx context.Context, executionID string) (*ExecutionResult, error) {
	unlock := h.locks.lock(executionID)
	defer unlock()

	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return h.invoke(ctx, exec)
}

func (h *Host) create(ctx context.Context, id, handler string, input json.RawMessage) (*store.Execution, error) {
	if err := h.registry.Validate(handler, input); err != nil {
		return nil, err
	}
	exec := &store.Execution{
		ID:          id,
		HandlerName: handler,
		Status:      schema.ExecutionStatusPending,
		Input:       input,
		CreatedAt:   h.clock.Now(),
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return h.store.GetExecution(ctx, id)
		}
		return nil, err
	}
	h.logger.Info("execution created", slog.String("execution_id", id), slog.String("handler", handler))
	return exec, nil
}

// invoke retries whole invocations while the journal is unavailable. Replay
// makes a retried invocation pick up exactly where the failed one stopped.
func (h *Host) invoke(ctx context.Context, exec *store.Execution) (*ExecutionResult, error) {
	unsaved := newUnsavedOutcomes()
	for attempt := 0; ; attempt++ {
		res, err := h.runOnce(ctx, exec, unsaved)
		if err == nil || !schema.IsCode(err, schema.ErrCodeJournalUnavailable) || attempt >= h.retry.Max {
			return res, err
		}

		delay := ComputeBackoff(&h.retry, attempt)
		h.logger.Warn("journal unavailable, retrying invocation",
			slog.String("execution_id", exec.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := h.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		if fresh, gerr := h.store.GetExecution(ctx, exec.ID); gerr == nil {
			exec = fresh
		}
	}
}

func (h *Host) runOnce(ctx context.Context, exec *store.Execution, unsaved *unsavedOutcomes) (*ExecutionResult, error) {
	events, err := h.journal.Read(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	r, err := newReplayer(exec.ID, events)
	if err != nil {
		return nil, err
	}
	if r.terminal != nil {
		return h.reconcile(ctx, exec, r.terminal)
	}
	if exec.Status.IsTerminal() {
		return resultFromExecution(exec), nil
	}
	reg, err := h.registry.lookup(exec.HandlerName)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.NewString()
	ctx = logging.WithIDs(ctx, exec.ID, "", invocationID)
	dc := h.newContext(ctx, exec, r, false)
	dc.unsaved = unsaved

	if len(events) == 0 {
		_, err = dc.w.append(ctx, schema.EventExecutionStarted, "",
			schema.ExecutionStartedPayload{Handler: exec.HandlerName, Input: exec.Input})
	} else {
		_, err = dc.w.append(ctx, schema.EventExecutionResumed, "", nil)
	}
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionStatusRunning {
		if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusRunning, store.ExecutionUpdate{}); err != nil {
			return nil, err
		}
	}

	h.track(dc)
	defer h.untrack(exec.ID)

	h.logger.DebugContext(ctx, "invoking handler",
		slog.String("handler", exec.HandlerName),
		slog.Int("recorded_operations", len(r.starts)),
	)
	out, herr := callHandler(ctx, reg.handler, dc, exec.Input)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return h.settle(ctx, exec, dc, out, herr)
}

// newContext builds the DurableContext for one invocation; its logger carries
// the correlation ids already set on ctx.
func (h *Host) newContext(ctx context.Context, exec *store.Execution, r *replayer, verify bool) *DurableContext {
	dc := &DurableContext{
		executionID: exec.ID,
		w:           &journalWriter{journal: h.journal, executionID: exec.ID, tail: r.tail, clock: h.clock},
		r:           r,
		ids:         newIdentities(),
		clock:       h.clock,
		timers:      h.store,
		logger:      logging.LogWith(ctx, h.logger),
		verify:      verify,
	}
	if !verify {
		dc.cancelJournaled = r.cancelRequested
		if exec.CancelRequested || r.cancelRequested {
			dc.requestCancel()
		}
	}
	return dc
}

func callHandler(ctx context.Context, fn Handler, dc *DurableContext, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handler panicked: %v", r)
		}
	}()
	return fn(ctx, dc, input)
}

// settle records how the invocation ended. Precedence: fatal errors, then
// suspension, then observed cancellation, then the handler's own result.
func (h *Host) settle(ctx context.Context, exec *store.Execution, dc *DurableContext, out any, herr error) (*ExecutionResult, error) {
	st := dc.snapshot()
	switch {
	case st.fatal != nil:
		if schema.IsCode(st.fatal, schema.ErrCodeNondeterministic) {
			return h.finishFailed(ctx, exec, dc.w, asDurableError(st.fatal))
		}
		return nil, st.fatal

	case st.suspended:
		if _, err := dc.w.append(ctx, schema.EventExecutionSuspended, "",
			schema.ExecutionSuspendedPayload{Pending: st.pending}); err != nil {
			return nil, err
		}
		if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusSuspended, store.ExecutionUpdate{}); err != nil {
			return nil, err
		}
		h.logger.InfoContext(ctx, "execution suspended", slog.Any("pending", st.pending))
		return &ExecutionResult{ExecutionID: exec.ID, Status: exec.Status, Pending: st.pending}, nil

	case st.cancelled != nil:
		return h.finishCancelled(ctx, exec, dc.w, st.cancelled)

	case herr != nil:
		return h.finishFailed(ctx, exec, dc.w, asDurableError(herr))

	case len(st.remaining) > 0:
		return h.finishFailed(ctx, exec, dc.w, schema.NewErrorf(schema.ErrCodeNondeterministic,
			"handler returned with %d recorded operations not replayed", len(st.remaining)).
			WithOperation(st.remaining[0]).
			WithDetails(map[string]any{"execution_id": exec.ID, "unreplayed": st.remaining}))
	}

	output, err := json.Marshal(out)
	if err != nil {
		return h.finishFailed(ctx, exec, dc.w,
			schema.NewErrorf(schema.ErrCodeExecution, "encode handler output: %s", err.Error()))
	}
	if _, err := dc.w.append(ctx, schema.EventExecutionCompleted, "",
		schema.ExecutionCompletedPayload{Output: output}); err != nil {
		return nil, err
	}
	h.dropTimers(ctx, exec.ID)
	if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusCompleted, store.ExecutionUpdate{Output: output}); err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "execution completed")
	return &ExecutionResult{ExecutionID: exec.ID, Status: exec.Status, Output: output}, nil
}

func (h *Host) finishFailed(ctx context.Context, exec *store.Execution, w *journalWriter, de *schema.DurableError) (*ExecutionResult, error) {
	if _, err := w.append(ctx, schema.EventExecutionFailed, "", de); err != nil {
		return nil, err
	}
	h.dropTimers(ctx, exec.ID)
	raw, _ := json.Marshal(de)
	if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusFailed, store.ExecutionUpdate{Error: raw}); err != nil {
		return nil, err
	}
	h.logger.WarnContext(ctx, "execution failed", slog.String("error", de.Error()))
	return &ExecutionResult{ExecutionID: exec.ID, Status: exec.Status, Error: roundTripError(de)}, nil
}

func (h *Host) finishCancelled(ctx context.Context, exec *store.Execution, w *journalWriter, de *schema.DurableError) (*ExecutionResult, error) {
	if _, err := w.append(ctx, schema.EventExecutionCancelled, "", de); err != nil {
		return nil, err
	}
	h.dropTimers(ctx, exec.ID)
	raw, _ := json.Marshal(de)
	if err := h.fsm.Transition(ctx, exec, schema.ExecutionStatusCancelled, store.ExecutionUpdate{Error: raw}); err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "execution cancelled")
	return &ExecutionResult{ExecutionID: exec.ID, Status: exec.Status, Error: roundTripError(de)}, nil
}

// reconcile returns the result recorded by a terminal journal event and brings
// the execution row in line with it if a crash left the row behind.
func (h *Host) reconcile(ctx context.Context, exec *store.Execution, terminal *store.Event) (*ExecutionResult, error) {
	res := &ExecutionResult{ExecutionID: exec.ID}
	var update store.ExecutionUpdate
	switch terminal.Type {
	case schema.EventExecutionCompleted:
		var p schema.ExecutionCompletedPayload
		if err := json.Unmarshal(terminal.Payload, &p); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode %s: %s", terminal.Type, err.Error()).WithCause(err)
		}
		res.Status, res.Output, update.Output = schema.ExecutionStatusCompleted, p.Output, p.Output
	case schema.EventExecutionFailed:
		res.Status, res.Error, update.Error = schema.ExecutionStatusFailed, decodeError(terminal), terminal.Payload
	default:
		res.Status, res.Error, update.Error = schema.ExecutionStatusCancelled, decodeError(terminal), terminal.Payload
	}

	if exec.Status != res.Status {
		var err error
		if IsValidTransition(exec.Status, res.Status) {
			err = h.fsm.Transition(ctx, exec, res.Status, update)
		} else {
			update.Status = &res.Status
			err = h.store.UpdateExecution(ctx, exec.ID, update)
		}
		if err != nil {
			return nil, err
		}
		h.logger.Info("reconciled execution status with journal",
			slog.String("execution_id", exec.ID), slog.String("status", string(res.Status)))
	}
	return res, nil
}

// Signal delivers a named signal. It completes the earliest pending wait on
// that signal, or buffers the signal for a later WaitForSignal. A suspended
// execution whose wait was completed is resumed before Signal returns.
func (h *Host) Signal(ctx context.Context, executionID, name string, payload json.RawMessage) (*ExecutionResult, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "signal name is required")
	}

	unlock := h.locks.lock(executionID)
	defer unlock()

	exec, r, err := h.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() || r.terminal != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s", executionID, exec.Status)
	}

	w := h.writer(executionID, r.tail)
	sig, err := w.append(ctx, schema.EventSignalReceived, "", schema.SignalReceivedPayload{Name: name, Payload: payload})
	if err != nil {
		return nil, err
	}

	opID, ok := r.pendingSignalWait(name)
	if !ok {
		h.logger.Info("signal buffered", slog.String("execution_id", executionID), slog.String("signal", name))
		return resultFromExecution(exec), nil
	}
	if _, err := w.append(ctx, schema.EventWaitCompleted, opID,
		schema.WaitCompletedPayload{SignalSequence: sig.Sequence, Payload: payload}); err != nil {
		return nil, err
	}
	h.dropTimer(ctx, executionID, opID)
	h.logger.Info("signal delivered",
		slog.String("execution_id", executionID), slog.String("signal", name), slog.String("operation_id", opID))

	if exec.Status == schema.ExecutionStatusSuspended {
		return h.invoke(ctx, exec)
	}
	return resultFromExecution(exec), nil
}

// FireTimer settles the wait behind a due timer and resumes the execution if
// it is suspended. Firing a timer whose wait already settled is a no-op.
func (h *Host) FireTimer(ctx context.Context, executionID, operationID string) (*ExecutionResult, error) {
	unlock := h.locks.lock(executionID)
	defer unlock()

	exec, r, err := h.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if r.terminal != nil || exec.Status.IsTerminal() {
		h.dropTimer(ctx, executionID, operationID)
		return resultFromExecution(exec), nil
	}

	hist, ok := r.ops[operationID]
	if !ok || hist.start == nil || hist.start.Type != schema.EventWaitStarted {
		h.dropTimer(ctx, executionID, operationID)
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no wait %s in execution %s", operationID, executionID)
	}

	if !hist.settled() {
		start, err := decodeWaitStart(hist.start)
		if err != nil {
			return nil, err
		}
		deadline := start.Deadline()
		if deadline == nil {
			h.dropTimer(ctx, executionID, operationID)
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "wait %s has no deadline", operationID)
		}
		if now := h.clock.Now(); deadline.After(now) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "timer %s not due until %s",
				operationID, deadline.Format(time.RFC3339Nano)).WithOperation(operationID)
		}

		w := h.writer(executionID, r.tail)
		if start.Kind == schema.WaitKindDuration {
			_, err = w.append(ctx, schema.EventWaitCompleted, operationID, nil)
		} else {
			_, err = w.append(ctx, schema.EventWaitFailed, operationID, WaitTimeoutError(operationID, start))
		}
		if err != nil {
			return nil, err
		}
	}
	h.dropTimer(ctx, executionID, operationID)

	if exec.Status == schema.ExecutionStatusSuspended {
		return h.invoke(ctx, exec)
	}
	return resultFromExecution(exec), nil
}

// Cancel requests cancellation. A live invocation observes it at its next
// operation; a pending or suspended execution is cancelled immediately.
func (h *Host) Cancel(ctx context.Context, executionID string) (*ExecutionResult, error) {
	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return resultFromExecution(exec), nil
	}

	flag := true
	if err := h.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{CancelRequested: &flag}); err != nil {
		return nil, err
	}
	if dc := h.live(executionID); dc != nil {
		dc.requestCancel()
		h.logger.Info("cancellation requested", slog.String("execution_id", executionID))
		return &ExecutionResult{ExecutionID: executionID, Status: schema.ExecutionStatusRunning}, nil
	}

	unlock := h.locks.lock(executionID)
	defer unlock()

	exec, r, err := h.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if r.terminal != nil {
		return h.reconcile(ctx, exec, r.terminal)
	}
	if exec.Status.IsTerminal() {
		return resultFromExecution(exec), nil
	}

	w := h.writer(executionID, r.tail)
	if !r.cancelRequested {
		if _, err := w.append(ctx, schema.EventCancelRequested, "", nil); err != nil {
			return nil, err
		}
	}
	de := schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", executionID)
	return h.finishCancelled(ctx, exec, w, de)
}

// Status returns the execution row.
func (h *Host) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return h.store.GetExecution(ctx, executionID)
}

// History returns the execution's journal in sequence order.
func (h *Host) History(ctx context.Context, executionID string) ([]*store.Event, error) {
	if _, err := h.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return h.journal.Read(ctx, executionID)
}

// Operations folds the journal into per-operation state.
func (h *Host) Operations(ctx context.Context, executionID string) (map[string]*store.OperationState, error) {
	events, err := h.History(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return store.ReplayOperations(executionID, events)
}

// List returns executions matching filter.
func (h *Host) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return h.store.ListExecutions(ctx, filter)
}

// Verify re-runs the handler against the journal without writing anything and
// reports whether the code still issues the recorded operations. It stops at
// the first operation that would take the execution path.
func (h *Host) Verify(ctx context.Context, executionID string) (*VerifyReport, error) {
	unlock := h.locks.lock(executionID)
	defer unlock()

	exec, r, err := h.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	reg, err := h.registry.lookup(exec.HandlerName)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, "", "verify")
	dc := h.newContext(ctx, exec, r, true)
	_, herr := callHandler(ctx, reg.handler, dc, exec.Input)
	st := dc.snapshot()

	report := &VerifyReport{
		ExecutionID: executionID,
		Recorded:    len(r.starts),
		Matched:     st.matched,
		StoppedAt:   st.pending,
	}
	switch {
	case st.fatal != nil:
		report.Error = asDurableError(st.fatal)
	case !st.suspended && herr == nil && len(st.remaining) > 0:
		report.Error = schema.NewErrorf(schema.ErrCodeNondeterministic,
			"handler returned with %d recorded operations not replayed", len(st.remaining)).
			WithOperation(st.remaining[0])
	}
	report.OK = report.Error == nil
	return report, nil
}

func (h *Host) load(ctx context.Context, executionID string) (*store.Execution, *replayer, error) {
	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := h.journal.Read(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	r, err := newReplayer(executionID, events)
	if err != nil {
		return nil, nil, err
	}
	return exec, r, nil
}

func (h *Host) writer(executionID string, tail int64) *journalWriter {
	return &journalWriter{journal: h.journal, executionID: executionID, tail: tail, clock: h.clock}
}

func (h *Host) dropTimer(ctx context.Context, executionID, operationID string) {
	if err := h.store.DeleteTimer(ctx, executionID, operationID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		h.logger.Warn("delete timer failed",
			slog.String("execution_id", executionID), slog.String("operation_id", operationID), slog.String("error", err.Error()))
	}
}

func (h *Host) dropTimers(ctx context.Context, executionID string) {
	if err := h.store.DeleteTimers(ctx, executionID); err != nil {
		h.logger.Warn("delete timers failed", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}
}

func (h *Host) track(dc *DurableContext) {
	h.mu.Lock()
	h.running[dc.executionID] = dc
	h.mu.Unlock()
}

func (h *Host) untrack(executionID string) {
	h.mu.Lock()
	delete(h.running, executionID)
	h.mu.Unlock()
}

func (h *Host) live(executionID string) *DurableContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running[executionID]
}

func (h *Host) publish(e *store.Event) {
	h.logger.Debug("journal append",
		slog.String("execution_id", e.ExecutionID),
		slog.Int64("sequence", e.Sequence),
		slog.String("type", e.Type),
		slog.String("operation_id", e.OperationID),
	)
	if h.hub == nil {
		return
	}
	_ = h.hub.Publish(context.Background(), streaming.StreamEvent{
		ExecutionID: e.ExecutionID,
		Sequence:    e.Sequence,
		OperationID: e.OperationID,
		EventType:   e.Type,
		Payload:     e.Payload,
		Timestamp:   e.Timestamp,
	})
}

func resultFromExecution(exec *store.Execution) *ExecutionResult {
	res := &ExecutionResult{ExecutionID: exec.ID, Status: exec.Status, Output: exec.Output}
	if len(exec.Error) > 0 {
		var de schema.DurableError
		if json.Unmarshal(exec.Error, &de) == nil && de.Code != "" {
			res.Error = &de
		}
	}
	return res
}

// asDurableError keeps a DurableError returned as is. A wrapped one lends its
// code to an error carrying the full wrapped message; anything else becomes
// EXECUTION_ERROR.
func asDurableError(err error) *schema.DurableError {
	if de, ok := err.(*schema.DurableError); ok {
		return de
	}
	var inner *schema.DurableError
	if errors.As(err, &inner) {
		return &schema.DurableError{Code: inner.Code, Message: err.Error(), Details: inner.Details, Cause: err}
	}
	return schema.NewError(schema.ErrCodeExecution, fmt.Sprint(err)).WithCause(err)
}

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// WaitSpec describes one member of a WaitAll group. A non-empty Signal makes it
// a signal wait (with an optional Timeout); otherwise it waits for Duration.
type WaitSpec struct {
	Name     string
	Duration time.Duration
	Signal   string
	Timeout  time.Duration
}

// Sleep is a duration wait.
func Sleep(name string, d time.Duration) WaitSpec {
	return WaitSpec{Name: name, Duration: d}
}

// ForSignal waits for the named signal. A zero timeout waits forever.
func ForSignal(name, signal string, timeout time.Duration) WaitSpec {
	return WaitSpec{Name: name, Signal: signal, Timeout: timeout}
}

type waitOptions struct {
	timeout time.Duration
}

// WaitOption configures WaitForSignal.
type WaitOption func(*waitOptions)

// WithWaitTimeout fails the wait with WAIT_TIMEOUT if no signal arrives within d.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// Wait suspends the execution until d has elapsed since the wait was first issued.
func (dc *DurableContext) Wait(ctx context.Context, name string, d time.Duration) error {
	_, err := dc.WaitAll(ctx, Sleep(name, d))
	return err
}

// WaitForSignal suspends the execution until signal is delivered and returns
// its payload. A signal delivered before the wait is issued is buffered and
// consumed here.
func (dc *DurableContext) WaitForSignal(ctx context.Context, name, signal string, opts ...WaitOption) (json.RawMessage, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	res, err := dc.WaitAll(ctx, ForSignal(name, signal, o.timeout))
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

type waitMember struct {
	id      string
	start   *schema.WaitStartedPayload
	outcome *store.Event
}

// WaitAll issues every wait in specs and returns once all of them completed,
// with one result per spec (the signal payload, or nil for duration waits).
// Members are journaled independently and may complete in any order. If any
// member is still pending the execution suspends. When members failed, the
// error of the first one to fail is returned.
func (dc *DurableContext) WaitAll(ctx context.Context, specs ...WaitSpec) ([]json.RawMessage, error) {
	members := make([]*waitMember, len(specs))
	pending := false

	for i, spec := range specs {
		id, hist, err := dc.begin(schema.OperationKindWait, spec.Name)
		if err != nil {
			return nil, err
		}
		m := &waitMember{id: id}
		members[i] = m

		switch {
		case hist.settled():
			m.outcome = hist.outcome
			continue
		case hist != nil:
			if m.start, err = decodeWaitStart(hist.start); err != nil {
				return nil, dc.fail(err)
			}
		default:
			if err := dc.frontier(ctx, id); err != nil {
				return nil, err
			}
			m.start = dc.startPayload(spec)
			if _, err := dc.append(ctx, schema.EventWaitStarted, id, m.start); err != nil {
				return nil, err
			}
		}
		pending = true
	}

	if pending {
		if err := dc.frontier(ctx, members[0].id); err != nil {
			return nil, err
		}
		var parked []string
		for _, m := range members {
			if m.outcome != nil {
				continue
			}
			done, err := dc.resolveWait(ctx, m)
			if err != nil {
				return nil, err
			}
			if !done {
				parked = append(parked, m.id)
			}
		}
		if len(parked) > 0 {
			dc.logger.Debug("execution parked on waits", slog.Any("pending", parked))
			return nil, dc.suspend(parked)
		}
	}

	var failed *store.Event
	results := make([]json.RawMessage, len(members))
	for i, m := range members {
		if m.outcome.Type == schema.EventWaitFailed {
			if failed == nil || m.outcome.Sequence < failed.Sequence {
				failed = m.outcome
			}
			continue
		}
		if m.outcome.Type != schema.EventWaitCompleted {
			return nil, dc.fail(schema.NewErrorf(schema.ErrCodeNondeterministic,
				"operation %s is a wait in code but recorded %s", m.id, m.outcome.Type).WithOperation(m.id))
		}
		var p schema.WaitCompletedPayload
		if len(m.outcome.Payload) > 0 {
			if err := json.Unmarshal(m.outcome.Payload, &p); err != nil {
				return nil, dc.fail(schema.NewErrorf(schema.ErrCodeStore,
					"decode wait_completed at sequence %d: %s", m.outcome.Sequence, err.Error()).WithCause(err))
			}
		}
		results[i] = p.Payload
	}
	if failed != nil {
		return nil, decodeError(failed)
	}
	return results, nil
}

func (dc *DurableContext) startPayload(spec WaitSpec) *schema.WaitStartedPayload {
	now := dc.clock.Now()
	if spec.Signal != "" {
		p := &schema.WaitStartedPayload{Name: spec.Name, Kind: schema.WaitKindSignal, Signal: spec.Signal}
		if spec.Timeout > 0 {
			at := now.Add(spec.Timeout)
			p.TimeoutAt = &at
			p.DurationMs = spec.Timeout.Milliseconds()
		}
		return p
	}
	d := max(spec.Duration, 0)
	at := now.Add(d)
	return &schema.WaitStartedPayload{Name: spec.Name, Kind: schema.WaitKindDuration, DurationMs: d.Milliseconds(), FireAt: &at}
}

// resolveWait settles a pending member if it can be settled now, otherwise it
// makes sure a durable timer exists for its deadline.
func (dc *DurableContext) resolveWait(ctx context.Context, m *waitMember) (bool, error) {
	now := dc.clock.Now()
	deadline := m.start.Deadline()
	due := deadline != nil && !deadline.After(now)

	var err error
	switch {
	case m.start.Kind == schema.WaitKindSignal:
		if sig, p := dc.takeSignal(m.start.Signal); sig != nil {
			m.outcome, err = dc.append(ctx, schema.EventWaitCompleted, m.id,
				schema.WaitCompletedPayload{SignalSequence: sig.Sequence, Payload: p.Payload})
			return err == nil, err
		}
		if due {
			m.outcome, err = dc.append(ctx, schema.EventWaitFailed, m.id, WaitTimeoutError(m.id, m.start))
			return err == nil, err
		}
	case due:
		m.outcome, err = dc.append(ctx, schema.EventWaitCompleted, m.id, nil)
		return err == nil, err
	}

	if deadline == nil {
		return false, nil
	}
	kind := store.TimerKindWait
	if m.start.Kind == schema.WaitKindSignal {
		kind = store.TimerKindSignalTimeout
	}
	t := &store.Timer{ExecutionID: dc.executionID, OperationID: m.id, Kind: kind, FireAt: *deadline, CreatedAt: now}
	if err := dc.timers.UpsertTimer(ctx, t); err != nil {
		return false, dc.fail(schema.NewErrorf(schema.ErrCodeStore, "register timer for %s: %s", m.id, err.Error()).
			WithOperation(m.id).WithCause(err))
	}
	return false, nil
}

func (dc *DurableContext) takeSignal(name string) (*store.Event, *schema.SignalReceivedPayload) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.r.takeSignal(name)
}

// WaitTimeoutError is the failure journaled for a signal wait whose timeout elapsed.
func WaitTimeoutError(opID string, start *schema.WaitStartedPayload) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeWaitTimeout, "signal %q not received within %s",
		start.Signal, time.Duration(start.DurationMs)*time.Millisecond).WithOperation(opID)
}

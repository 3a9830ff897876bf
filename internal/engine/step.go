package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/durable/internal/logging"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// StepFunc is the body of a step. Its result must be JSON-serialisable.
type StepFunc func(ctx context.Context) (any, error)

type stepOptions struct {
	retry       *schema.RetryPolicy
	timeout     time.Duration
	atLeastOnce bool
}

// StepOption configures a single step call.
type StepOption func(*stepOptions)

// WithRetry retries failed attempts within the invocation according to policy.
func WithRetry(policy schema.RetryPolicy) StepOption {
	return func(o *stepOptions) { o.retry = &policy }
}

// WithStepTimeout fails an attempt with STEP_TIMEOUT once it has run for d.
// The body keeps its context deadline; a result arriving later is discarded.
func WithStepTimeout(d time.Duration) StepOption {
	return func(o *stepOptions) { o.timeout = d }
}

// WithAtLeastOnce lets a step that was started but never recorded an outcome
// run again on replay instead of failing with STEP_INTERRUPTED.
func WithAtLeastOnce() StepOption {
	return func(o *stepOptions) { o.atLeastOnce = true }
}

// Step runs fn at most once across all invocations of the execution and returns
// its JSON-encoded result. On replay the recorded result or error is returned
// without calling fn. An empty name gives the step an ordinal identity.
func (dc *DurableContext) Step(ctx context.Context, name string, fn StepFunc, opts ...StepOption) (json.RawMessage, error) {
	var o stepOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, hist, err := dc.begin(schema.OperationKindStep, name)
	if err != nil {
		return nil, err
	}
	if hist.settled() {
		return replayStep(hist.outcome)
	}
	if err := dc.frontier(ctx, id); err != nil {
		return nil, err
	}

	attempt := 0
	if hist != nil {
		if u := dc.unsaved.take(id); u != nil {
			return dc.commitOutcome(ctx, id, u)
		}
		if !o.atLeastOnce {
			derr := schema.NewError(schema.ErrCodeStepInterrupted,
				"step started in an earlier invocation and never recorded an outcome").WithOperation(id)
			if _, err := dc.append(ctx, schema.EventStepFailed, id, derr); err != nil {
				return nil, err
			}
			return nil, roundTripError(derr)
		}
		attempt = hist.retries
		dc.logger.Warn("re-running interrupted step", slog.String("operation_id", id), slog.Int("attempt", attempt))
	} else if _, err := dc.append(ctx, schema.EventStepStarted, id, schema.StepStartedPayload{Name: name}); err != nil {
		return nil, err
	}

	return dc.execute(ctx, id, fn, &o, attempt)
}

// Step is the typed form of DurableContext.Step.
func Step[T any](ctx context.Context, dc *DurableContext, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	raw, err := dc.Step(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeStepFailed, "decode step result into %T: %s", zero, err.Error()).WithCause(err)
	}
	return out, nil
}

func (dc *DurableContext) execute(ctx context.Context, id string, fn StepFunc, o *stepOptions, attempt int) (json.RawMessage, error) {
	for {
		res, err := runBody(ctx, id, fn, o.timeout)
		if ctx.Err() != nil {
			// The caller went away mid-step; nothing about the step is known.
			return nil, dc.fail(ctx.Err())
		}

		var out json.RawMessage
		if err == nil {
			out, err = json.Marshal(res)
			if err != nil {
				err = schema.NewErrorf(schema.ErrCodeStepFailed, "encode step result: %s", err.Error())
			}
		}
		if err == nil {
			return dc.commitOutcome(ctx, id, &unsavedOutcome{eventType: schema.EventStepCompleted, result: out})
		}

		derr := stepError(id, err)
		if o.retry != nil && attempt < o.retry.Max && IsRetryableError(err) {
			if dc.cancelRequested.Load() {
				// The failed attempt is recorded; no retry is scheduled.
				if err := dc.saveOutcome(ctx, id, &unsavedOutcome{eventType: schema.EventStepFailed, err: derr}); err != nil {
					return nil, err
				}
				return nil, dc.frontier(ctx, id)
			}
			attempt++
			if _, err := dc.append(ctx, schema.EventStepRetrying, id, schema.StepRetryingPayload{Attempt: attempt, Error: derr}); err != nil {
				return nil, err
			}
			dc.logger.Info("retrying step",
				slog.String("operation_id", id),
				slog.Int("attempt", attempt),
				slog.String("error", derr.Message),
			)
			if err := dc.clock.Sleep(ctx, ComputeBackoff(o.retry, attempt-1)); err != nil {
				return nil, dc.fail(err)
			}
			if dc.cancelRequested.Load() {
				return nil, dc.frontier(ctx, id)
			}
			continue
		}

		return dc.commitOutcome(ctx, id, &unsavedOutcome{eventType: schema.EventStepFailed, err: derr})
	}
}

// commitOutcome journals a step outcome. If the append fails the outcome is
// kept so a retried invocation records it instead of re-running the body.
func (dc *DurableContext) commitOutcome(ctx context.Context, id string, u *unsavedOutcome) (json.RawMessage, error) {
	if err := dc.saveOutcome(ctx, id, u); err != nil {
		return nil, err
	}
	if u.err != nil {
		return nil, roundTripError(u.err)
	}
	return u.result, nil
}

func (dc *DurableContext) saveOutcome(ctx context.Context, id string, u *unsavedOutcome) error {
	var payload any = u.result
	if u.err != nil {
		payload = u.err
	}
	if _, err := dc.append(ctx, u.eventType, id, payload); err != nil {
		dc.unsaved.put(id, u)
		return err
	}
	return nil
}

// runBody calls fn, enforcing timeout and converting panics to errors.
func runBody(ctx context.Context, id string, fn StepFunc, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return callBody(ctx, id, fn)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := callBody(tctx, id, fn)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, stepTimeout(id, timeout)
		}
		return r.v, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, stepTimeout(id, timeout)
	}
}

func callBody(ctx context.Context, id string, fn StepFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithOperation(id)
		}
	}()
	return fn(logging.WithOperationID(ctx, id))
}

func stepTimeout(id string, timeout time.Duration) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeStepTimeout, "step exceeded timeout of %s", timeout).WithOperation(id)
}

// stepError converts a body error into the record journaled for it. Coded
// DurableErrors keep their code; anything else becomes STEP_FAILED.
func stepError(id string, err error) *schema.DurableError {
	var de *schema.DurableError
	if errors.As(err, &de) {
		out := &schema.DurableError{Code: de.Code, Message: de.Message, Details: de.Details, OperationID: id}
		return out
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithOperation(id)
}

func replayStep(e *store.Event) (json.RawMessage, error) {
	switch e.Type {
	case schema.EventStepCompleted:
		return e.Payload, nil
	case schema.EventStepFailed:
		return nil, decodeError(e)
	}
	return nil, schema.NewError(schema.ErrCodeNondeterministic,
		fmt.Sprintf("operation %s is a step in code but recorded %s", e.OperationID, e.Type)).WithOperation(e.OperationID)
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/internal/logging"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/internal/streaming"
	"github.com/rendis/durable/pkg/schema"
)

func twoStepHandler(first *string) Handler {
	return func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		if _, err := dc.Step(ctx, *first, func(context.Context) (any, error) { return 1, nil }); err != nil {
			return nil, err
		}
		if err := dc.Wait(ctx, "pause", time.Second); err != nil {
			return nil, err
		}
		return "done", nil
	}
}

func TestHost_InvokeGeneratesID(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "noop", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		return "ok", nil
	})

	id, err := env.host.Start(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, env.status(t, id))
}

func TestHost_InvokeIsIdempotentOnceTerminal(t *testing.T) {
	env := newTestEnv(t)
	runs := 0
	env.register(t, "once", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		runs++
		return map[string]string{"hello": "world"}, nil
	})

	first := env.invoke(t, "exec-1", "once", `{"x":1}`)
	second := env.invoke(t, "exec-1", "once", `{"x":2}`)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, runs)
	assert.Len(t, env.trace(t, "exec-1"), 2)
}

func TestHost_InvokeErrors(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "greet", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		return nil, nil
	}, WithInputSchema(json.RawMessage(`{"type":"object","required":["name"]}`)))
	env.register(t, "other", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		return nil, nil
	})
	ctx := context.Background()

	_, err := env.host.Invoke(ctx, InvokeRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = env.host.Invoke(ctx, InvokeRequest{Handler: "missing"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = env.host.Invoke(ctx, InvokeRequest{ExecutionID: "exec-1", Handler: "greet", Input: json.RawMessage(`{}`)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = env.host.Status(ctx, "exec-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "invalid input creates nothing")

	env.invoke(t, "exec-1", "greet", `{"name":"ana"}`)
	_, err = env.host.Invoke(ctx, InvokeRequest{ExecutionID: "exec-1", Handler: "other"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = env.host.Resume(ctx, "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestHost_HandlerPanic(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "panics", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		panic("bad handler")
	})

	res := env.invoke(t, "exec-1", "panics", "")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "bad handler")
}

func TestHost_HandlerErrorIsWrapped(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "fails", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("inventory empty")
	})

	res := env.invoke(t, "exec-1", "fails", "")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeExecution, res.Error.Code)
	assert.Equal(t, "inventory empty", res.Error.Message)

	exec, err := env.host.Status(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"EXECUTION_ERROR","message":"inventory empty"}`, string(exec.Error))
}

func TestHost_NondeterministicReplay(t *testing.T) {
	env := newTestEnv(t)
	name := "reserve"
	env.register(t, "order", twoStepHandler(&name))

	res := env.invoke(t, "exec-1", "order", "")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)

	name = "reserve-v2"
	env.clock.Advance(time.Second)
	res = env.fire(t, "exec-1", "wait:pause#1")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeNondeterministic, res.Error.Code)
	assert.Equal(t, "step:reserve-v2#1", res.Error.OperationID)
	assert.Equal(t, "step:reserve#1", res.Error.Details["recorded"])
}

func TestHost_NamingAnUnnamedStepDiverges(t *testing.T) {
	env := newTestEnv(t)
	name := ""
	env.register(t, "order", twoStepHandler(&name))

	res := env.invoke(t, "exec-1", "order", "")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.Contains(t, env.trace(t, "exec-1"), "step_started step@1")

	name = "reserve"
	env.clock.Advance(time.Second)
	res = env.fire(t, "exec-1", "wait:pause#1")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeNondeterministic, res.Error.Code)
	assert.Equal(t, "step:reserve#1", res.Error.OperationID)
	assert.Equal(t, "step@1", res.Error.Details["recorded"])
}

func TestHost_ResumeAfterCrashSkipsCompletedSteps(t *testing.T) {
	env := newTestEnv(t)
	calls := counter{}
	env.register(t, "crash", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		if _, err := dc.Step(ctx, "a", calls.step("a", "a")); err != nil {
			return nil, err
		}
		return dc.Step(ctx, "x", calls.step("x", "x"))
	})

	// The process died after step a completed: no terminal event, row still running.
	ctx := context.Background()
	require.NoError(t, env.store.CreateExecution(ctx, &store.Execution{
		ID:          "exec-1",
		HandlerName: "crash",
		Status:      schema.ExecutionStatusRunning,
		CreatedAt:   epoch,
		StartedAt:   &epoch,
	}))
	for _, e := range []*store.Event{
		{Type: schema.EventExecutionStarted, Payload: json.RawMessage(`{"handler":"crash"}`)},
		{Type: schema.EventStepStarted, OperationID: "step:a#1", Payload: json.RawMessage(`{"name":"a"}`)},
		{Type: schema.EventStepCompleted, OperationID: "step:a#1", Payload: json.RawMessage(`"a"`)},
	} {
		_, err := env.store.Append(ctx, "exec-1", e)
		require.NoError(t, err)
	}

	res, err := env.host.Resume(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.JSONEq(t, `"x"`, string(res.Output))
	assert.Equal(t, 0, calls["a"])
	assert.Equal(t, 1, calls["x"])

	assert.Equal(t, []string{
		"execution_started",
		"step_started step:a#1",
		"step_completed step:a#1",
		"execution_resumed",
		"step_started step:x#1",
		"step_completed step:x#1",
		"execution_completed",
	}, env.trace(t, "exec-1"))
}

func TestHost_FailureKeepsHandlerWrapping(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "checkout", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		_, err := dc.Step(ctx, "charge", func(context.Context) (any, error) {
			return nil, fmt.Errorf("card declined")
		})
		if err != nil {
			return nil, fmt.Errorf("checkout aborted: %w", err)
		}
		return "paid", nil
	})

	res := env.invoke(t, "exec-1", "checkout", "")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
	assert.Equal(t, "checkout aborted: [STEP_FAILED] operation step:charge#1: card declined", res.Error.Message)

	again := env.invoke(t, "exec-1", "checkout", "")
	require.NotNil(t, again.Error)
	assert.Equal(t, res.Error.Code, again.Error.Code)
	assert.Equal(t, res.Error.Message, again.Error.Message, "a replayed failure returns the same error")
}

func TestHost_LogsCarryCorrelationIDsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	env := newTestEnvWith(t, HostConfig{Logger: logger})

	var opID string
	env.register(t, "logged", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		_, err := dc.Step(ctx, "charge", func(ctx context.Context) (any, error) {
			opID = logging.OperationID(ctx)
			dc.Logger().Info("charging")
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("boom")
	})

	res := env.invoke(t, "exec-1", "logged", "")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "step:charge#1", opID)

	var charging, failed string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		switch {
		case strings.Contains(line, `"msg":"charging"`):
			charging = line
		case strings.Contains(line, `"msg":"execution failed"`):
			failed = line
		}
	}
	require.NotEmpty(t, charging)
	assert.Contains(t, charging, `"execution_id":"exec-1"`)
	assert.Contains(t, charging, `"invocation_id"`)

	require.NotEmpty(t, failed)
	assert.Equal(t, 1, strings.Count(failed, `"execution_id"`))
}

func TestHost_UnreplayedOperationsFail(t *testing.T) {
	env := newTestEnv(t)
	skip := false
	env.register(t, "shrinking", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		if skip {
			return "short", nil
		}
		return nil, dc.Wait(ctx, "pause", time.Second)
	})

	env.invoke(t, "exec-1", "shrinking", "")
	skip = true
	env.clock.Advance(time.Second)
	res := env.fire(t, "exec-1", "wait:pause#1")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeNondeterministic, res.Error.Code)
	assert.Equal(t, "wait:pause#1", res.Error.OperationID)
}

func TestHost_CancelSuspended(t *testing.T) {
	env := newTestEnv(t)
	name := "reserve"
	env.register(t, "order", twoStepHandler(&name))
	env.invoke(t, "exec-1", "order", "")

	res, err := env.host.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Empty(t, env.timers(t, "exec-1"))

	trace := env.trace(t, "exec-1")
	assert.Equal(t, []string{"cancel_requested", "execution_cancelled"}, trace[len(trace)-2:])

	again, err := env.host.Cancel(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, again.Status)
	assert.Len(t, env.trace(t, "exec-1"), len(trace), "cancel of a terminal execution appends nothing")

	_, err = env.host.Signal(context.Background(), "exec-1", "x", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestHost_CancelObservedAtNextOperation(t *testing.T) {
	env := newTestEnv(t)
	var cancelRes *ExecutionResult
	secondRan := false
	env.register(t, "self-cancel", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		_, err := dc.Step(ctx, "first", func(ctx context.Context) (any, error) {
			var cerr error
			cancelRes, cerr = env.host.Cancel(ctx, dc.ExecutionID())
			return "first", cerr
		})
		if err != nil {
			return nil, err
		}
		_, err = dc.Step(ctx, "second", func(context.Context) (any, error) {
			secondRan = true
			return nil, nil
		})
		return nil, err
	})

	res := env.invoke(t, "exec-1", "self-cancel", "")
	require.NotNil(t, cancelRes)
	assert.Equal(t, schema.ExecutionStatusRunning, cancelRes.Status)
	require.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, "step:second#1", res.Error.OperationID)
	assert.False(t, secondRan)

	assert.Equal(t, []string{
		"execution_started",
		"step_started step:first#1",
		"step_completed step:first#1",
		"cancel_requested",
		"execution_cancelled",
	}, env.trace(t, "exec-1"))
}

func TestHost_Verify(t *testing.T) {
	env := newTestEnv(t)
	name := "reserve"
	env.register(t, "order", twoStepHandler(&name))
	env.invoke(t, "exec-1", "order", "")
	before := env.trace(t, "exec-1")

	report, err := env.host.Verify(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Recorded)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, []string{"wait:pause#1"}, report.StoppedAt)

	name = "reserve-v2"
	report, err = env.host.Verify(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotNil(t, report.Error)
	assert.Equal(t, schema.ErrCodeNondeterministic, report.Error.Code)

	assert.Equal(t, before, env.trace(t, "exec-1"), "verify never appends")
	assert.Equal(t, schema.ExecutionStatusSuspended, env.status(t, "exec-1"))
}

func TestHost_VerifyCompletedExecution(t *testing.T) {
	env := newTestEnv(t)
	name := "reserve"
	env.register(t, "order", twoStepHandler(&name))
	env.invoke(t, "exec-1", "order", "")
	env.clock.Advance(time.Second)
	env.fire(t, "exec-1", "wait:pause#1")

	report, err := env.host.Verify(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.StoppedAt)
	assert.Equal(t, report.Recorded, report.Matched)
}

func TestHost_HistoryAndOperations(t *testing.T) {
	env := newTestEnv(t)
	name := "reserve"
	env.register(t, "order", twoStepHandler(&name))
	env.invoke(t, "exec-1", "order", "")
	ctx := context.Background()

	events, err := env.host.History(ctx, "exec-1")
	require.NoError(t, err)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	ops, err := env.host.Operations(ctx, "exec-1")
	require.NoError(t, err)
	require.Contains(t, ops, "step:reserve#1")
	require.Contains(t, ops, "wait:pause#1")

	_, err = env.host.History(ctx, "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	status := schema.ExecutionStatusSuspended
	list, err := env.host.List(ctx, store.ExecutionFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "exec-1", list[0].ID)
}

func TestHost_PublishesCommittedEvents(t *testing.T) {
	hub := streaming.NewMemoryHubWithBuffer(64)
	env := newTestEnvWith(t, HostConfig{Hub: hub})
	env.register(t, "noop", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		return dc.Step(ctx, "only", func(context.Context) (any, error) { return 1, nil })
	})

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	env.invoke(t, "exec-1", "noop", "")

	var got []string
	for range 4 {
		select {
		case ev := <-ch:
			got = append(got, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, got)
}

func TestHost_ParallelExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "work", func(ctx context.Context, dc *DurableContext, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return Step(ctx, dc, "double", func(context.Context) (int, error) { return n * 2, nil })
	})

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.host.Invoke(context.Background(), InvokeRequest{
				ExecutionID: fmt.Sprintf("exec-%d", i),
				Handler:     "work",
				Input:       json.RawMessage(fmt.Sprint(i)),
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
		assert.JSONEq(t, fmt.Sprint(i*2), string(res.Output))
	}
	assert.Zero(t, env.host.locks.size())
}

func TestHost_ConcurrentInvokesOfOneExecution(t *testing.T) {
	env := newTestEnv(t)
	calls := counter{}
	var mu sync.Mutex
	env.register(t, "single", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		return dc.Step(ctx, "once", func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls["once"]++
			return "ok", nil
		})
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.host.Invoke(context.Background(), InvokeRequest{ExecutionID: "exec-1", Handler: "single"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls["once"])
	assert.Equal(t, schema.ExecutionStatusCompleted, env.status(t, "exec-1"))
}

func TestHost_ReconcilesStaleRow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "noop", func(context.Context, *DurableContext, json.RawMessage) (any, error) {
		return "ok", nil
	})
	env.invoke(t, "exec-1", "noop", "")

	running := schema.ExecutionStatusRunning
	require.NoError(t, env.store.UpdateExecution(context.Background(), "exec-1", store.ExecutionUpdate{Status: &running}))

	res, err := env.host.Resume(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.JSONEq(t, `"ok"`, string(res.Output))
	assert.Equal(t, schema.ExecutionStatusCompleted, env.status(t, "exec-1"))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, *DurableContext, json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, reg.Register("b", noop))
	require.NoError(t, reg.Register("a", noop))
	assert.True(t, schema.IsCode(reg.Register("a", noop), schema.ErrCodeConflict))
	assert.True(t, schema.IsCode(reg.Register("", noop), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register("c", nil), schema.ErrCodeValidation))
	assert.Error(t, reg.Register("d", noop, WithInputSchema(json.RawMessage(`{not json`))))
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Panics(t, func() { reg.MustRegister("a", noop) })
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.lock("a")
	unlockB := km.lock("b")
	assert.Equal(t, 2, km.size())

	acquired := make(chan struct{})
	go func() {
		unlock := km.lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Eventually(t, func() bool { return km.size() == 0 }, time.Second, time.Millisecond)
}

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

func approvalHandler(timeout time.Duration) Handler {
	return func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		var opts []WaitOption
		if timeout > 0 {
			opts = append(opts, WithWaitTimeout(timeout))
		}
		decision, err := dc.WaitForSignal(ctx, "decision", "approve", opts...)
		if err != nil {
			return nil, err
		}
		return decision, nil
	}
}

func TestWait_TimerNotDue(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "pause", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		return "done", dc.Wait(ctx, "pause", 2*time.Second)
	})

	res := env.invoke(t, "exec-1", "pause", "")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)

	timers := env.timers(t, "exec-1")
	require.Len(t, timers, 1)
	assert.Equal(t, "wait:pause#1", timers[0].OperationID)
	assert.Equal(t, store.TimerKindWait, timers[0].Kind)
	assert.Equal(t, epoch.Add(2*time.Second), timers[0].FireAt)

	env.clock.Advance(time.Second)
	_, err := env.host.FireTimer(context.Background(), "exec-1", "wait:pause#1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Len(t, env.timers(t, "exec-1"), 1, "an early fire keeps the timer")

	env.clock.Advance(time.Second)
	res = env.fire(t, "exec-1", "wait:pause#1")
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	_, err = env.host.FireTimer(context.Background(), "exec-1", "wait:pause#1")
	assert.NoError(t, err, "firing a settled wait is a no-op")
}

func TestWait_ResumeBeforeDeadlineStaysSuspended(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "pause", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		return nil, dc.Wait(ctx, "pause", time.Minute)
	})
	env.invoke(t, "exec-1", "pause", "")

	res, err := env.host.Resume(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuspended, res.Status)

	env.clock.Advance(time.Minute)
	res, err = env.host.Resume(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status, "a due wait settles on resume without its timer")
}

func TestWait_SignalDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "approval", approvalHandler(0))

	res := env.invoke(t, "exec-1", "approval", "")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.Equal(t, []string{"wait:decision#1"}, res.Pending)
	assert.Empty(t, env.timers(t, "exec-1"), "no timeout means no timer")

	res, err := env.host.Signal(context.Background(), "exec-1", "approve", json.RawMessage(`{"by":"ana"}`))
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.JSONEq(t, `{"by":"ana"}`, string(res.Output))

	_, err = env.host.Signal(context.Background(), "exec-1", "approve", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "terminal executions reject signals")
}

func TestWait_BufferedSignal(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "late", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		if err := dc.Wait(ctx, "warmup", time.Second); err != nil {
			return nil, err
		}
		return dc.WaitForSignal(ctx, "go", "go")
	})

	env.invoke(t, "exec-1", "late", "")
	res, err := env.host.Signal(context.Background(), "exec-1", "go", json.RawMessage(`7`))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuspended, res.Status, "buffered signals do not resume")

	env.clock.Advance(time.Second)
	res = env.fire(t, "exec-1", "wait:warmup#1")
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.JSONEq(t, `7`, string(res.Output))

	events, err := env.store.Read(context.Background(), "exec-1")
	require.NoError(t, err)
	var sigSeq int64
	for _, e := range events {
		if e.Type == schema.EventSignalReceived {
			sigSeq = e.Sequence
		}
		if e.Type == schema.EventWaitCompleted && e.OperationID == "wait:go#1" {
			var p schema.WaitCompletedPayload
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			assert.Equal(t, sigSeq, p.SignalSequence)
		}
	}
}

func TestWait_SignalTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "approval", approvalHandler(5*time.Second))

	env.invoke(t, "exec-1", "approval", "")
	timers := env.timers(t, "exec-1")
	require.Len(t, timers, 1)
	assert.Equal(t, store.TimerKindSignalTimeout, timers[0].Kind)

	env.clock.Advance(5 * time.Second)
	res := env.fire(t, "exec-1", "wait:decision#1")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeWaitTimeout, res.Error.Code)
	assert.Equal(t, "wait:decision#1", res.Error.OperationID)
}

func TestWait_SignalBeatsTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "approval", approvalHandler(5*time.Second))

	env.invoke(t, "exec-1", "approval", "")
	res, err := env.host.Signal(context.Background(), "exec-1", "approve", json.RawMessage(`true`))
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Empty(t, env.timers(t, "exec-1"), "delivery drops the timeout timer")
}

func TestWaitAll_CompletesInAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "join", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		res, err := dc.WaitAll(ctx, Sleep("short", time.Second), Sleep("long", 2*time.Second), ForSignal("ack", "ack", 0))
		if err != nil {
			return nil, err
		}
		return res[2], nil
	})

	res := env.invoke(t, "exec-1", "join", "")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.Equal(t, []string{"wait:short#1", "wait:long#1", "wait:ack#1"}, res.Pending)
	assert.Len(t, env.timers(t, "exec-1"), 2)

	env.clock.Advance(2 * time.Second)
	res = env.fire(t, "exec-1", "wait:long#1")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.Equal(t, []string{"wait:ack#1"}, res.Pending, "the due short wait settles during the resume")

	res, err := env.host.Signal(context.Background(), "exec-1", "ack", json.RawMessage(`"yes"`))
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.JSONEq(t, `"yes"`, string(res.Output))
}

func TestWaitAll_FirstFailureWins(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "race", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		_, err := dc.WaitAll(ctx, ForSignal("a", "a", 3*time.Second), ForSignal("b", "b", time.Second))
		return nil, err
	})

	env.invoke(t, "exec-1", "race", "")
	env.clock.Advance(time.Second)
	res := env.fire(t, "exec-1", "wait:b#1")
	require.Equal(t, schema.ExecutionStatusSuspended, res.Status)

	env.clock.Advance(2 * time.Second)
	res = env.fire(t, "exec-1", "wait:a#1")
	require.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, "wait:b#1", res.Error.OperationID)
}

func TestWait_SuspensionIsSticky(t *testing.T) {
	env := newTestEnv(t)
	var afterWait error
	env.register(t, "sticky", func(ctx context.Context, dc *DurableContext, _ json.RawMessage) (any, error) {
		err := dc.Wait(ctx, "pause", time.Hour)
		_, afterWait = dc.Step(ctx, "ignored", func(context.Context) (any, error) { return 1, nil })
		return nil, err
	})

	res := env.invoke(t, "exec-1", "sticky", "")
	assert.Equal(t, schema.ExecutionStatusSuspended, res.Status)
	assert.ErrorIs(t, afterWait, ErrSuspended)
	assert.NotContains(t, env.trace(t, "exec-1"), "step_started step:ignored#1")
}

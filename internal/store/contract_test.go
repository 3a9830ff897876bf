package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/pkg/schema"
)

// The contract suites run against every backend so the journal semantics the
// engine relies on hold regardless of where events land.

func runJournalContract(t *testing.T, newJournal func(t *testing.T) Journal) {
	t.Run("assigns contiguous sequences", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		for i := 0; i < 5; i++ {
			e, err := j.Append(ctx, id, &Event{Type: schema.EventStepStarted, OperationID: "step@1"})
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), e.Sequence, "sequence should be contiguous")
			assert.Equal(t, id, e.ExecutionID)
		}

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 5)
		require.NoError(t, CheckContiguous(id, events))
	})

	t.Run("explicit sequence is idempotent", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		first, err := j.Append(ctx, id, &Event{
			Sequence: 1, Type: schema.EventExecutionStarted, Payload: json.RawMessage(`{"handler":"greet"}`),
		})
		require.NoError(t, err)

		again, err := j.Append(ctx, id, &Event{Sequence: 1, Type: schema.EventExecutionFailed})
		require.NoError(t, err)
		assert.Equal(t, schema.EventExecutionStarted, again.Type, "stored record wins")
		assert.Equal(t, first.Sequence, again.Sequence)
		assert.JSONEq(t, `{"handler":"greet"}`, string(again.Payload))

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("rejects gaps", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		_, err := j.Append(ctx, id, &Event{Sequence: 3, Type: schema.EventStepStarted})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("rejects negative sequences", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		_, err := j.Append(ctx, id, &Event{Type: schema.EventExecutionStarted})
		require.NoError(t, err)

		_, err = j.Append(ctx, id, &Event{Sequence: -1, Type: schema.EventStepStarted})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		assert.False(t, schema.IsCode(err, schema.ErrCodeJournalUnavailable))

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("executions are independent", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		a, b := uuid.New().String(), uuid.New().String()

		_, err := j.Append(ctx, a, &Event{Type: schema.EventExecutionStarted})
		require.NoError(t, err)
		e, err := j.Append(ctx, b, &Event{Type: schema.EventExecutionStarted})
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Sequence)
	})

	t.Run("concurrent appends stay contiguous", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := j.Append(ctx, id, &Event{Type: schema.EventSignalReceived})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		assert.NoError(t, CheckContiguous(id, events))
	})

	t.Run("round trips payload and operation", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		id := uuid.New().String()

		_, err := j.Append(ctx, id, &Event{
			Type:        schema.EventStepCompleted,
			OperationID: "step:charge#1",
			Payload:     json.RawMessage(`{"amount":42}`),
		})
		require.NoError(t, err)

		events, err := j.Read(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "step:charge#1", events[0].OperationID)
		assert.JSONEq(t, `{"amount":42}`, string(events[0].Payload))
		assert.False(t, events[0].Timestamp.IsZero())
	})
}

func runExecutionContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create get update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := seedExecution(t, s)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, "greet", got.HandlerName)
		assert.Equal(t, schema.ExecutionStatusPending, got.Status)
		assert.JSONEq(t, `{"name":"ada"}`, string(got.Input))

		status := schema.ExecutionStatusCompleted
		now := time.Now().UTC()
		cancel := true
		require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
			Status:          &status,
			Output:          json.RawMessage(`"hi"`),
			CancelRequested: &cancel,
			CompletedAt:     &now,
		}))

		got, err = s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
		assert.JSONEq(t, `"hi"`, string(got.Output))
		assert.True(t, got.CancelRequested)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		s := newStore(t)
		exec := seedExecution(t, s)
		err := s.CreateExecution(context.Background(), &Execution{ID: exec.ID, HandlerName: "greet"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetExecution(context.Background(), "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		status := schema.ExecutionStatusRunning
		err = s.UpdateExecution(context.Background(), "missing", ExecutionUpdate{Status: &status})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("list filters by handler", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedExecution(t, s)
		require.NoError(t, s.CreateExecution(ctx, &Execution{ID: uuid.New().String(), HandlerName: "approval"}))

		got, err := s.ListExecutions(ctx, ExecutionFilter{HandlerName: "approval"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "approval", got[0].HandlerName)
	})
}

func runTimerContract(t *testing.T, newStore func(t *testing.T) Store) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertTimer(ctx, &Timer{
		ExecutionID: "e1", OperationID: "wait:pause#1", Kind: TimerKindWait, FireAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.UpsertTimer(ctx, &Timer{
		ExecutionID: "e1", OperationID: "wait@2", Kind: TimerKindSignalTimeout, FireAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.UpsertTimer(ctx, &Timer{
		ExecutionID: "e2", OperationID: "wait@1", Kind: TimerKindWait, FireAt: base.Add(30 * time.Second),
	}))

	// Upsert replaces rather than duplicating.
	require.NoError(t, s.UpsertTimer(ctx, &Timer{
		ExecutionID: "e1", OperationID: "wait:pause#1", Kind: TimerKindWait, FireAt: base.Add(2 * time.Minute),
	}))

	timers, err := s.ListTimers(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, timers, 2)
	assert.Equal(t, "wait:pause#1", timers[0].OperationID)
	assert.True(t, timers[0].FireAt.Equal(base.Add(2*time.Minute)))

	due, err := s.ListDueTimers(ctx, base.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "e2", due[0].ExecutionID, "earliest first")
	assert.Equal(t, "e1", due[1].ExecutionID)

	due, err = s.ListDueTimers(ctx, base.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.DeleteTimer(ctx, "e2", "wait@1"))
	require.NoError(t, s.DeleteTimers(ctx, "e1"))
	due, err = s.ListDueTimers(ctx, base.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func runScheduledJobContract(t *testing.T, newStore func(t *testing.T) Store) {
	s := newStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		HandlerName:    "greet",
		CronExpression: "*/5 * * * *",
		Input:          json.RawMessage(`{"name":"cron"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "greet", got.HandlerName)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &now,
		LastRunStatus: "success",
		LastExecution: "exec-1",
	}))
	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecution)
	require.NotNil(t, got.NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{Enabled: &disabled}))
	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store *store.MemoryStore
	clock *clock.Fake
	reg   *Registry
	host  *Host
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, HostConfig{})
}

func newTestEnvWith(t *testing.T, cfg HostConfig) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := clock.NewFake(epoch)
	reg := NewRegistry()
	cfg.Clock = clk
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &testEnv{store: ms, clock: clk, reg: reg, host: NewHost(ms, reg, cfg)}
}

func (e *testEnv) register(t *testing.T, name string, fn Handler, opts ...RegisterOption) {
	t.Helper()
	require.NoError(t, e.reg.Register(name, fn, opts...))
}

func (e *testEnv) invoke(t *testing.T, id, handler string, input string) *ExecutionResult {
	t.Helper()
	var raw json.RawMessage
	if input != "" {
		raw = json.RawMessage(input)
	}
	res, err := e.host.Invoke(context.Background(), InvokeRequest{ExecutionID: id, Handler: handler, Input: raw})
	require.NoError(t, err)
	return res
}

// trace renders the journal as "type operation_id" lines.
func (e *testEnv) trace(t *testing.T, id string) []string {
	t.Helper()
	events, err := e.store.Read(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
		if ev.OperationID != "" {
			out[i] += " " + ev.OperationID
		}
	}
	return out
}

func (e *testEnv) fire(t *testing.T, id, opID string) *ExecutionResult {
	t.Helper()
	res, err := e.host.FireTimer(context.Background(), id, opID)
	require.NoError(t, err)
	return res
}

func (e *testEnv) timers(t *testing.T, id string) []*store.Timer {
	t.Helper()
	timers, err := e.store.ListTimers(context.Background(), id)
	require.NoError(t, err)
	return timers
}

func (e *testEnv) status(t *testing.T, id string) schema.ExecutionStatus {
	t.Helper()
	exec, err := e.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec.Status
}

// counter counts body executions per name.
type counter map[string]int

func (c counter) step(name string, result any) StepFunc {
	return func(context.Context) (any, error) {
		c[name]++
		return result, nil
	}
}

func (c counter) failing(name string, failures int, result any) StepFunc {
	return func(context.Context) (any, error) {
		c[name]++
		if c[name] <= failures {
			return nil, fmt.Errorf("%s attempt %d failed", name, c[name])
		}
		return result, nil
	}
}

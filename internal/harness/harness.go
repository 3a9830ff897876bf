// Package harness drives handlers to completion in-process, against a memory
// store and a fake clock, for tests and local experiments.
//
// Time only moves when the harness fires the next durable timer, so a handler
// that waits for a day finishes instantly and deterministically.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// maxFires bounds RunToCompletion for handlers that wait forever in a loop.
const maxFires = 10_000

// Harness owns an isolated host.
type Harness struct {
	Store    *store.MemoryStore
	Clock    *clock.Fake
	Registry *engine.Registry
	Host     *engine.Host
}

// Option customises a Harness.
type Option func(*options)

type options struct {
	logger *slog.Logger
	start  time.Time
}

// WithLogger routes host logs to logger instead of discarding them.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStart sets the fake clock's starting instant.
func WithStart(t time.Time) Option {
	return func(o *options) { o.start = t }
}

// New creates a Harness with an empty registry.
func New(opts ...Option) *Harness {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		start:  Epoch,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ms := store.NewMemoryStore()
	clk := clock.NewFake(o.start)
	reg := engine.NewRegistry()
	return &Harness{
		Store:    ms,
		Clock:    clk,
		Registry: reg,
		Host:     engine.NewHost(ms, reg, engine.HostConfig{Clock: clk, Logger: o.logger}),
	}
}

// Run is one execution under the harness.
type Run struct {
	h      *Harness
	ID     string
	Result *engine.ExecutionResult
}

// Start invokes handler with input under executionID and returns after the
// first invocation settles. input is marshalled unless it is already raw JSON.
func (h *Harness) Start(ctx context.Context, executionID, handler string, input any) (*Run, error) {
	raw, err := encode(input)
	if err != nil {
		return nil, err
	}
	res, err := h.Host.Invoke(ctx, engine.InvokeRequest{ExecutionID: executionID, Handler: handler, Input: raw})
	if err != nil {
		return nil, err
	}
	return &Run{h: h, ID: res.ExecutionID, Result: res}, nil
}

// Execute starts handler and drives it to completion.
func (h *Harness) Execute(ctx context.Context, executionID, handler string, input any) (*Run, error) {
	r, err := h.Start(ctx, executionID, handler, input)
	if err != nil {
		return nil, err
	}
	return r, r.RunToCompletion(ctx)
}

func encode(v any) (json.RawMessage, error) {
	switch in := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return in, nil
	case string:
		if json.Valid([]byte(in)) {
			return json.RawMessage(in), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return b, nil
}

// RunToCompletion fires timers in deadline order, moving the clock to each
// deadline, until the execution is terminal or waits on a signal with no
// timeout. In the latter case the run stays suspended and nil is returned.
func (r *Run) RunToCompletion(ctx context.Context) error {
	for range maxFires {
		if r.Result.Status != schema.ExecutionStatusSuspended {
			return nil
		}
		next, err := r.nextTimer(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if next.FireAt.After(r.h.Clock.Now()) {
			r.h.Clock.Set(next.FireAt)
		}
		res, err := r.h.Host.FireTimer(ctx, r.ID, next.OperationID)
		if err != nil {
			return err
		}
		r.Result = res
	}
	return fmt.Errorf("execution %s still suspended after %d timer fires", r.ID, maxFires)
}

func (r *Run) nextTimer(ctx context.Context) (*store.Timer, error) {
	timers, err := r.h.Store.ListTimers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	var next *store.Timer
	for _, t := range timers {
		if next == nil || t.FireAt.Before(next.FireAt) {
			next = t
		}
	}
	return next, nil
}

// Signal delivers a signal and records the resulting state.
func (r *Run) Signal(ctx context.Context, name string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	res, err := r.h.Host.Signal(ctx, r.ID, name, raw)
	if err != nil {
		return err
	}
	r.Result = res
	return nil
}

// Cancel requests cancellation and records the resulting state.
func (r *Run) Cancel(ctx context.Context) error {
	res, err := r.h.Host.Cancel(ctx, r.ID)
	if err != nil {
		return err
	}
	r.Result = res
	return nil
}

// Status is the folded state of a named operation. Unknown means the handler
// never issued it.
type Status string

const (
	Unknown   Status = "unknown"
	Pending   Status = Status(schema.OperationStatusPending)
	Completed Status = Status(schema.OperationStatusCompleted)
	Failed    Status = Status(schema.OperationStatusFailed)
)

// Operation reports the state of an operation. name is either a full
// operation id ("wait:pause#1", "step@3") or a bare name, which resolves to
// its first step occurrence and then its first wait occurrence.
func (r *Run) Operation(ctx context.Context, name string) (Status, error) {
	ops, err := r.h.Host.Operations(ctx, r.ID)
	if err != nil {
		return Unknown, err
	}
	for _, id := range candidates(name) {
		if op, ok := ops[id]; ok {
			return Status(op.Status), nil
		}
	}
	return Unknown, nil
}

func candidates(name string) []string {
	if strings.ContainsAny(name, ":@") {
		return []string{name}
	}
	return []string{
		engine.NamedOperationID(schema.OperationKindStep, name, 1),
		engine.NamedOperationID(schema.OperationKindWait, name, 1),
	}
}

// Output looks up a gjson path in the execution output. An empty path
// returns the whole document.
func (r *Run) Output(path string) gjson.Result {
	if path == "" {
		return gjson.ParseBytes(r.Result.Output)
	}
	return gjson.GetBytes(r.Result.Output, path)
}

// Events returns the journal of the run.
func (r *Run) Events(ctx context.Context) ([]*store.Event, error) {
	return r.h.Host.History(ctx, r.ID)
}

// Trace renders the journal one event per line as "seq type operation_id".
func (r *Run) Trace(ctx context.Context) (string, error) {
	events, err := r.Events(ctx)
	if err != nil {
		return "", err
	}
	return RenderTrace(events), nil
}

// RenderTrace renders events the way Run.Trace does.
func RenderTrace(events []*store.Event) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%d %s", e.Sequence, e.Type)
		if e.OperationID != "" {
			b.WriteString(" " + e.OperationID)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

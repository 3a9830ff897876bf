package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// guardedJournal puts a circuit breaker in front of a store.Journal and fans
// committed events out to an optional observer.
type guardedJournal struct {
	journal  store.Journal
	breaker  *CircuitBreaker
	onAppend func(*store.Event)
}

func (g *guardedJournal) Append(ctx context.Context, executionID string, event *store.Event) (*store.Event, error) {
	if err := g.breaker.AllowRequest(); err != nil {
		return nil, err
	}
	stored, err := g.journal.Append(ctx, executionID, event)
	g.record(err)
	if err != nil {
		return nil, err
	}
	if g.onAppend != nil {
		g.onAppend(stored)
	}
	return stored, nil
}

func (g *guardedJournal) Read(ctx context.Context, executionID string) ([]*store.Event, error) {
	if err := g.breaker.AllowRequest(); err != nil {
		return nil, err
	}
	events, err := g.journal.Read(ctx, executionID)
	g.record(err)
	return events, err
}

func (g *guardedJournal) record(err error) {
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case schema.IsCode(err, schema.ErrCodeJournalUnavailable):
		g.breaker.RecordFailure()
	}
}

// journalWriter appends to one execution's journal at explicit sequences, so a
// retried invocation rewrites the same positions instead of duplicating them.
type journalWriter struct {
	journal     store.Journal
	executionID string
	tail        int64
	clock       clock.Clock
}

func (w *journalWriter) append(ctx context.Context, eventType, operationID string, payload any) (*store.Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode %s payload: %s", eventType, err.Error()).
			WithOperation(operationID).WithCause(err)
	}

	seq := w.tail + 1
	stored, err := w.journal.Append(ctx, w.executionID, &store.Event{
		Sequence:    seq,
		Type:        eventType,
		OperationID: operationID,
		Payload:     raw,
		Timestamp:   w.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if stored.Type != eventType || stored.OperationID != operationID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"journal of execution %s already holds %s %s at sequence %d",
			w.executionID, stored.Type, stored.OperationID, seq).
			WithOperation(operationID)
	}
	w.tail = seq
	return stored, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}

// roundTripError normalises an error to the form decodeError will rebuild.
func roundTripError(de *schema.DurableError) *schema.DurableError {
	raw, err := json.Marshal(de)
	if err != nil {
		return schema.NewError(de.Code, de.Message).WithOperation(de.OperationID)
	}
	var out schema.DurableError
	if err := json.Unmarshal(raw, &out); err != nil {
		return schema.NewError(de.Code, de.Message).WithOperation(de.OperationID)
	}
	return &out
}

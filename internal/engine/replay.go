package engine

import (
	"encoding/json"

	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// opHistory is what the journal recorded for one operation.
type opHistory struct {
	start   *store.Event
	outcome *store.Event
	retries int
}

// settled reports whether the operation has a recorded outcome.
func (h *opHistory) settled() bool { return h != nil && h.outcome != nil }

// replayer walks a journal snapshot alongside a re-running handler. Operation
// starts must line up positionally with the handler's calls.
type replayer struct {
	executionID     string
	starts          []*store.Event
	cursor          int
	ops             map[string]*opHistory
	signals         []*store.Event
	consumed        map[int64]bool
	tail            int64
	terminal        *store.Event
	cancelRequested bool
}

func newReplayer(executionID string, events []*store.Event) (*replayer, error) {
	if err := store.CheckContiguous(executionID, events); err != nil {
		return nil, err
	}

	r := &replayer{
		executionID: executionID,
		ops:         make(map[string]*opHistory),
		consumed:    make(map[int64]bool),
		tail:        int64(len(events)),
	}
	for _, e := range events {
		switch {
		case schema.IsOperationStart(e.Type):
			r.starts = append(r.starts, e)
			r.history(e.OperationID).start = e
		case schema.IsOperationOutcome(e.Type):
			r.history(e.OperationID).outcome = e
			if e.Type == schema.EventWaitCompleted {
				var p schema.WaitCompletedPayload
				if json.Unmarshal(e.Payload, &p) == nil && p.SignalSequence > 0 {
					r.consumed[p.SignalSequence] = true
				}
			}
		case e.Type == schema.EventStepRetrying:
			r.history(e.OperationID).retries++
		case e.Type == schema.EventSignalReceived:
			r.signals = append(r.signals, e)
		case e.Type == schema.EventCancelRequested:
			r.cancelRequested = true
		case schema.IsTerminalEvent(e.Type):
			r.terminal = e
		}
	}
	return r, nil
}

func (r *replayer) history(opID string) *opHistory {
	h, ok := r.ops[opID]
	if !ok {
		h = &opHistory{}
		r.ops[opID] = h
	}
	return h
}

// match consumes the next recorded operation start. It returns nil when the
// journal has nothing more to replay (the call is new) and a
// NONDETERMINISTIC_REPLAY error when the recorded identity differs.
func (r *replayer) match(opID string) (*opHistory, error) {
	if r.cursor >= len(r.starts) {
		return nil, nil
	}
	rec := r.starts[r.cursor]
	if rec.OperationID != opID {
		return nil, schema.NewErrorf(schema.ErrCodeNondeterministic,
			"replay diverged at position %d: journal recorded %s, handler issued %s",
			r.cursor+1, rec.OperationID, opID).
			WithOperation(opID).
			WithDetails(map[string]any{
				"execution_id": r.executionID,
				"position":     r.cursor + 1,
				"recorded":     rec.OperationID,
				"issued":       opID,
				"sequence":     rec.Sequence,
			})
	}
	r.cursor++
	return r.ops[opID], nil
}

// remaining lists recorded operation starts the handler never reached.
func (r *replayer) remaining() []string {
	var ids []string
	for _, e := range r.starts[r.cursor:] {
		ids = append(ids, e.OperationID)
	}
	return ids
}

// takeSignal returns the earliest buffered signal with name not yet consumed by
// a wait, marking it consumed.
func (r *replayer) takeSignal(name string) (*store.Event, *schema.SignalReceivedPayload) {
	for _, e := range r.signals {
		if r.consumed[e.Sequence] {
			continue
		}
		var p schema.SignalReceivedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.Name != name {
			continue
		}
		r.consumed[e.Sequence] = true
		return e, &p
	}
	return nil, nil
}

// pendingSignalWait returns the earliest started signal wait on name with no outcome.
func (r *replayer) pendingSignalWait(name string) (string, bool) {
	for _, e := range r.starts {
		if e.Type != schema.EventWaitStarted || r.ops[e.OperationID].settled() {
			continue
		}
		p, err := decodeWaitStart(e)
		if err != nil || p.Kind != schema.WaitKindSignal || p.Signal != name {
			continue
		}
		return e.OperationID, true
	}
	return "", false
}

func decodeWaitStart(e *store.Event) (*schema.WaitStartedPayload, error) {
	var p schema.WaitStartedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"decode wait_started at sequence %d: %s", e.Sequence, err.Error()).WithCause(err)
	}
	return &p, nil
}

// decodeError rebuilds the error recorded in a failure event's payload.
func decodeError(e *store.Event) *schema.DurableError {
	var de schema.DurableError
	if err := json.Unmarshal(e.Payload, &de); err != nil || de.Code == "" {
		return schema.NewErrorf(schema.ErrCodeExecution, "unreadable failure at sequence %d", e.Sequence).
			WithOperation(e.OperationID)
	}
	return &de
}

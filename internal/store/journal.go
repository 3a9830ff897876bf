package store

import (
	"strings"

	"github.com/rendis/durable/pkg/schema"
)

// CheckContiguous verifies that events carry sequences 1..n with no gaps.
func CheckContiguous(executionID string, events []*Event) error {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	return nil
}

// ReplayOperations folds a journal into per-operation state, keyed by operation id.
// Returns an error if sequence gaps are detected.
func ReplayOperations(executionID string, events []*Event) (map[string]*OperationState, error) {
	if err := CheckContiguous(executionID, events); err != nil {
		return nil, err
	}

	states := make(map[string]*OperationState)
	for _, e := range events {
		if e.OperationID == "" {
			continue
		}

		op, ok := states[e.OperationID]
		if !ok {
			op = &OperationState{
				ExecutionID: executionID,
				OperationID: e.OperationID,
				Kind:        operationKind(e.OperationID),
				Status:      schema.OperationStatusPending,
			}
			states[e.OperationID] = op
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted, schema.EventWaitStarted:
			op.StartedSeq = e.Sequence
			op.StartedAt = &ts

		case schema.EventStepCompleted, schema.EventWaitCompleted:
			op.Status = schema.OperationStatusCompleted
			op.Result = e.Payload
			op.OutcomeSeq = e.Sequence
			op.CompletedAt = &ts

		case schema.EventStepFailed, schema.EventWaitFailed:
			op.Status = schema.OperationStatusFailed
			op.Error = e.Payload
			op.OutcomeSeq = e.Sequence
			op.CompletedAt = &ts

		case schema.EventStepRetrying:
			op.Retries++
		}
	}
	return states, nil
}

// operationKind recovers the kind prefix of an operation id ("step:x#1", "wait@2").
func operationKind(id string) schema.OperationKind {
	if i := strings.IndexAny(id, ":@"); i > 0 {
		return schema.OperationKind(id[:i])
	}
	return ""
}

package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a journal event as seen by live subscribers.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	OperationID string          `json:"operation_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for committed journal events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

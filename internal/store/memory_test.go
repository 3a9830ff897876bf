package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/pkg/schema"
)

func TestMemory_Journal(t *testing.T) {
	runJournalContract(t, func(t *testing.T) Journal { return NewMemoryStore() })
}

func TestMemory_Executions(t *testing.T) {
	runExecutionContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemory_Timers(t *testing.T) {
	runTimerContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemory_ScheduledJobs(t *testing.T) {
	runScheduledJobContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemory_FailAppends(t *testing.T) {
	s := NewMemoryStore()
	s.FailAppends = func(string, *Event) bool { return true }

	_, err := s.Append(context.Background(), "e1", &Event{Type: schema.EventExecutionStarted})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeJournalUnavailable))

	var de *schema.DurableError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.IsRetryable())
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/durable/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and the harness.
// Journal appends are serialised per execution; different executions never
// contend on the same lock.
type MemoryStore struct {
	mu       sync.RWMutex
	execs    map[string]*Execution
	timers   map[timerKey]*Timer
	jobs     map[string]*ScheduledJob
	journals map[string]*memJournal
	nextID   int64

	// FailAppends, when set, fails matching appends with JOURNAL_UNAVAILABLE.
	FailAppends func(executionID string, event *Event) bool
}

type timerKey struct {
	executionID, operationID string
}

type memJournal struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs:    make(map[string]*Execution),
		timers:   make(map[timerKey]*Timer),
		jobs:     make(map[string]*ScheduledJob),
		journals: make(map[string]*memJournal),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error { return nil }

// --- Journal ---

func (m *MemoryStore) journal(executionID string) *memJournal {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journals[executionID]
	if !ok {
		j = &memJournal{}
		m.journals[executionID] = j
	}
	return j
}

func (m *MemoryStore) Append(_ context.Context, executionID string, event *Event) (*Event, error) {
	if m.FailAppends != nil && m.FailAppends(executionID, event) {
		return nil, schema.NewErrorf(schema.ErrCodeJournalUnavailable, "append to execution %s: journal offline", executionID)
	}

	if event.Sequence < 0 {
		return nil, negativeSequence(executionID, event.Sequence)
	}

	j := m.journal(executionID)
	j.mu.Lock()
	defer j.mu.Unlock()

	tail := int64(len(j.events))
	seq := event.Sequence
	if seq == 0 {
		seq = tail + 1
	}
	if seq <= tail {
		cp := *j.events[seq-1]
		return &cp, nil
	}
	if seq > tail+1 {
		return nil, sequenceGap(executionID, seq, tail)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	stored := &Event{
		ID:          id,
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        event.Type,
		OperationID: event.OperationID,
		Payload:     append([]byte(nil), event.Payload...),
		Timestamp:   timeOrNow(event.Timestamp),
	}
	if len(event.Payload) == 0 {
		stored.Payload = nil
	}
	j.events = append(j.events, stored)
	cp := *stored
	return &cp, nil
}

func (m *MemoryStore) Read(_ context.Context, executionID string) ([]*Event, error) {
	j := m.journal(executionID)
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Event, len(j.events))
	for i, e := range j.events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.CancelRequested != nil {
		exec.CancelRequested = *update.CancelRequested
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		exec.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.execs {
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.HandlerName != "" && exec.HandlerName != filter.HandlerName {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

// --- Timers ---

func (m *MemoryStore) UpsertTimer(_ context.Context, timer *Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *timer
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.timers[timerKey{timer.ExecutionID, timer.OperationID}] = &cp
	return nil
}

func (m *MemoryStore) DeleteTimer(_ context.Context, executionID, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, timerKey{executionID, operationID})
	return nil
}

func (m *MemoryStore) DeleteTimers(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.timers {
		if k.executionID == executionID {
			delete(m.timers, k)
		}
	}
	return nil
}

func (m *MemoryStore) ListTimers(_ context.Context, executionID string) ([]*Timer, error) {
	return m.filterTimers(func(t *Timer) bool { return t.ExecutionID == executionID }, 0), nil
}

func (m *MemoryStore) ListDueTimers(_ context.Context, now time.Time, limit int) ([]*Timer, error) {
	return m.filterTimers(func(t *Timer) bool { return !t.FireAt.After(now) }, limit), nil
}

func (m *MemoryStore) filterTimers(keep func(*Timer) bool, limit int) []*Timer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Timer
	for _, t := range m.timers {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		if out[i].ExecutionID != out[j].ExecutionID {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].OperationID < out[j].OperationID
	})
	return paginate(out, 0, limit)
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		job.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		job.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	if update.LastExecution != "" {
		job.LastExecution = update.LastExecution
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.HandlerName != "" && job.HandlerName != filter.HandlerName {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, 0, filter.Limit), nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

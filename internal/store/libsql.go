package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/durable/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/durable.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serialises writers, so journal appends for one
	// execution can never interleave their read-tail/insert pairs.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Journal ---

const eventColumns = `id, execution_id, sequence, event_type, operation_id, payload, timestamp`

// Append writes event at its sequence (or the next one when zero) inside a
// single transaction; the row is committed before the stored record is returned.
func (s *LibSQLStore) Append(ctx context.Context, executionID string, event *Event) (*Event, error) {
	if event.Sequence < 0 {
		return nil, negativeSequence(executionID, event.Sequence)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, journalUnavailable("begin append", err)
	}
	defer tx.Rollback()

	var tail int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE execution_id = ?`, executionID,
	).Scan(&tail)
	if err != nil {
		return nil, journalUnavailable("read journal tail", err)
	}

	seq := event.Sequence
	if seq == 0 {
		seq = tail + 1
	}
	if seq <= tail {
		stored, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence = ?`,
			executionID, seq))
		if err != nil {
			return nil, journalUnavailable("read stored event", err)
		}
		return stored, nil
	}
	if seq > tail+1 {
		return nil, sequenceGap(executionID, seq, tail)
	}

	stored := &Event{
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        event.Type,
		OperationID: event.OperationID,
		Payload:     event.Payload,
		Timestamp:   timeOrNow(event.Timestamp),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, sequence, event_type, operation_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, seq, stored.Type, nullStr(stored.OperationID), nullRaw(stored.Payload), stored.Timestamp,
	)
	if err != nil {
		return nil, journalUnavailable("insert event", err)
	}
	stored.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, journalUnavailable("commit event", err)
	}
	return stored, nil
}

// Read returns the full journal of an execution ordered by sequence.
func (s *LibSQLStore) Read(ctx context.Context, executionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? ORDER BY sequence ASC`,
		executionID,
	)
	if err != nil {
		return nil, journalUnavailable("read journal", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, journalUnavailable("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, journalUnavailable("read journal", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var opID, payload sql.NullString
	if err := row.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Type, &opID, &payload, &e.Timestamp); err != nil {
		return nil, err
	}
	e.OperationID = opID.String
	e.Payload = rawOrNil(payload)
	return e, nil
}

// --- Executions ---

const executionColumns = `id, handler, status, input, output, error, cancel_requested, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := time.Now().UTC()
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, handler, status, input, cancel_requested, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.HandlerName, string(exec.Status), nullRaw(exec.Input), boolInt(exec.CancelRequested),
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
		}
		return err
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolInt(*update.CancelRequested))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.HandlerName != "" {
		where = append(where, "handler = ?")
		args = append(args, filter.HandlerName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		input, output, errJSON sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
		cancelRequested        int64
	)
	if err := row.Scan(&exec.ID, &exec.HandlerName, &status, &input, &output, &errJSON, &cancelRequested,
		&exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Input = rawOrNil(input)
	exec.Output = rawOrNil(output)
	exec.Error = rawOrNil(errJSON)
	exec.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Timers ---

func (s *LibSQLStore) UpsertTimer(ctx context.Context, timer *Timer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (execution_id, operation_id, kind, fire_at, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, operation_id) DO UPDATE SET kind=excluded.kind, fire_at=excluded.fire_at`,
		timer.ExecutionID, timer.OperationID, timer.Kind, timer.FireAt.UnixMilli(), timeOrNow(timer.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DeleteTimer(ctx context.Context, executionID, operationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE execution_id = ? AND operation_id = ?`, executionID, operationID)
	return err
}

func (s *LibSQLStore) DeleteTimers(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE execution_id = ?`, executionID)
	return err
}

func (s *LibSQLStore) ListTimers(ctx context.Context, executionID string) ([]*Timer, error) {
	return s.queryTimers(ctx,
		`SELECT execution_id, operation_id, kind, fire_at, created_at FROM timers
		 WHERE execution_id = ? ORDER BY fire_at ASC, operation_id ASC`, executionID)
}

func (s *LibSQLStore) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error) {
	query := `SELECT execution_id, operation_id, kind, fire_at, created_at FROM timers
		 WHERE fire_at <= ? ORDER BY fire_at ASC, execution_id ASC, operation_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTimers(ctx, query, now.UnixMilli())
}

func (s *LibSQLStore) queryTimers(ctx context.Context, query string, args ...any) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		t := &Timer{}
		var fireAt int64
		if err := rows.Scan(&t.ExecutionID, &t.OperationID, &t.Kind, &fireAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FireAt = time.UnixMilli(fireAt).UTC()
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// --- Scheduled Jobs ---

const jobColumns = `id, handler, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, handler, cron_expression, input, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.HandlerName, job.CronExpression, nullRaw(job.Input), boolInt(job.Enabled),
		nullTime(job.NextRunAt), job.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecution != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecution)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.HandlerName != "" {
		where = append(where, "handler = ?")
		args = append(args, filter.HandlerName)
	}

	query := "SELECT " + jobColumns + " FROM scheduled_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		input, lastStatus, lastExec sql.NullString
		lastRun, nextRun            sql.NullTime
		enabled                     int64
	)
	if err := row.Scan(&job.ID, &job.HandlerName, &job.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &lastStatus, &lastExec, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Input = rawOrNil(input)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	job.LastExecution = lastExec.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func journalUnavailable(op string, err error) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeJournalUnavailable, "%s: %s", op, err.Error()).WithCause(err)
}

func negativeSequence(executionID string, seq int64) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"invalid sequence %d for execution %s: must be zero or positive", seq, executionID)
}

func sequenceGap(executionID string, seq, tail int64) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"sequence gap in execution %s: expected at most %d, got %d", executionID, tail+1, seq).
		WithDetails(map[string]any{"execution_id": executionID, "sequence": seq, "tail": tail})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

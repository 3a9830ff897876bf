// Package archive copies the journals of finished executions to blob storage.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// Record is the archived form of one terminal execution.
type Record struct {
	Execution  *store.Execution `json:"execution"`
	Events     []*store.Event   `json:"events"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// BlobArchiver writes Records to a gocloud.dev bucket (s3://, gs://,
// azblob://, file://, mem://), one JSON object per execution.
type BlobArchiver struct {
	bucket  *blob.Bucket
	prefix  string
	journal store.Journal
	now     func() time.Time
	logger  *slog.Logger
}

// NewBlobArchiver opens bucketURL. journal is read when an execution finishes.
func NewBlobArchiver(ctx context.Context, bucketURL, prefix string, journal store.Journal, logger *slog.Logger) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open archive bucket %s: %s", bucketURL, err.Error()).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobArchiver{
		bucket:  bucket,
		prefix:  prefix,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}, nil
}

// Attach archives every execution that reaches a terminal status through fsm.
func (a *BlobArchiver) Attach(fsm *engine.ExecutionFSM) {
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		fsm.OnAfter(engine.AnyStatus, to, a.onTerminal)
	}
}

func (a *BlobArchiver) onTerminal(ctx context.Context, exec *store.Execution, _, to schema.ExecutionStatus) error {
	if err := a.Archive(ctx, exec); err != nil {
		a.logger.Warn("archive execution failed",
			slog.String("execution_id", exec.ID),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		return err
	}
	a.logger.Debug("execution archived", slog.String("execution_id", exec.ID), slog.String("key", a.keyFor(exec.ID)))
	return nil
}

// Archive reads the journal of exec and stores it.
func (a *BlobArchiver) Archive(ctx context.Context, exec *store.Execution) error {
	events, err := a.journal.Read(ctx, exec.ID)
	if err != nil {
		return err
	}
	return a.Put(ctx, &Record{Execution: exec, Events: events, ArchivedAt: a.now()})
}

// Put writes rec under its execution id, replacing any earlier copy.
func (a *BlobArchiver) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode archive record: %s", err.Error()).WithCause(err)
	}
	if err := a.bucket.WriteAll(ctx, a.keyFor(rec.Execution.ID), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write archive %s: %s", rec.Execution.ID, err.Error()).WithCause(err)
	}
	return nil
}

// Get returns the archived record of executionID, or NOT_FOUND.
func (a *BlobArchiver) Get(ctx context.Context, executionID string) (*Record, error) {
	data, err := a.bucket.ReadAll(ctx, a.keyFor(executionID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no archive for execution %s", executionID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read archive %s: %s", executionID, err.Error()).WithCause(err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode archive %s: %s", executionID, err.Error()).WithCause(err)
	}
	return &rec, nil
}

// Delete removes an archived record. Missing records are not an error.
func (a *BlobArchiver) Delete(ctx context.Context, executionID string) error {
	err := a.bucket.Delete(ctx, a.keyFor(executionID))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return schema.NewErrorf(schema.ErrCodeStore, "delete archive %s: %s", executionID, err.Error()).WithCause(err)
	}
	return nil
}

// Close releases the bucket.
func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}

func (a *BlobArchiver) keyFor(executionID string) string {
	return a.prefix + executionID + ".json"
}

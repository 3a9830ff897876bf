package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/durable/pkg/schema"
)

// RedisJournal keeps each execution's journal in a Redis list. The list index
// is the sequence minus one, so records carry no sequence of their own.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures a RedisJournal.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// appendScript performs the tail check and push atomically.
// Returns {status, sequence, record}: 1 appended, 0 already present, -1 gap.
var appendScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
local seq = tonumber(ARGV[1])
if seq == 0 then
  seq = len + 1
end
if seq <= len then
  return {0, seq, redis.call('LINDEX', KEYS[1], seq - 1)}
end
if seq > len + 1 then
  return {-1, len, ''}
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return {1, seq, ARGV[2]}
`)

type redisRecord struct {
	Type        string          `json:"type"`
	OperationID string          `json:"operation_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewRedisJournal connects to Redis and returns a journal backed by it.
func NewRedisJournal(cfg RedisConfig) *RedisJournal {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisJournalWithClient(client, cfg.Prefix)
}

// NewRedisJournalWithClient wraps an existing client.
func NewRedisJournalWithClient(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = "durable"
	}
	return &RedisJournal{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (r *RedisJournal) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisJournal) Close() error { return r.client.Close() }

func (r *RedisJournal) key(executionID string) string {
	return r.prefix + ":journal:" + executionID
}

func (r *RedisJournal) Append(ctx context.Context, executionID string, event *Event) (*Event, error) {
	if event.Sequence < 0 {
		return nil, negativeSequence(executionID, event.Sequence)
	}
	rec, err := json.Marshal(redisRecord{
		Type:        event.Type,
		OperationID: event.OperationID,
		Payload:     event.Payload,
		Timestamp:   timeOrNow(event.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal journal record: %w", err)
	}

	res, err := appendScript.Run(ctx, r.client, []string{r.key(executionID)}, event.Sequence, string(rec)).Slice()
	if err != nil {
		return nil, journalUnavailable("redis append", err)
	}
	if len(res) != 3 {
		return nil, schema.NewErrorf(schema.ErrCodeJournalUnavailable, "redis append: unexpected reply %v", res)
	}

	status, _ := res[0].(int64)
	seq, _ := res[1].(int64)
	raw, _ := res[2].(string)
	if status < 0 {
		return nil, sequenceGap(executionID, event.Sequence, seq)
	}
	return decodeRedisRecord(executionID, seq, raw)
}

func (r *RedisJournal) Read(ctx context.Context, executionID string) ([]*Event, error) {
	raws, err := r.client.LRange(ctx, r.key(executionID), 0, -1).Result()
	if err != nil {
		return nil, journalUnavailable("redis read", err)
	}
	events := make([]*Event, 0, len(raws))
	for i, raw := range raws {
		e, err := decodeRedisRecord(executionID, int64(i+1), raw)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func decodeRedisRecord(executionID string, seq int64, raw string) (*Event, error) {
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"decode journal record %d of execution %s: %s", seq, executionID, err.Error()).WithCause(err)
	}
	return &Event{
		ID:          seq,
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        rec.Type,
		OperationID: rec.OperationID,
		Payload:     rec.Payload,
		Timestamp:   rec.Timestamp,
	}, nil
}

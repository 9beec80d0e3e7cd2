package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"quill/pkg/model"
)

// queueKey is the single Redis list holding all pending envelopes.
const queueKey = "write:queue"

// ListStore is the subset of go-redis used by the queue. *redis.Client
// satisfies it; tests substitute a fake built from redis.New*Result helpers.
type ListStore interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// Options tunes retry behavior. Zero values fall back to the defaults.
type Options struct {
	BatchSize   int           // envelopes popped per flush, default 100
	MaxAttempts int           // retry cap before an envelope is dropped, default 3
	BackoffBase time.Duration // exponential backoff base, default 2s
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	return o
}

// WriteQueue is the producer/consumer handle over the Redis FIFO.
// Producers call Queue concurrently; exactly one flusher calls Flush.
type WriteQueue struct {
	store ListStore
	opts  Options
	now   func() time.Time // overridable in tests
}

func NewWriteQueue(store ListStore, opts Options) *WriteQueue {
	return &WriteQueue{
		store: store,
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

// Queue appends one envelope to the tail. Returns false when the store is
// unavailable; the caller may then fall back to a synchronous write.
func (q *WriteQueue) Queue(ctx context.Context, kind Kind, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal queue payload", "kind", kind, "error", err)
		return false
	}

	env := Envelope{
		Kind:     kind,
		Data:     data,
		QueuedAt: q.now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal envelope", "kind", kind, "error", err)
		return false
	}

	if err := q.store.RPush(ctx, queueKey, string(raw)).Err(); err != nil {
		slog.WarnContext(ctx, "Write queue unavailable", "kind", kind, "error", err)
		return false
	}
	return true
}

// Depth returns the number of pending envelopes, -1 when the store is down.
func (q *WriteQueue) Depth(ctx context.Context) int {
	n, err := q.store.LLen(ctx, queueKey).Result()
	if err != nil {
		return -1
	}
	return int(n)
}

// Flush pops up to BatchSize envelopes, partitions them by kind, and commits
// them through w in one transaction. Envelopes whose backoff has not elapsed
// go back to the tail untouched. On commit failure the whole batch is
// requeued with incremented retry counters; envelopes past the retry cap are
// dropped. Returns the number of envelopes durably written.
func (q *WriteQueue) Flush(ctx context.Context, w BatchWriter) (int, error) {
	raws, err := q.store.LPopCount(ctx, queueKey, q.opts.BatchSize).Result()
	if err == redis.Nil || len(raws) == 0 {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	now := q.now()
	var batch Batch
	var accepted []Envelope // envelopes inside batch, for requeue on failure

	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			slog.WarnContext(ctx, "Dropping malformed envelope", "error", err)
			continue
		}

		if !env.RetryAfter.IsZero() && env.RetryAfter.After(now) {
			q.requeue(ctx, env)
			continue
		}

		if err := decodeInto(&batch, env); err != nil {
			// Payload cannot ever decode; retrying will not help.
			slog.WarnContext(ctx, "Dropping undecodable envelope", "kind", env.Kind, "error", err)
			continue
		}
		accepted = append(accepted, env)
	}

	if batch.Size() == 0 {
		return 0, nil
	}

	if err := w.WriteBatch(ctx, &batch); err != nil {
		slog.WarnContext(ctx, "Flush batch failed, requeueing", "size", len(accepted), "error", err)
		for _, env := range accepted {
			q.retryOrDrop(ctx, env)
		}
		return 0, err
	}

	return len(accepted), nil
}

// retryOrDrop requeues env with backoff, or drops it past the retry cap.
func (q *WriteQueue) retryOrDrop(ctx context.Context, env Envelope) {
	env.RetryCount++
	if env.RetryCount > q.opts.MaxAttempts {
		slog.ErrorContext(ctx, "discarded_max_retries",
			"kind", env.Kind, "retry_count", env.RetryCount, "queued_at", env.QueuedAt)
		return
	}
	backoff := time.Duration(math.Pow(float64(q.opts.BackoffBase/time.Second), float64(env.RetryCount))) * time.Second
	env.RetryAfter = q.now().Add(backoff)
	q.requeue(ctx, env)
}

func (q *WriteQueue) requeue(ctx context.Context, env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to re-marshal envelope", "kind", env.Kind, "error", err)
		return
	}
	if err := q.store.RPush(ctx, queueKey, string(raw)).Err(); err != nil {
		slog.ErrorContext(ctx, "Failed to requeue envelope, write lost", "kind", env.Kind, "error", err)
	}
}

// decodeInto unmarshals the envelope payload into the matching batch slice.
func decodeInto(b *Batch, env Envelope) error {
	switch env.Kind {
	case KindMessage:
		var m model.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return err
		}
		b.Messages = append(b.Messages, m)
	case KindUserStats:
		var s model.UserStats
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return err
		}
		b.Stats = append(b.Stats, s)
	case KindBalanceOp:
		var o model.BalanceOperation
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return err
		}
		b.BalanceOps = append(b.BalanceOps, o)
	case KindFile:
		var f model.UploadedFile
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return err
		}
		b.Files = append(b.Files, f)
	case KindToolCall:
		var t model.ToolCallRecord
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return err
		}
		b.ToolCalls = append(b.ToolCalls, t)
	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return nil
}

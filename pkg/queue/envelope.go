// Package queue implements the durable write-behind queue: a Redis-backed
// FIFO that absorbs transient database failures and flushes typed batches
// to Postgres with bounded retries.
package queue

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"quill/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind partitions envelopes into typed flush batches.
type Kind string

const (
	KindMessage   Kind = "MESSAGE"
	KindUserStats Kind = "USER_STATS"
	KindBalanceOp Kind = "BALANCE_OP"
	KindFile      Kind = "FILE"
	KindToolCall  Kind = "TOOL_CALL"
)

// Envelope is a single queued write. Payloads must round-trip through JSON.
type Envelope struct {
	Kind       Kind                `json:"type"`
	Data       jsoniter.RawMessage `json:"data"`
	QueuedAt   time.Time           `json:"queued_at"`
	RetryCount int                 `json:"retry_count,omitempty"`
	RetryAfter time.Time           `json:"retry_after,omitempty"`
}

// Batch groups decoded envelopes by kind for one transactional write.
type Batch struct {
	Messages   []model.Message
	Stats      []model.UserStats
	BalanceOps []model.BalanceOperation
	Files      []model.UploadedFile
	ToolCalls  []model.ToolCallRecord
}

// Size returns the number of decoded envelopes in the batch.
func (b *Batch) Size() int {
	return len(b.Messages) + len(b.Stats) + len(b.BalanceOps) + len(b.Files) + len(b.ToolCalls)
}

// BatchWriter commits one Batch in a single transaction. An error means the
// whole batch failed and every envelope in it will be requeued.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b *Batch) error
}

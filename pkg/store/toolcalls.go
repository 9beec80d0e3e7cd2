package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quill/pkg/model"
)

// insertToolCalls appends tool audit rows inside a flush transaction.
func insertToolCalls(ctx context.Context, tx pgx.Tx, calls []model.ToolCallRecord) error {
	const q = `
		INSERT INTO tool_calls
		    (chat_id, message_id, user_id, tool_name, input,
		     duration_ms, is_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	batch := &pgx.Batch{}
	for _, c := range calls {
		var input any
		if len(c.Input) > 0 {
			input = []byte(c.Input)
		}
		batch.Queue(q,
			c.ChatID, c.MessageID, c.UserID, c.ToolName, input,
			c.DurationMs, c.IsError, c.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range calls {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	return nil
}

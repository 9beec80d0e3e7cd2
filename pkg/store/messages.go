package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quill/pkg/model"
)

// ThreadMessages returns up to limit most recent messages of a thread in
// chronological order.
func (s *Store) ThreadMessages(ctx context.Context, threadID int64, limit int) ([]model.Message, error) {
	const q = `
		SELECT chat_id, message_id, thread_id, user_id, role, text,
		       thinking_blocks, sender_name, reply_snippet, reply_sender,
		       quote, forward_origin, has_voice, has_photo, has_document,
		       edit_count, original_text, model, input_tokens, output_tokens,
		       cost, created_at
		FROM (
			SELECT * FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, message_id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, message_id`

	rows, err := s.pool.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: thread messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(
			&m.ChatID, &m.MessageID, &m.ThreadID, &m.UserID, &m.Role, &m.Text,
			&m.ContentBlob, &m.SenderName, &m.ReplySnippet, &m.ReplySender,
			&m.Quote, &m.Forward, &m.HasVoice, &m.HasPhoto, &m.HasDocument,
			&m.EditCount, &m.OriginalText, &m.Model, &m.InputTokens, &m.OutputTokens,
			&m.Cost, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: thread messages rows: %w", err)
	}
	return out, nil
}

// MarkEdited bumps the edit counter and captures the pre-edit body on the
// first edit only. Returns the new edit count.
func (s *Store) MarkEdited(ctx context.Context, chatID int64, messageID int, newText string) (int, error) {
	const q = `
		UPDATE messages
		SET    edit_count    = edit_count + 1,
		       original_text = CASE WHEN edit_count = 0 THEN text ELSE original_text END,
		       text          = $3
		WHERE  chat_id = $1 AND message_id = $2
		RETURNING edit_count`

	var count int
	if err := s.pool.QueryRow(ctx, q, chatID, messageID, newText).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: mark edited: %w", err)
	}
	return count, nil
}

// insertMessages bulk-inserts a flush batch. Duplicates of the composite key
// are silent no-ops so a requeued batch never errors on already-landed rows.
func insertMessages(ctx context.Context, tx pgx.Tx, msgs []model.Message) error {
	const q = `
		INSERT INTO messages
		    (chat_id, message_id, thread_id, user_id, role, text,
		     thinking_blocks, sender_name, reply_snippet, reply_sender,
		     quote, forward_origin, has_voice, has_photo, has_document,
		     edit_count, original_text, model, input_tokens, output_tokens,
		     cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (chat_id, message_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		var blob any
		if len(m.ContentBlob) > 0 {
			blob = []byte(m.ContentBlob)
		}
		batch.Queue(q,
			m.ChatID, m.MessageID, m.ThreadID, m.UserID, m.Role, m.Text,
			blob, m.SenderName, m.ReplySnippet, m.ReplySender,
			m.Quote, m.Forward, m.HasVoice, m.HasPhoto, m.HasDocument,
			m.EditCount, m.OriginalText, m.Model, m.InputTokens, m.OutputTokens,
			m.Cost, m.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

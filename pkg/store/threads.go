package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quill/pkg/model"
)

// EnsureChat upserts the chat row, refreshing kind and title.
func (s *Store) EnsureChat(ctx context.Context, c *model.Chat) error {
	const q = `
		INSERT INTO chats (id, kind, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, title = EXCLUDED.title`

	if _, err := s.pool.Exec(ctx, q, c.ID, c.Kind, c.Title); err != nil {
		return fmt.Errorf("store: ensure chat %d: %w", c.ID, err)
	}
	return nil
}

// EnsureThread returns the live thread for (chat, user, topic), creating it
// lazily on first use.
func (s *Store) EnsureThread(ctx context.Context, chatID, userID int64, topicID int) (*model.Thread, error) {
	const sel = `
		SELECT id, chat_id, user_id, topic_id, deleted, created_at
		FROM   threads
		WHERE  chat_id = $1 AND user_id = $2 AND topic_id = $3 AND NOT deleted
		ORDER  BY id DESC
		LIMIT  1`

	var t model.Thread
	err := s.pool.QueryRow(ctx, sel, chatID, userID, topicID).Scan(
		&t.ID, &t.ChatID, &t.UserID, &t.TopicID, &t.Deleted, &t.CreatedAt,
	)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: select thread: %w", err)
	}

	const ins = `
		INSERT INTO threads (chat_id, user_id, topic_id)
		VALUES ($1, $2, $3)
		RETURNING id, chat_id, user_id, topic_id, deleted, created_at`

	err = s.pool.QueryRow(ctx, ins, chatID, userID, topicID).Scan(
		&t.ID, &t.ChatID, &t.UserID, &t.TopicID, &t.Deleted, &t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create thread: %w", err)
	}
	return &t, nil
}

// ClearThread logically deletes every live thread for (chat, user, topic).
// The next message starts a fresh context; history rows stay for audit.
func (s *Store) ClearThread(ctx context.Context, chatID, userID int64, topicID int) error {
	const q = `
		UPDATE threads
		SET    deleted = TRUE
		WHERE  chat_id = $1 AND user_id = $2 AND topic_id = $3 AND NOT deleted`

	if _, err := s.pool.Exec(ctx, q, chatID, userID, topicID); err != nil {
		return fmt.Errorf("store: clear thread: %w", err)
	}
	return nil
}

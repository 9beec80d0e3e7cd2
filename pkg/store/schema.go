package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates all tables and indexes if they do not exist. Statements are
// idempotent; there is no version tracking, additive changes only.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id              BIGINT PRIMARY KEY,
			username        TEXT NOT NULL DEFAULT '',
			first_name      TEXT NOT NULL DEFAULT '',
			last_name       TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			preamble        TEXT NOT NULL DEFAULT '',
			message_count   BIGINT NOT NULL DEFAULT 0,
			token_count     BIGINT NOT NULL DEFAULT 0,
			balance         NUMERIC(12,6) NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id         BIGINT PRIMARY KEY,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id         BIGSERIAL PRIMARY KEY,
			chat_id    BIGINT NOT NULL,
			user_id    BIGINT NOT NULL,
			topic_id   INT NOT NULL DEFAULT 0,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS threads_lookup
			ON threads (chat_id, user_id, topic_id) WHERE NOT deleted`,
		`CREATE TABLE IF NOT EXISTS messages (
			chat_id         BIGINT NOT NULL,
			message_id      INT NOT NULL,
			thread_id       BIGINT NOT NULL,
			user_id         BIGINT NOT NULL,
			role            TEXT NOT NULL,
			text            TEXT NOT NULL DEFAULT '',
			thinking_blocks BYTEA,
			sender_name     TEXT NOT NULL DEFAULT '',
			reply_snippet   TEXT NOT NULL DEFAULT '',
			reply_sender    TEXT NOT NULL DEFAULT '',
			quote           JSONB,
			forward_origin  JSONB,
			has_voice       BOOLEAN NOT NULL DEFAULT FALSE,
			has_photo       BOOLEAN NOT NULL DEFAULT FALSE,
			has_document    BOOLEAN NOT NULL DEFAULT FALSE,
			edit_count      INT NOT NULL DEFAULT 0,
			original_text   TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			input_tokens    BIGINT NOT NULL DEFAULT 0,
			output_tokens   BIGINT NOT NULL DEFAULT 0,
			cost            NUMERIC(12,6) NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chat_id, message_id)
		)`,
		`ALTER TABLE messages
			ADD COLUMN IF NOT EXISTS model TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS messages_thread
			ON messages (thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_files (
			id          BIGSERIAL PRIMARY KEY,
			chat_id     BIGINT NOT NULL,
			message_id  INT NOT NULL,
			telegram_id TEXT NOT NULL,
			api_file_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			mime_type   TEXT NOT NULL DEFAULT '',
			file_name   TEXT NOT NULL DEFAULT '',
			size_bytes  BIGINT NOT NULL DEFAULT 0,
			expires_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS user_files_telegram
			ON user_files (telegram_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			amount      NUMERIC(12,6) NOT NULL,
			currency    TEXT NOT NULL DEFAULT 'USD',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS balance_operations (
			id              BIGSERIAL PRIMARY KEY,
			user_id         BIGINT NOT NULL,
			kind            TEXT NOT NULL,
			amount          NUMERIC(12,6) NOT NULL,
			balance_before  NUMERIC(12,6) NOT NULL,
			balance_after   NUMERIC(12,6) NOT NULL,
			related_chat_id BIGINT NOT NULL DEFAULT 0,
			related_message INT NOT NULL DEFAULT 0,
			description     TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS balance_operations_user
			ON balance_operations (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id          BIGSERIAL PRIMARY KEY,
			chat_id     BIGINT NOT NULL,
			message_id  INT NOT NULL,
			user_id     BIGINT NOT NULL,
			tool_name   TEXT NOT NULL,
			input       JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			is_error    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
